// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package wire

import (
	"strings"
	"testing"

	"github.com/puente-io/puente/internal/bridge"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dataType bridge.DataType
		raw      string
		want     string
		wantErr  bool
	}{
		{bridge.TypeBoolean, "true", "true", false},
		{bridge.TypeBoolean, "TRUE", "true", false},
		{bridge.TypeBoolean, "1", "true", false},
		{bridge.TypeBoolean, "0", "false", false},
		{bridge.TypeBoolean, "yes", "", true},
		{bridge.TypeInt32, "42", "42", false},
		{bridge.TypeInt32, " -7 ", "-7", false},
		{bridge.TypeInt32, "2147483647", "2147483647", false},
		{bridge.TypeInt32, "2147483648", "", true},
		{bridge.TypeInt32, "abc", "", true},
		{bridge.TypeInt32, "1.5", "", true},
		{bridge.TypeFloat, "21.5", "21.5", false},
		{bridge.TypeFloat, "NaN", "", true},
		{bridge.TypeFloat, "+Inf", "", true},
		{bridge.TypeDouble, "-273.15", "-273.15", false},
		{bridge.TypeString, "running", "running", false},
		{bridge.TypeString, "\xff\xfe", "", true},
		{bridge.TypeDateTime, "2026-08-24T10:00:00Z", "2026-08-24T10:00:00Z", false},
		{bridge.TypeDateTime, "24/08/2026", "", true},
		{bridge.TypeJSON, `{"a":1}`, `{"a":1}`, false},
		{bridge.TypeJSON, `{"a":`, "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.dataType)+"/"+tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := Canonicalize(tt.dataType, tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Canonicalize(%s, %q) = %q, want error", tt.dataType, tt.raw, got)
				}
				if !bridge.IsPermanentError(err) {
					t.Errorf("error = %v, want permanent", err)
				}
				if !strings.Contains(err.Error(), "coerce") {
					t.Errorf("error %q does not mention coerce", err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Canonicalize(%s, %q) error = %v", tt.dataType, tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Canonicalize(%s, %q) = %q, want %q", tt.dataType, tt.raw, got, tt.want)
			}
		})
	}
}

func TestRoundTripIdentity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dataType bridge.DataType
		raw      string
	}{
		{bridge.TypeBoolean, "true"},
		{bridge.TypeBoolean, "false"},
		{bridge.TypeInt32, "-2147483648"},
		{bridge.TypeInt32, "0"},
		{bridge.TypeFloat, "21.5"},
		{bridge.TypeDouble, "1e300"},
		{bridge.TypeString, "línea-1 ok"},
		{bridge.TypeDateTime, "2026-08-24T10:00:00.5Z"},
		{bridge.TypeJSON, `{"a":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.dataType)+"/"+tt.raw, func(t *testing.T) {
			t.Parallel()
			canonical, err := Canonicalize(tt.dataType, tt.raw)
			if err != nil {
				t.Fatalf("Canonicalize() error = %v", err)
			}
			native, err := ToNative(tt.dataType, canonical)
			if err != nil {
				t.Fatalf("ToNative() error = %v", err)
			}
			back, err := FromNative(tt.dataType, native)
			if err != nil {
				t.Fatalf("FromNative() error = %v", err)
			}
			if back != canonical {
				t.Errorf("round trip: %q -> %q", canonical, back)
			}
		})
	}
}

func TestToNativeTypes(t *testing.T) {
	t.Parallel()
	if v, err := ToNative(bridge.TypeInt32, "42"); err != nil || v.(int32) != 42 {
		t.Errorf("Int32 native = %v (%T), %v", v, v, err)
	}
	if v, err := ToNative(bridge.TypeFloat, "21.5"); err != nil || v.(float32) != 21.5 {
		t.Errorf("Float native = %v (%T), %v", v, v, err)
	}
	if v, err := ToNative(bridge.TypeDouble, "21.5"); err != nil || v.(float64) != 21.5 {
		t.Errorf("Double native = %v (%T), %v", v, v, err)
	}
	if v, err := ToNative(bridge.TypeBoolean, "true"); err != nil || v.(bool) != true {
		t.Errorf("Boolean native = %v (%T), %v", v, v, err)
	}
}

func TestFromNativeUnsupportedType(t *testing.T) {
	t.Parallel()
	if _, err := FromNative(bridge.TypeInt32, struct{}{}); !bridge.IsPermanentError(err) {
		t.Errorf("unsupported native error = %v, want permanent", err)
	}
}

func TestCoerceErrorTruncatesLongValues(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 500)
	_, err := Canonicalize(bridge.TypeInt32, long)
	if err == nil {
		t.Fatal("long junk accepted")
	}
	if len(err.Error()) > 200 {
		t.Errorf("error length = %d, want truncated payload", len(err.Error()))
	}
}
