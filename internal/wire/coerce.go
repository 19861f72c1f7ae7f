// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

// Package wire implements the canonical string forms of the bridge data
// types and the coercions between MQTT payloads, buffered values, and
// OPC-UA variants.
//
// Coercion failures are permanent: a payload that does not match its
// declared type will never match it on retry, so the message is archived
// instead of re-attempted.
package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/puente-io/puente/internal/bridge"
)

// maxErrValueLen bounds the payload excerpt embedded in error strings.
const maxErrValueLen = 64

// Canonicalize validates raw against the declared data type and returns its
// canonical string form. The canonical form is what the buffer persists and
// what MQTT egress publishes.
func Canonicalize(t bridge.DataType, raw string) (string, error) {
	switch t {
	case bridge.TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "1":
			return "true", nil
		case "false", "0":
			return "false", nil
		}
		return "", coerceErr(t, raw, nil)

	case bridge.TypeInt32:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return "", coerceErr(t, raw, err)
		}
		return strconv.FormatInt(v, 10), nil

	case bridge.TypeFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 32)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return "", coerceErr(t, raw, err)
		}
		return strconv.FormatFloat(v, 'g', -1, 32), nil

	case bridge.TypeDouble:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return "", coerceErr(t, raw, err)
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil

	case bridge.TypeString:
		if !utf8.ValidString(raw) {
			return "", coerceErr(t, raw, nil)
		}
		return raw, nil

	case bridge.TypeDateTime:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
		if err != nil {
			return "", coerceErr(t, raw, err)
		}
		return ts.Format(time.RFC3339Nano), nil

	case bridge.TypeJSON:
		if !json.Valid([]byte(raw)) {
			return "", coerceErr(t, raw, nil)
		}
		return raw, nil
	}
	return "", coerceErr(t, raw, fmt.Errorf("unknown data type"))
}

// ToNative converts a canonical value to the native Go representation used
// for OPC-UA variants: bool, int32, float32, float64, string, or time.Time.
func ToNative(t bridge.DataType, canonical string) (interface{}, error) {
	switch t {
	case bridge.TypeBoolean:
		return canonical == "true", nil
	case bridge.TypeInt32:
		v, err := strconv.ParseInt(canonical, 10, 32)
		if err != nil {
			return nil, coerceErr(t, canonical, err)
		}
		return int32(v), nil
	case bridge.TypeFloat:
		v, err := strconv.ParseFloat(canonical, 32)
		if err != nil {
			return nil, coerceErr(t, canonical, err)
		}
		return float32(v), nil
	case bridge.TypeDouble:
		v, err := strconv.ParseFloat(canonical, 64)
		if err != nil {
			return nil, coerceErr(t, canonical, err)
		}
		return v, nil
	case bridge.TypeString, bridge.TypeJSON:
		return canonical, nil
	case bridge.TypeDateTime:
		ts, err := time.Parse(time.RFC3339Nano, canonical)
		if err != nil {
			return nil, coerceErr(t, canonical, err)
		}
		return ts.UTC(), nil
	}
	return nil, coerceErr(t, canonical, fmt.Errorf("unknown data type"))
}

// FromNative converts a native value received from OPC-UA back to canonical
// string form for buffering and MQTT publishing.
func FromNative(t bridge.DataType, v interface{}) (string, error) {
	switch val := v.(type) {
	case bool:
		return Canonicalize(t, strconv.FormatBool(val))
	case int32:
		return Canonicalize(t, strconv.FormatInt(int64(val), 10))
	case int64:
		return Canonicalize(t, strconv.FormatInt(val, 10))
	case int:
		return Canonicalize(t, strconv.Itoa(val))
	case float32:
		return Canonicalize(t, strconv.FormatFloat(float64(val), 'g', -1, 32))
	case float64:
		return Canonicalize(t, strconv.FormatFloat(val, 'g', -1, 64))
	case string:
		return Canonicalize(t, val)
	case []byte:
		return Canonicalize(t, string(val))
	case time.Time:
		return Canonicalize(t, val.UTC().Format(time.RFC3339Nano))
	}
	return "", coerceErr(t, fmt.Sprintf("%v", v), fmt.Errorf("unsupported native type %T", v))
}

func coerceErr(t bridge.DataType, raw string, err error) error {
	if len(raw) > maxErrValueLen {
		raw = raw[:maxErrValueLen] + "..."
	}
	return bridge.NewPermanentError(fmt.Sprintf("coerce %s from %q", t, raw), err)
}
