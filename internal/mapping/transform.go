// Puente - Industrial MQTT <-> OPC-UA Bridge with Persistent Buffering
// Copyright 2026 Puente contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/puente-io/puente

package mapping

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/puente-io/puente/internal/bridge"
)

// Transform rewrites a canonical value in flight. Transforms run after
// coercion, so the input is always a valid canonical string for its type.
type Transform func(dataType bridge.DataType, value string) (string, error)

// ParseTransform resolves a transform expression from configuration:
//
//	identity | scale:<factor> | offset:<delta> | round:<digits> |
//	uppercase | lowercase
//
// Validation happens here, at mapping build time, so a bad expression fails
// startup rather than the first message.
func ParseTransform(expr string) (Transform, error) {
	name, arg := expr, ""
	if i := strings.IndexByte(expr, ':'); i >= 0 {
		name, arg = expr[:i], expr[i+1:]
	}

	switch name {
	case "", "identity":
		return identityTransform, nil

	case "scale":
		factor, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("transform scale: bad factor %q", arg)
		}
		return numericTransform("scale", func(v float64) float64 { return v * factor }), nil

	case "offset":
		delta, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("transform offset: bad delta %q", arg)
		}
		return numericTransform("offset", func(v float64) float64 { return v + delta }), nil

	case "round":
		digits, err := strconv.Atoi(arg)
		if err != nil || digits < 0 || digits > 15 {
			return nil, fmt.Errorf("transform round: bad digits %q", arg)
		}
		pow := math.Pow(10, float64(digits))
		return numericTransform("round", func(v float64) float64 {
			return math.Round(v*pow) / pow
		}), nil

	case "uppercase":
		return stringTransform("uppercase", strings.ToUpper), nil

	case "lowercase":
		return stringTransform("lowercase", strings.ToLower), nil
	}
	return nil, fmt.Errorf("unknown transform %q", expr)
}

func identityTransform(_ bridge.DataType, value string) (string, error) {
	return value, nil
}

// numericTransform applies fn to Int32, Float and Double values. Other types
// reject at delivery with a permanent error; the mapping declared a transform
// its data type cannot honor.
func numericTransform(name string, fn func(float64) float64) Transform {
	return func(dataType bridge.DataType, value string) (string, error) {
		switch dataType {
		case bridge.TypeInt32:
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return "", bridge.NewPermanentError(fmt.Sprintf("transform %s: %v", name, err), err)
			}
			out := fn(v)
			if out > math.MaxInt32 || out < math.MinInt32 {
				return "", bridge.NewPermanentError(
					fmt.Sprintf("transform %s: result %g overflows Int32", name, out), nil)
			}
			return strconv.FormatInt(int64(math.Round(out)), 10), nil
		case bridge.TypeFloat, bridge.TypeDouble:
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return "", bridge.NewPermanentError(fmt.Sprintf("transform %s: %v", name, err), err)
			}
			return strconv.FormatFloat(fn(v), 'g', -1, 64), nil
		}
		return "", bridge.NewPermanentError(
			fmt.Sprintf("transform %s not applicable to %s", name, dataType), nil)
	}
}

func stringTransform(name string, fn func(string) string) Transform {
	return func(dataType bridge.DataType, value string) (string, error) {
		if dataType != bridge.TypeString {
			return "", bridge.NewPermanentError(
				fmt.Sprintf("transform %s not applicable to %s", name, dataType), nil)
		}
		return fn(value), nil
	}
}
