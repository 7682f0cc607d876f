package value

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Codec errors.
var (
	// ErrInvalidValueFormat indicates a wire string that cannot be parsed
	// as the declared kind.
	ErrInvalidValueFormat = errors.New("invalid value format")

	// ErrValueOutOfRange indicates a numeric value outside the kind's range.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrValueType indicates a Go value of the wrong type for the kind.
	ErrValueType = errors.New("invalid value type for kind")

	// ErrUnknownKind indicates an unrecognized semantic kind.
	ErrUnknownKind = errors.New("unknown value kind")
)

// Kind is the semantic type a device profile declares for an attribute.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBool
	KindSInt8
	KindSInt16
	KindSInt32
	KindSInt64
	KindUInt8
	KindUInt16
	KindUInt32
	KindUInt64
	KindFixed
	KindUTF8
	KindBytes
)

// String returns the kind name.
func (k Kind) String() string {
	names := []string{
		"unknown", "bool", "sint8", "sint16", "sint32", "sint64",
		"uint8", "uint16", "uint32", "uint64", "fixed", "utf8", "bytes",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Descriptor declares the semantic type of an attribute value.
// Scale is the number of decimal fraction digits and only applies to KindFixed.
type Descriptor struct {
	Kind  Kind
	Scale uint8
}

// Bool is the descriptor for boolean attributes.
func Bool() Descriptor { return Descriptor{Kind: KindBool} }

// SInt returns the descriptor for a signed integer of the given bit width
// (8, 16, 32, or 64).
func SInt(bits int) Descriptor {
	switch bits {
	case 8:
		return Descriptor{Kind: KindSInt8}
	case 16:
		return Descriptor{Kind: KindSInt16}
	case 32:
		return Descriptor{Kind: KindSInt32}
	default:
		return Descriptor{Kind: KindSInt64}
	}
}

// UInt returns the descriptor for an unsigned integer of the given bit width
// (8, 16, 32, or 64).
func UInt(bits int) Descriptor {
	switch bits {
	case 8:
		return Descriptor{Kind: KindUInt8}
	case 16:
		return Descriptor{Kind: KindUInt16}
	case 32:
		return Descriptor{Kind: KindUInt32}
	default:
		return Descriptor{Kind: KindUInt64}
	}
}

// Fixed returns the descriptor for a fixed-point decimal with the given
// number of fraction digits.
func Fixed(scale uint8) Descriptor { return Descriptor{Kind: KindFixed, Scale: scale} }

// UTF8 is the descriptor for text attributes.
func UTF8() Descriptor { return Descriptor{Kind: KindUTF8} }

// Bytes is the descriptor for raw byte attributes (hex on the wire).
func Bytes() Descriptor { return Descriptor{Kind: KindBytes} }

// Encode converts a typed value to its wire string representation.
// Encoding never fails for in-range values of the matching Go type.
func Encode(d Descriptor, v any) (string, error) {
	switch d.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("%w: %s expects bool, got %T", ErrValueType, d.Kind, v)
		}
		return strconv.FormatBool(b), nil

	case KindSInt8, KindSInt16, KindSInt32, KindSInt64:
		n, ok := toInt64(v)
		if !ok {
			return "", fmt.Errorf("%w: %s expects integer, got %T", ErrValueType, d.Kind, v)
		}
		if err := checkSignedRange(d.Kind, n); err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil

	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		n, ok := toUint64(v)
		if !ok {
			return "", fmt.Errorf("%w: %s expects unsigned integer, got %T", ErrValueType, d.Kind, v)
		}
		if err := checkUnsignedRange(d.Kind, n); err != nil {
			return "", err
		}
		return strconv.FormatUint(n, 10), nil

	case KindFixed:
		f, ok := toFloat64(v)
		if !ok {
			return "", fmt.Errorf("%w: %s expects numeric, got %T", ErrValueType, d.Kind, v)
		}
		return strconv.FormatFloat(f, 'f', int(d.Scale), 64), nil

	case KindUTF8:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("%w: %s expects string, got %T", ErrValueType, d.Kind, v)
		}
		return s, nil

	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return "", fmt.Errorf("%w: %s expects []byte, got %T", ErrValueType, d.Kind, v)
		}
		return hex.EncodeToString(b), nil

	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownKind, d.Kind)
	}
}

// Decode parses a wire string into the typed value declared by d.
// The returned value is bool, int64, uint64, float64, string, or []byte
// depending on the kind. Fails with ErrInvalidValueFormat when the wire
// string cannot be parsed as the declared kind.
func Decode(d Descriptor, wire string) (any, error) {
	switch d.Kind {
	case KindBool:
		switch wire {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		default:
			return nil, fmt.Errorf("%w: %q is not a bool", ErrInvalidValueFormat, wire)
		}

	case KindSInt8, KindSInt16, KindSInt32, KindSInt64:
		n, err := strconv.ParseInt(wire, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a %s", ErrInvalidValueFormat, wire, d.Kind)
		}
		if err := checkSignedRange(d.Kind, n); err != nil {
			return nil, fmt.Errorf("%w: %q exceeds %s", ErrInvalidValueFormat, wire, d.Kind)
		}
		return n, nil

	case KindUInt8, KindUInt16, KindUInt32, KindUInt64:
		n, err := strconv.ParseUint(wire, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a %s", ErrInvalidValueFormat, wire, d.Kind)
		}
		if err := checkUnsignedRange(d.Kind, n); err != nil {
			return nil, fmt.Errorf("%w: %q exceeds %s", ErrInvalidValueFormat, wire, d.Kind)
		}
		return n, nil

	case KindFixed:
		f, err := strconv.ParseFloat(wire, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a fixed-point decimal", ErrInvalidValueFormat, wire)
		}
		return f, nil

	case KindUTF8:
		if !utf8.ValidString(wire) {
			return nil, fmt.Errorf("%w: invalid UTF-8", ErrInvalidValueFormat)
		}
		return wire, nil

	case KindBytes:
		b, err := hex.DecodeString(strings.ToLower(wire))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not hex", ErrInvalidValueFormat, wire)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, d.Kind)
	}
}

// checkSignedRange validates n against the kind's bit width.
func checkSignedRange(k Kind, n int64) error {
	var min, max int64
	switch k {
	case KindSInt8:
		min, max = math.MinInt8, math.MaxInt8
	case KindSInt16:
		min, max = math.MinInt16, math.MaxInt16
	case KindSInt32:
		min, max = math.MinInt32, math.MaxInt32
	default:
		return nil
	}
	if n < min || n > max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrValueOutOfRange, n, min, max)
	}
	return nil
}

// checkUnsignedRange validates n against the kind's bit width.
func checkUnsignedRange(k Kind, n uint64) error {
	var max uint64
	switch k {
	case KindUInt8:
		max = math.MaxUint8
	case KindUInt16:
		max = math.MaxUint16
	case KindUInt32:
		max = math.MaxUint32
	default:
		return nil
	}
	if n > max {
		return fmt.Errorf("%w: %d exceeds %d", ErrValueOutOfRange, n, max)
	}
	return nil
}

// Helper functions for type conversion.

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int8:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int16:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := toInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}
