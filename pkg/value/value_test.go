package value

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		in   any
		wire string
		out  any
	}{
		{"bool true", Bool(), true, "true", true},
		{"bool false", Bool(), false, "false", false},
		{"sint8", SInt(8), int8(-100), "-100", int64(-100)},
		{"sint16", SInt(16), int16(30000), "30000", int64(30000)},
		{"sint32", SInt(32), -2000000000, "-2000000000", int64(-2000000000)},
		{"sint64", SInt(64), int64(1) << 40, "1099511627776", int64(1) << 40},
		{"uint8", UInt(8), uint8(255), "255", uint64(255)},
		{"uint16", UInt(16), 65535, "65535", uint64(65535)},
		{"uint32", UInt(32), uint32(4000000000), "4000000000", uint64(4000000000)},
		{"uint64", UInt(64), uint64(1) << 60, "1152921504606846976", uint64(1) << 60},
		{"fixed scale 2", Fixed(2), 21.5, "21.50", 21.5},
		{"fixed integer input", Fixed(1), 7, "7.0", 7.0},
		{"utf8", UTF8(), "living room", "living room", "living room"},
		{"bytes", Bytes(), []byte{0xde, 0xad, 0xbe, 0xef}, "deadbeef", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"empty bytes", Bytes(), []byte{}, "", []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := Encode(tt.desc, tt.in)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if wire != tt.wire {
				t.Errorf("Encode = %q, want %q", wire, tt.wire)
			}

			got, err := Decode(tt.desc, wire)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if b, ok := tt.out.([]byte); ok {
				if !bytes.Equal(got.([]byte), b) {
					t.Errorf("Decode = %x, want %x", got, b)
				}
				return
			}
			if got != tt.out {
				t.Errorf("Decode = %v (%T), want %v (%T)", got, got, tt.out, tt.out)
			}
		})
	}
}

func TestDecodeInvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		wire string
	}{
		{"bool garbage", Bool(), "yes"},
		{"sint not a number", SInt(32), "12a"},
		{"sint empty", SInt(8), ""},
		{"sint8 out of range", SInt(8), "200"},
		{"sint16 out of range", SInt(16), "70000"},
		{"uint negative", UInt(16), "-1"},
		{"uint8 out of range", UInt(8), "256"},
		{"fixed garbage", Fixed(2), "21.5C"},
		{"bytes non-hex", Bytes(), "zzzz"},
		{"bytes odd length", Bytes(), "abc"},
		{"utf8 invalid", UTF8(), string([]byte{0xff, 0xfe})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.desc, tt.wire)
			if !errors.Is(err, ErrInvalidValueFormat) {
				t.Errorf("Decode(%q) error = %v, want ErrInvalidValueFormat", tt.wire, err)
			}
		})
	}
}

func TestEncodeWrongType(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		in   any
	}{
		{"bool from string", Bool(), "true"},
		{"sint from string", SInt(32), "10"},
		{"uint from negative", UInt(32), -1},
		{"bytes from string", Bytes(), "deadbeef"},
		{"utf8 from int", UTF8(), 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.desc, tt.in)
			if !errors.Is(err, ErrValueType) {
				t.Errorf("Encode error = %v, want ErrValueType", err)
			}
		})
	}
}

func TestEncodeOutOfRange(t *testing.T) {
	if _, err := Encode(SInt(8), 1000); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("Encode(sint8, 1000) error = %v, want ErrValueOutOfRange", err)
	}
	if _, err := Encode(UInt(16), 1<<20); !errors.Is(err, ErrValueOutOfRange) {
		t.Errorf("Encode(uint16, 1<<20) error = %v, want ErrValueOutOfRange", err)
	}
}

func TestUnknownKind(t *testing.T) {
	if _, err := Encode(Descriptor{Kind: Kind(200)}, 1); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Encode error = %v, want ErrUnknownKind", err)
	}
	if _, err := Decode(Descriptor{Kind: KindUnknown}, "1"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Decode error = %v, want ErrUnknownKind", err)
	}
}

func TestKindString(t *testing.T) {
	if KindFixed.String() != "fixed" {
		t.Errorf("KindFixed.String() = %q, want %q", KindFixed.String(), "fixed")
	}
	if Kind(99).String() != "unknown" {
		t.Errorf("Kind(99).String() = %q, want %q", Kind(99).String(), "unknown")
	}
}
