package schedule

import (
	"encoding/binary"
	"fmt"
)

// Binary record layout constants. All multi-byte fields are little-endian.
const (
	// RecordSize is the fixed size of an encoded schedule event.
	RecordSize = 64

	// headerSize is the fixed header before the attribute entries.
	headerSize = 10

	// PayloadCapacity is the space available for attribute entries.
	PayloadCapacity = RecordSize - headerSize

	// entryOverhead is the per-entry cost beyond the value bytes:
	// attribute id (2) and value length (1).
	entryOverhead = 3
)

// Header field offsets.
const (
	offFlags     = 0
	offDay       = 1
	offHour      = 2
	offMinute    = 3
	offEventID   = 4
	offAttrCount = 8
	offReserved  = 9
)

// Flag bits (byte 0). Bits 2..7 are reserved and must be zero.
const (
	flagEnabled      = 1 << 0
	flagCompactDays  = 1 << 1
	flagReservedBits = 0xFF &^ (flagEnabled | flagCompactDays)
)

// dayMaskReservedBit is bit 0 of the compact day selector, which is unused
// (weekdays occupy bits 1..7) and must be zero.
const dayMaskReservedBit = 1 << 0

// Encode serializes the event into the fixed-width binary record, using the
// day representation the event holds. Fails with ErrEventTooLarge when the
// attribute payload exceeds the record's capacity.
func Encode(e *Event) ([]byte, error) {
	if err := checkTime(e.Hour, e.Minute); err != nil {
		return nil, err
	}

	buf := make([]byte, RecordSize)

	var flags byte
	if e.Enabled {
		flags |= flagEnabled
	}
	if e.compactDays {
		flags |= flagCompactDays
		buf[offDay] = e.dayMask
	} else {
		if !e.day.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidWeekday, e.day)
		}
		buf[offDay] = byte(e.day)
	}
	buf[offFlags] = flags
	buf[offHour] = e.Hour
	buf[offMinute] = e.Minute
	binary.LittleEndian.PutUint32(buf[offEventID:], e.ID)

	if len(e.Attributes) > 0xFF {
		return nil, fmt.Errorf("%w: %d attribute entries", ErrEventTooLarge, len(e.Attributes))
	}
	buf[offAttrCount] = byte(len(e.Attributes))

	pos := headerSize
	for _, a := range e.Attributes {
		if len(a.Value) > 0xFF {
			return nil, fmt.Errorf("%w: attribute %d value is %d bytes", ErrEventTooLarge, a.ID, len(a.Value))
		}
		if pos+entryOverhead+len(a.Value) > RecordSize {
			return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrEventTooLarge, PayloadCapacity)
		}
		binary.LittleEndian.PutUint16(buf[pos:], a.ID)
		buf[pos+2] = byte(len(a.Value))
		copy(buf[pos+entryOverhead:], a.Value)
		pos += entryOverhead + len(a.Value)
	}

	return buf, nil
}

// EncodeLegacy serializes the event into the legacy single-day layout.
// Fails with ErrUnsupportedDayRepresentation when the event holds a compact
// day mask: the legacy day slot cannot represent more than one weekday.
func EncodeLegacy(e *Event) ([]byte, error) {
	if e.compactDays {
		return nil, fmt.Errorf("%w: day mask does not fit the legacy day slot", ErrUnsupportedDayRepresentation)
	}
	return Encode(e)
}

// Decode parses a fixed-width binary record into an Event. Fails with
// ErrMalformedRecord when the length is wrong, a reserved field is non-zero,
// or a field is out of range.
func Decode(buf []byte) (*Event, error) {
	if len(buf) != RecordSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedRecord, len(buf), RecordSize)
	}

	flags := buf[offFlags]
	if flags&flagReservedBits != 0 {
		return nil, fmt.Errorf("%w: reserved flag bits set", ErrMalformedRecord)
	}
	if buf[offReserved] != 0 {
		return nil, fmt.Errorf("%w: reserved byte set", ErrMalformedRecord)
	}

	e := &Event{
		ID:      binary.LittleEndian.Uint32(buf[offEventID:]),
		Enabled: flags&flagEnabled != 0,
		Hour:    buf[offHour],
		Minute:  buf[offMinute],
	}
	if err := checkTime(e.Hour, e.Minute); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if flags&flagCompactDays != 0 {
		if buf[offDay]&dayMaskReservedBit != 0 {
			return nil, fmt.Errorf("%w: reserved day mask bit set", ErrMalformedRecord)
		}
		e.compactDays = true
		e.dayMask = buf[offDay]
	} else {
		day := Weekday(buf[offDay])
		if !day.Valid() {
			return nil, fmt.Errorf("%w: day selector %d", ErrMalformedRecord, buf[offDay])
		}
		e.day = day
	}

	count := int(buf[offAttrCount])
	pos := headerSize
	for i := 0; i < count; i++ {
		if pos+entryOverhead > RecordSize {
			return nil, fmt.Errorf("%w: truncated attribute entry %d", ErrMalformedRecord, i)
		}
		id := binary.LittleEndian.Uint16(buf[pos:])
		vlen := int(buf[pos+2])
		if pos+entryOverhead+vlen > RecordSize {
			return nil, fmt.Errorf("%w: attribute %d value overruns record", ErrMalformedRecord, id)
		}
		e.Attributes = append(e.Attributes, Attribute{
			ID:    id,
			Value: string(buf[pos+entryOverhead : pos+entryOverhead+vlen]),
		})
		pos += entryOverhead + vlen
	}

	// Tail padding after the last entry must be zero.
	for i := pos; i < RecordSize; i++ {
		if buf[i] != 0 {
			return nil, fmt.Errorf("%w: non-zero padding at offset %d", ErrMalformedRecord, i)
		}
	}

	return e, nil
}
