package schedule

import (
	"errors"
	"fmt"

	"github.com/fleetlink/fleetlink-go/pkg/value"
)

// Schedule errors.
var (
	// ErrMalformedRecord indicates a binary record of the wrong size or with
	// non-zero reserved fields.
	ErrMalformedRecord = errors.New("malformed schedule record")

	// ErrUnsupportedDayRepresentation indicates a day-form mismatch: asking a
	// single-day event for its mask, or encoding a compact-day event into the
	// legacy single-day layout.
	ErrUnsupportedDayRepresentation = errors.New("unsupported day representation")

	// ErrEventTooLarge indicates an attribute payload exceeding the record's
	// fixed capacity.
	ErrEventTooLarge = errors.New("schedule event too large")

	// ErrInvalidWeekday indicates a weekday outside Sunday..Saturday.
	ErrInvalidWeekday = errors.New("invalid weekday")

	// ErrInvalidTime indicates an hour or minute outside its range.
	ErrInvalidTime = errors.New("invalid time of day")
)

// Weekday identifies a day of the week in the device schedule numbering:
// Sunday is 1, Saturday is 7.
type Weekday uint8

const (
	Sunday Weekday = iota + 1
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

// Valid reports whether the weekday is in Sunday..Saturday.
func (d Weekday) Valid() bool {
	return d >= Sunday && d <= Saturday
}

// String returns the weekday name.
func (d Weekday) String() string {
	names := []string{
		"Sunday", "Monday", "Tuesday", "Wednesday",
		"Thursday", "Friday", "Saturday",
	}
	if d.Valid() {
		return names[d-1]
	}
	return "Invalid"
}

// bit returns the weekday's position in the compact day mask.
// Bit n of the mask corresponds to weekday n; bit 0 is reserved.
func (d Weekday) bit() uint8 {
	return 1 << d
}

// Attribute is one attribute write a schedule event applies at trigger time.
// Value holds the pkg/value wire-string encoding.
type Attribute struct {
	ID    uint16
	Value string
}

// Event is an in-memory schedule event. Devices store events in a fixed-width
// binary record; see Encode and Decode.
//
// Two day representations exist for historical compatibility: the legacy form
// stores exactly one weekday, the compact form stores a 7-bit mask. Callers
// probe HasCompactDayRepresentation before using the mask accessor.
type Event struct {
	// ID identifies the event within the device's schedule slots.
	ID uint32

	// Enabled controls whether the device fires the event.
	Enabled bool

	// Hour of day the event fires, 0..23 (device-local time).
	Hour uint8

	// Minute of the hour, 0..59.
	Minute uint8

	// Attributes are applied in order at trigger time.
	Attributes []Attribute

	compactDays bool
	day         Weekday
	dayMask     uint8
}

// NewSingleDayEvent creates a legacy-form event firing on one weekday.
func NewSingleDayEvent(id uint32, day Weekday, hour, minute uint8) (*Event, error) {
	if !day.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWeekday, day)
	}
	if err := checkTime(hour, minute); err != nil {
		return nil, err
	}
	return &Event{
		ID:      id,
		Enabled: true,
		Hour:    hour,
		Minute:  minute,
		day:     day,
	}, nil
}

// NewMultiDayEvent creates a compact-form event firing on the given weekdays.
func NewMultiDayEvent(id uint32, days []Weekday, hour, minute uint8) (*Event, error) {
	if err := checkTime(hour, minute); err != nil {
		return nil, err
	}
	e := &Event{
		ID:          id,
		Enabled:     true,
		Hour:        hour,
		Minute:      minute,
		compactDays: true,
	}
	for _, d := range days {
		if !d.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidWeekday, d)
		}
		e.dayMask |= d.bit()
	}
	return e, nil
}

// HasCompactDayRepresentation reports whether the event stores its days as a
// 7-bit mask. Callers branch on this before choosing Day or DayMask.
func (e *Event) HasCompactDayRepresentation() bool {
	return e.compactDays
}

// Day returns the single stored weekday of a legacy-form event.
// Fails with ErrUnsupportedDayRepresentation for compact-form events.
func (e *Event) Day() (Weekday, error) {
	if e.compactDays {
		return 0, fmt.Errorf("%w: event uses a day mask", ErrUnsupportedDayRepresentation)
	}
	return e.day, nil
}

// DayMask returns the compact 7-bit day mask, where bit n set means the event
// fires on weekday n (Sunday=1). Fails with ErrUnsupportedDayRepresentation
// for legacy-form events.
func (e *Event) DayMask() (uint8, error) {
	if !e.compactDays {
		return 0, fmt.Errorf("%w: event stores a single day", ErrUnsupportedDayRepresentation)
	}
	return e.dayMask, nil
}

// HasDay reports whether the event fires on the given weekday, under either
// day representation.
func (e *Event) HasDay(d Weekday) bool {
	if !d.Valid() {
		return false
	}
	if e.compactDays {
		return e.dayMask&d.bit() != 0
	}
	return e.day == d
}

// SetDay switches the event to the legacy form with the given weekday.
func (e *Event) SetDay(d Weekday) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidWeekday, d)
	}
	e.compactDays = false
	e.day = d
	e.dayMask = 0
	return nil
}

// SetDays switches the event to the compact form with the given weekdays.
func (e *Event) SetDays(days ...Weekday) error {
	var mask uint8
	for _, d := range days {
		if !d.Valid() {
			return fmt.Errorf("%w: %d", ErrInvalidWeekday, d)
		}
		mask |= d.bit()
	}
	e.compactDays = true
	e.dayMask = mask
	e.day = 0
	return nil
}

// SetAttribute appends an attribute write, encoding the typed v through the
// value codec. An existing entry with the same id is replaced in place.
func (e *Event) SetAttribute(id uint16, desc value.Descriptor, v any) error {
	wire, err := value.Encode(desc, v)
	if err != nil {
		return err
	}
	for i := range e.Attributes {
		if e.Attributes[i].ID == id {
			e.Attributes[i].Value = wire
			return nil
		}
	}
	e.Attributes = append(e.Attributes, Attribute{ID: id, Value: wire})
	return nil
}

// Attribute returns the attribute entry with the given id, if present.
func (e *Event) Attribute(id uint16) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.ID == id {
			return a, true
		}
	}
	return Attribute{}, false
}

// checkTime validates the hour and minute ranges.
func checkTime(hour, minute uint8) error {
	if hour > 23 {
		return fmt.Errorf("%w: hour %d", ErrInvalidTime, hour)
	}
	if minute > 59 {
		return fmt.Errorf("%w: minute %d", ErrInvalidTime, minute)
	}
	return nil
}
