package zipar

import "time"

// DosTime is an MS-DOS packed date and time, the timestamp format ZIP
// headers carry. Resolution is 2 seconds.
//
// A DosTime built with NewDosTime always holds calendar-plausible
// components. One built with DosTimeFromParts stores the raw bitfield
// values, which may fall outside those ranges; the packed representation
// round-trips bit-exactly either way.
type DosTime struct {
	year   uint16
	month  uint8
	day    uint8
	hour   uint8
	minute uint8
	second uint8
}

// NewDosTime validates each component and returns a DosTime.
//
// Accepted ranges: year [1980, 2107], month [1, 12], day [1, 31],
// hour [0, 23], minute [0, 59], second [0, 60].
func NewDosTime(year uint16, month, day, hour, minute, second uint8) (DosTime, error) {
	for _, c := range []struct {
		name     string
		value    int
		min, max int
	}{
		{"year", int(year), 1980, 2107},
		{"month", int(month), 1, 12},
		{"day", int(day), 1, 31},
		{"hour", int(hour), 0, 23},
		{"minute", int(minute), 0, 59},
		{"second", int(second), 0, 60},
	} {
		if c.value < c.min || c.value > c.max {
			return DosTime{}, DateTimeRangeError{Component: c.name, Value: c.value, Min: c.min, Max: c.max}
		}
	}

	return DosTime{year: year, month: month, day: day, hour: hour, minute: minute, second: second}, nil
}

// DosTimeFromParts decodes a packed MS-DOS date and time without
// validation. Garbage in, garbage out: the components are kept raw so the
// packed form survives a round trip.
func DosTimeFromParts(datepart, timepart uint16) DosTime {
	return DosTime{
		// date bits 0-4: day of month; 5-8: month; 9-15: years since 1980
		year:  datepart>>9 + 1980,
		month: uint8(datepart >> 5 & 0xf),
		day:   uint8(datepart & 0x1f),

		// time bits 0-4: second/2; 5-10: minute; 11-15: hour
		hour:   uint8(timepart >> 11),
		minute: uint8(timepart >> 5 & 0x3f),
		second: uint8(timepart&0x1f) * 2,
	}
}

// Datepart packs the date half.
func (t DosTime) Datepart() uint16 {
	return (t.year-1980)<<9 | uint16(t.month)<<5 | uint16(t.day)
}

// Timepart packs the time half.
func (t DosTime) Timepart() uint16 {
	return uint16(t.hour)<<11 | uint16(t.minute)<<5 | uint16(t.second)>>1
}

func (t DosTime) Year() uint16  { return t.year }
func (t DosTime) Month() uint8  { return t.month }
func (t DosTime) Day() uint8    { return t.day }
func (t DosTime) Hour() uint8   { return t.hour }
func (t DosTime) Minute() uint8 { return t.minute }
func (t DosTime) Second() uint8 { return t.second }

// Time converts to a time.Time in UTC. Out-of-range raw components are
// normalised by time.Date.
func (t DosTime) Time() time.Time {
	return time.Date(
		int(t.year), time.Month(t.month), int(t.day),
		int(t.hour), int(t.minute), int(t.second), 0,
		time.UTC,
	)
}

// DosTimeFromTime converts a time.Time, clamping to the representable
// range [1980-01-01, 2107-12-31].
func DosTimeFromTime(v time.Time) DosTime {
	v = v.UTC()
	year := v.Year()
	switch {
	case year < 1980:
		return DosTime{year: 1980, month: 1, day: 1}
	case year > 2107:
		return DosTime{year: 2107, month: 12, day: 31, hour: 23, minute: 59, second: 58}
	}

	return DosTime{
		year:   uint16(year),
		month:  uint8(v.Month()),
		day:    uint8(v.Day()),
		hour:   uint8(v.Hour()),
		minute: uint8(v.Minute()),
		second: uint8(v.Second()),
	}
}
