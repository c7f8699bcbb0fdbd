package zipar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDosTimeValidates(t *testing.T) {
	_, err := NewDosTime(2024, 2, 29, 12, 30, 58)
	require.NoError(t, err)

	for name, args := range map[string][6]int{
		"year too small":  {1979, 1, 1, 0, 0, 0},
		"year too large":  {2108, 1, 1, 0, 0, 0},
		"month zero":      {2000, 0, 1, 0, 0, 0},
		"month too large": {2000, 13, 1, 0, 0, 0},
		"day zero":        {2000, 1, 0, 0, 0, 0},
		"hour too large":  {2000, 1, 1, 24, 0, 0},
		"minute too big":  {2000, 1, 1, 0, 60, 0},
		"second too big":  {2000, 1, 1, 0, 0, 61},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewDosTime(uint16(args[0]), uint8(args[1]), uint8(args[2]), uint8(args[3]), uint8(args[4]), uint8(args[5]))

			var rangeErr DateTimeRangeError
			assert.ErrorAs(t, err, &rangeErr)
		})
	}
}

func TestDosTimePackedRoundTrip(t *testing.T) {
	// any 32-bit input must survive a parse/pack cycle bit-exactly, even
	// when the components are not a plausible calendar date.
	for _, parts := range [][2]uint16{
		{0x0000, 0x0000},
		{0xffff, 0xffff},
		{0x5862, 0x6b2f}, // 2024-03-02 13:25:30
		{0x0021, 0x0000}, // epoch: 1980-01-01
		{0x1234, 0xabcd},
		{0x8000, 0x0800},
	} {
		dt := DosTimeFromParts(parts[0], parts[1])
		assert.Equal(t, parts[0], dt.Datepart(), "datepart of %#x", parts)
		assert.Equal(t, parts[1], dt.Timepart(), "timepart of %#x", parts)
	}
}

func TestDosTimeFromPartsKeepsRawValues(t *testing.T) {
	// month 15 and hour 31 are representable in the bitfield but not in a
	// calendar; the raw values must be preserved.
	dt := DosTimeFromParts(0xffff, 0xffff)
	assert.EqualValues(t, 15, dt.Month())
	assert.EqualValues(t, 31, dt.Day())
	assert.EqualValues(t, 31, dt.Hour())
	assert.EqualValues(t, 63, dt.Minute())
	assert.EqualValues(t, 62, dt.Second())
}

func TestDosTimeFromTime(t *testing.T) {
	dt := DosTimeFromTime(time.Date(2024, 3, 2, 13, 25, 31, 0, time.UTC))
	assert.EqualValues(t, 2024, dt.Year())
	assert.EqualValues(t, 3, dt.Month())
	assert.EqualValues(t, 2, dt.Day())
	assert.EqualValues(t, 13, dt.Hour())
	assert.EqualValues(t, 25, dt.Minute())
	assert.EqualValues(t, 31, dt.Second())

	// 2-second resolution drops the odd second in the packed form.
	back := DosTimeFromParts(dt.Datepart(), dt.Timepart())
	assert.EqualValues(t, 30, back.Second())

	clamped := DosTimeFromTime(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.EqualValues(t, 1980, clamped.Year())
}
