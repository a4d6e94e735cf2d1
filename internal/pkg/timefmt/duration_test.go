package timefmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "0m", FormatMinutes(0))
	assert.Equal(t, "45m", FormatMinutes(45))
	assert.Equal(t, "1h 30m", FormatMinutes(90))
	assert.Equal(t, "2h", FormatMinutes(120))
	assert.Equal(t, "1d 2h 3m", FormatMinutes(24*60+123))
	assert.Equal(t, "0m", FormatMinutes(-5))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1h 30m", FormatDuration(90*time.Minute))
	// Sub-minute remainders truncate.
	assert.Equal(t, "1h 30m", FormatDuration(90*time.Minute+45*time.Second))
}

func TestParseMinutes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1h 30m", 90, true},
		{"2d 4h", 2*24*60 + 4*60, true},
		{"45m", 45, true},
		{"0m", 0, true},
		{"1d", 24 * 60, true},
		{"-", 0, false},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseMinutes(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, minutes := range []int64{0, 1, 59, 60, 90, 1440, 1503} {
		got, ok := ParseMinutes(FormatMinutes(minutes))
		assert.True(t, ok)
		assert.Equal(t, minutes, got)
	}
}
