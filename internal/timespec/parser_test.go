package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want time.Time
	}{
		{"duration", "1h30m", now.Add(-90 * time.Minute)},
		{"seconds", "45s", now.Add(-45 * time.Second)},
		{"rfc3339", "2026-04-30T08:00:00Z", time.Date(2026, 4, 30, 8, 0, 0, 0, time.UTC)},
		{"rfc3339 with fraction", "2026-04-30T08:00:00.5Z", time.Date(2026, 4, 30, 8, 0, 0, 500000000, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}

	t.Run("errors", func(t *testing.T) {
		for _, spec := range []string{"", "yesterday", "-5m", "2026-13-01"} {
			_, err := Parse(spec, now)
			assert.Error(t, err, spec)
		}
	})
}

func TestParseRange(t *testing.T) {
	since, until, err := ParseRange("2h", "1h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), since)
	assert.Equal(t, now.Add(-time.Hour), until)

	since, until, err = ParseRange("", "", now)
	require.NoError(t, err)
	assert.True(t, since.IsZero())
	assert.True(t, until.IsZero())

	_, _, err = ParseRange("1h", "2h", now)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "since must be before until")

	_, _, err = ParseRange("bogus", "", now)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid since")
}
