package ports

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageToken_RoundTrip(t *testing.T) {
	at := time.Date(2026, 7, 1, 8, 30, 0, 123456789, time.FixedZone("CET", 3600))
	token := EncodePageToken(PageCursor{StartedAt: at, ID: "dep|with|pipes"})

	c, err := DecodePageToken(token)
	require.NoError(t, err)
	assert.True(t, c.StartedAt.Equal(at.Truncate(time.Microsecond)))
	assert.Equal(t, "dep|with|pipes", c.ID)
}

func TestDecodePageToken(t *testing.T) {
	c, err := DecodePageToken("")
	require.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"***", "bm9waXBl", "MjAyNi0wMS0wMXw"} {
		_, err := DecodePageToken(bad)
		assert.Error(t, err, bad)
	}
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, NormalizeLimit(0))
	assert.Equal(t, DefaultPageSize, NormalizeLimit(-5))
	assert.Equal(t, 7, NormalizeLimit(7))
	assert.Equal(t, MaxPageSize, NormalizeLimit(1000))
}

func TestPageCursor_Before(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := PageCursor{StartedAt: at, ID: "m"}

	assert.True(t, c.Before(at.Add(-time.Second), "z"))
	assert.False(t, c.Before(at.Add(time.Second), "a"))
	assert.True(t, c.Before(at, "a"))
	assert.False(t, c.Before(at, "m"))
	assert.True(t, c.Before(at.Add(500*time.Nanosecond), "a"), "sub-microsecond differences are ignored")
}
