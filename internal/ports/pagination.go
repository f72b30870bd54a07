package ports

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PageCursor is a keyset position: listings are ordered by StartedAt then ID,
// both descending.
type PageCursor struct {
	StartedAt time.Time
	ID        string
}

func EncodePageToken(c PageCursor) string {
	raw := c.StartedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodePageToken(token string) (*PageCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.Wrap(err, "decode page token")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, errors.New("malformed page token")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, errors.Wrap(err, "parse page token time")
	}
	return &PageCursor{StartedAt: ts, ID: parts[1]}, nil
}

func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Before reports whether a row sorts after the cursor in a descending listing.
// Timestamps compare at microsecond precision, the precision Postgres keeps.
func (c PageCursor) Before(startedAt time.Time, id string) bool {
	startedAt = startedAt.Truncate(time.Microsecond)
	if startedAt.Equal(c.StartedAt) {
		return id < c.ID
	}
	return startedAt.Before(c.StartedAt)
}
