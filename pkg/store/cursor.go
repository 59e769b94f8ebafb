package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is an opaque pagination token encoding the (timestamp, id) of a
// boundary row. The wire form is base64url("<unix-micros>|<id>"); the id
// may itself contain '|', so only the first separator splits.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// EncodeCursor builds the opaque token for a boundary row.
func EncodeCursor(ts time.Time, id string) string {
	raw := strconv.FormatInt(ts.UnixMicro(), 10) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque token. Everything after the first '|'
// is the id.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: bad timestamp: %v", ErrInvalidCursor, err)
	}
	return Cursor{Timestamp: time.UnixMicro(micros).UTC(), ID: parts[1]}, nil
}

// Page is the result envelope for cursor-paginated listings.
type Page[T any] struct {
	Items      []T    `json:"items"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// page trims a limit+1 probe result to the page size and computes the
// next cursor from the last retained item.
func page[T any](items []T, limit int, boundary func(T) (time.Time, string)) Page[T] {
	p := Page[T]{Items: items}
	if len(items) > limit {
		p.Items = items[:limit]
		p.HasMore = true
		last := p.Items[len(p.Items)-1]
		ts, id := boundary(last)
		p.NextCursor = EncodeCursor(ts, id)
	}
	return p
}
