package store

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		id   string
	}{
		{
			name: "plain id",
			ts:   time.Date(2026, 3, 14, 9, 26, 53, 589000, time.UTC),
			id:   "0195a9c2-7f3e-7000-8000-000000000001",
		},
		{
			name: "id containing separator",
			ts:   time.UnixMicro(1).UTC(),
			id:   "weird|id|with|pipes",
		},
		{
			name: "zero id",
			ts:   time.UnixMicro(0).UTC(),
			id:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := EncodeCursor(tt.ts, tt.id)
			c, err := DecodeCursor(token)
			require.NoError(t, err)
			assert.Equal(t, tt.ts.UnixMicro(), c.Timestamp.UnixMicro())
			assert.Equal(t, tt.id, c.ID)
		})
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	raw := func(s string) string {
		return base64.URLEncoding.EncodeToString([]byte(s))
	}
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"no separator", raw("1234567890")},
		{"non-numeric timestamp", raw("abc|some-id")},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCursor(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestPageTrimsProbeRow(t *testing.T) {
	type row struct {
		ts time.Time
		id string
	}
	now := time.Now().UTC()
	rows := []row{
		{now, "a"},
		{now.Add(-time.Minute), "b"},
		{now.Add(-2 * time.Minute), "c"},
	}
	boundary := func(r row) (time.Time, string) { return r.ts, r.id }

	// limit+1 probe returned an extra row: trim and emit a cursor.
	p := page(rows, 2, boundary)
	require.Len(t, p.Items, 2)
	assert.True(t, p.HasMore)

	c, err := DecodeCursor(p.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	// Fewer rows than the limit: no cursor.
	p = page(rows, 5, boundary)
	assert.Len(t, p.Items, 3)
	assert.False(t, p.HasMore)
	assert.Empty(t, p.NextCursor)
}
