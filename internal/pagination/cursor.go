// Package pagination implements opaque keyset cursors for history listings.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in a time-ordered listing: the timestamp and
// id of the last item the client has seen.
type Cursor struct {
	At time.Time
	ID string
}

// Encode packs a position into an opaque cursor token.
func Encode(at time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor token. An empty token decodes to nil, meaning
// "from the start".
func Decode(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims an over-fetched result (limit+1 items) to one page.
// extractKey yields the (timestamp, id) position of an item; the returned
// token resumes after the last item kept. An empty token means the listing
// is exhausted.
func ComputePage[T any](items []T, limit int, extractKey func(T) (time.Time, string)) (page []T, next string, hasMore bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page = items[:limit]
	at, id := extractKey(page[len(page)-1])
	return page, Encode(at, id), true
}
