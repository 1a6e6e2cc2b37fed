package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 20, 14, 5, 0, 0, time.UTC)

	c, err := Decode(Encode(at, "exec_9f1b22c044aa33dd55ee77ff"))
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, at, c.At)
	assert.Equal(t, "exec_9f1b22c044aa33dd55ee77ff", c.ID)
}

func TestDecodeEmptyMeansFromStart(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"not-base64!!!",
		"bm9waXBl",     // valid base64, no separator
		"eHx5",         // "x|y": non-numeric timestamp
	} {
		_, err := Decode(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestComputePageUnderLimit(t *testing.T) {
	items := []string{"a", "b"}
	page, next, hasMore := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 2)
	assert.Empty(t, next)
	assert.False(t, hasMore)
}

func TestComputePageOverfetchYieldsCursor(t *testing.T) {
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	items := []string{"a", "b", "c", "d"} // fetched with limit+1
	page, next, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return at, s
	})
	require.Len(t, page, 3)
	assert.True(t, hasMore)

	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID, "cursor resumes after the last item kept")
}

func TestComputePageExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, next, hasMore := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, hasMore)
}
