package pagination

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "mod_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "mod_abc123", cursor.ID)
}

func TestDecode(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)

	for _, bad := range []string{"not-base64!!!", "bm9waXBl", "YWJjfA"} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestCursor_Before(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: ts, ID: "m5"}

	assert.True(t, c.Before(ts.Add(-time.Second), "m9"))
	assert.False(t, c.Before(ts.Add(time.Second), "m1"))
	assert.True(t, c.Before(ts, "m4"))
	assert.False(t, c.Before(ts, "m5"))

	var none *Cursor
	assert.True(t, none.Before(ts, "x"))
}

func TestComputePage(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []int{1, 2, 3}
	key := func(i int) (time.Time, string) { return ts, "id" }

	page, next, more := ComputePage(items, 2, key)
	assert.Equal(t, []int{1, 2}, page)
	assert.True(t, more)
	assert.NotEmpty(t, next)

	page, next, more = ComputePage(items, 3, key)
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}

func TestFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		query string
		want  Page
	}{
		{"", Page{Page: 1, Limit: DefaultLimit}},
		{"?page=3&limit=10", Page{Page: 3, Limit: 10}},
		{"?page=-1&limit=abc", Page{Page: 1, Limit: DefaultLimit}},
		{"?limit=1000", Page{Page: 1, Limit: MaxLimit}},
		{"?page=92233720368547760&limit=100", Page{Page: MaxPage, Limit: MaxLimit}},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/audit-logs"+tt.query, nil)
		assert.Equal(t, tt.want, FromQuery(c), tt.query)
	}
}

func TestPage_Meta(t *testing.T) {
	p := Page{Page: 2, Limit: 20}
	assert.Equal(t, 20, p.Offset())
	assert.Equal(t, Meta{Total: 41, Page: 2, Limit: 20, TotalPages: 3}, p.Meta(41))
	assert.Equal(t, 0, p.Meta(0).TotalPages)

	last := Page{Page: MaxPage, Limit: MaxLimit}
	assert.Positive(t, last.Offset())
}
