package cache

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func TestCache_SetGet(t *testing.T) {
	c := New(Options{TTL: time.Hour, MaxSize: 1024})

	c.Set("k", []byte("v"))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
}

func TestCache_TTL(t *testing.T) {
	clk := newClock()
	c := New(Options{TTL: time.Minute, MaxSize: 1024, Now: clk.Now})

	c.Set("k", []byte("v"))
	_, ok := c.Get("k")
	require.True(t, ok)

	clk.Advance(time.Minute + time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must read as absent")
	assert.False(t, c.Has("k"))
	assert.Equal(t, 0, c.Len(), "expired entry is removed on access")
	assert.Equal(t, int64(0), c.Size())
}

func TestCache_SetRefreshesAge(t *testing.T) {
	clk := newClock()
	c := New(Options{TTL: time.Minute, MaxSize: 1024, Now: clk.Now})

	c.Set("k", []byte("v1"))
	clk.Advance(50 * time.Second)
	c.Set("k", []byte("v2"))
	clk.Advance(50 * time.Second)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, int64(len("k")+len("v2")), c.Size())
}

func TestCache_GetDoesNotRefreshAge(t *testing.T) {
	clk := newClock()
	c := New(Options{TTL: time.Minute, MaxSize: 1024, Now: clk.Now})

	c.Set("k", []byte("v"))
	clk.Advance(40 * time.Second)
	c.Get("k")
	clk.Advance(40 * time.Second)
	assert.False(t, c.Has("k"))
}

func TestCache_LRUEviction(t *testing.T) {
	// Ten entries of exactly 10 bytes fill a 100 byte cache.
	c := New(Options{TTL: time.Hour, MaxSize: 100})
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("12345678"))
	}
	require.Equal(t, int64(100), c.Size())
	require.Equal(t, 10, c.Len())

	// k0 is the oldest insert but touched most recently.
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Set("k10", []byte("12345678"))

	assert.True(t, c.Has("k0"), "recently touched entry survives")
	assert.True(t, c.Has("k10"), "new entry survives")
	assert.False(t, c.Has("k1"), "least recently touched entry is evicted")
	assert.LessOrEqual(t, c.Size(), int64(100))

	// Batch eviction goes down to the low-water mark, not just one entry.
	assert.LessOrEqual(t, c.Size(), int64(90))
	assert.GreaterOrEqual(t, c.Stats().Evictions, int64(2))
}

func TestCache_EvictsExpiredFirst(t *testing.T) {
	clk := newClock()
	c := New(Options{TTL: time.Minute, MaxSize: 100, Now: clk.Now})

	c.Set("old", []byte("12345678"))
	clk.Advance(2 * time.Minute)
	for i := 0; i < 9; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("12345678"))
	}
	// The overflow on k8 is absorbed by purging "old" alone.
	c.Set("k9", []byte("12345678"))
	assert.Equal(t, 10, c.Len())
	for i := 0; i < 10; i++ {
		assert.True(t, c.Has(fmt.Sprintf("k%d", i)))
	}
	assert.Equal(t, int64(0), c.Stats().Evictions)
}

func TestCache_OversizedEntrySkipped(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c := New(Options{TTL: time.Hour, MaxSize: 16, Logger: logger})

	c.Set("k", []byte("small"))
	c.Set("k", []byte(strings.Repeat("x", 64)))

	assert.False(t, c.Has("k"))
	assert.Equal(t, int64(0), c.Size())
	assert.Contains(t, logs.String(), "larger than cache")
}

func TestCache_DeleteClear(t *testing.T) {
	c := New(Options{TTL: time.Hour, MaxSize: 1024})
	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	c.Delete("a")
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}

func TestCache_JSON(t *testing.T) {
	var logs bytes.Buffer
	c := New(Options{TTL: time.Hour, MaxSize: 1024, Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	type resolved struct {
		URL  string `json:"url"`
		Size int64  `json:"size"`
	}
	c.SetJSON("r", resolved{URL: "http://cdn/x", Size: 42})

	var got resolved
	require.True(t, c.GetJSON("r", &got))
	assert.Equal(t, "http://cdn/x", got.URL)

	// Unencodable values are logged and treated as a miss.
	c.SetJSON("bad", map[string]any{"ch": make(chan int)})
	assert.False(t, c.Has("bad"))
	assert.Contains(t, logs.String(), "cache encode failed")

	// Corrupt bytes are dropped on read.
	c.Set("corrupt", []byte("{not json"))
	assert.False(t, c.GetJSON("corrupt", &got))
	assert.False(t, c.Has("corrupt"))
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"HTTP://Example.COM:80/a?b=2&a=1#frag", "http://example.com/a?a=1&b=2"},
		{"https://example.com:443", "https://example.com/"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
		{"  not a url ", "not a url"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeURL(tt.in), tt.in)
	}
}

func TestFingerprint(t *testing.T) {
	base := Request{Method: "GET", URL: "http://example.com/f?a=1&b=2"}

	same := Request{Method: "get", URL: "http://EXAMPLE.com/f?b=2&a=1#x"}
	assert.Equal(t, Fingerprint(base), Fingerprint(same))

	h1 := http.Header{}
	h1.Set("Referer", "http://example.com/")
	h1.Set("Accept", "*/*")
	h2 := http.Header{}
	h2.Set("Accept", "*/*")
	h2.Set("Referer", "http://example.com/")
	withHeaders := base
	withHeaders.Header = h1
	other := base
	other.Header = h2
	assert.Equal(t, Fingerprint(withHeaders), Fingerprint(other), "header order is irrelevant")
	assert.NotEqual(t, Fingerprint(base), Fingerprint(withHeaders))

	post := base
	post.Method = "POST"
	assert.NotEqual(t, Fingerprint(base), Fingerprint(post))

	withBody := base
	withBody.Body = []byte("x")
	assert.NotEqual(t, Fingerprint(base), Fingerprint(withBody))
}

func TestDeduplicator(t *testing.T) {
	clk := newClock()
	d := NewDeduplicator(time.Hour)
	d.now = clk.Now

	req := Request{Method: "GET", URL: "http://example.com/file.jpg"}
	assert.False(t, d.IsDuplicate(req), "first caller wins")
	assert.True(t, d.IsDuplicate(req))
	assert.True(t, d.IsDuplicate(Request{URL: "http://example.com:80/file.jpg"}))

	clk.Advance(time.Hour)
	assert.False(t, d.IsDuplicate(req), "fingerprint expires after ttl")
	assert.True(t, d.IsDuplicate(req))

	d.Forget(req)
	assert.False(t, d.IsDuplicate(req))
	assert.Equal(t, 1, d.Len())
}
