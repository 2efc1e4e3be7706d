package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCache() (*TTL[string], *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewTTL[string](time.Minute, WithClock(clk.Now)), clk
}

func TestTTL_GetWithinAndAfterTTL(t *testing.T) {
	c, clk := newTestCache()
	c.Set("a", "one")

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	clk.t = clk.t.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	v, fresh, ok := c.Peek("a")
	assert.True(t, ok)
	assert.False(t, fresh)
	assert.Equal(t, "one", v)
}

func TestTTL_UpdateKeepsAge(t *testing.T) {
	c, clk := newTestCache()
	c.Set("a", "one")
	clk.t = clk.t.Add(50 * time.Second)

	assert.True(t, c.Update("a", func(string) string { return "two" }))
	assert.False(t, c.Update("missing", func(s string) string { return s }))

	clk.t = clk.t.Add(10 * time.Second)
	v, fresh, _ := c.Peek("a")
	assert.Equal(t, "two", v)
	assert.False(t, fresh)
}

func TestTTL_DeletePrefix(t *testing.T) {
	c, _ := newTestCache()
	c.Set("dev1:output", "x")
	c.Set("dev1:input", "y")
	c.Set("dev2:output", "z")

	c.DeletePrefix("dev1:")
	_, _, ok := c.Peek("dev1:output")
	assert.False(t, ok)
	_, _, ok = c.Peek("dev1:input")
	assert.False(t, ok)
	_, ok = c.Get("dev2:output")
	assert.True(t, ok)
}
