package reputation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-dpa/telegram-sentinel/internal/ioc"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCache_RoundTripWithinRetention(t *testing.T) {
	c, err := NewCache(CacheOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, c.Retention())

	ind := ioc.Indicator{Kind: ioc.KindIPv4, Value: "8.8.8.8"}
	want := Result{Malicious: 2, TotalEngines: 90, Permalink: "p"}
	c.Store(ind, want, t0)

	for _, d := range []time.Duration{0, time.Minute, 23 * time.Hour, DefaultRetention - time.Nanosecond} {
		got, ok := c.Lookup(ind, t0.Add(d))
		assert.True(t, ok, "delta %v", d)
		assert.Equal(t, want, got)
	}
	for _, d := range []time.Duration{DefaultRetention, 25 * time.Hour} {
		_, ok := c.Lookup(ind, t0.Add(d))
		assert.False(t, ok, "delta %v", d)
	}
}

func TestCache_StaleEntryStaysUntilOverwritten(t *testing.T) {
	c, err := NewCache(CacheOptions{Retention: time.Hour})
	require.NoError(t, err)
	ind := ioc.Indicator{Kind: ioc.KindURL, Value: "http://x.example"}

	c.Store(ind, Result{Malicious: 1}, t0)
	_, ok := c.Lookup(ind, t0.Add(2*time.Hour))
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "lookup must not purge")

	c.Store(ind, Result{Malicious: 5}, t0.Add(2*time.Hour))
	got, ok := c.Lookup(ind, t0.Add(2*time.Hour+time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 5, got.Malicious)
	assert.Equal(t, 1, c.Len())
}

func TestCache_KeyedByValueOnly(t *testing.T) {
	c, err := NewCache(CacheOptions{})
	require.NoError(t, err)
	c.Store(ioc.Indicator{Kind: ioc.KindURL, Value: "http://A.example"}, Result{Malicious: 1}, t0)

	_, ok := c.Lookup(ioc.Indicator{Kind: ioc.KindURL, Value: "http://a.example"}, t0)
	assert.False(t, ok, "no case folding")
}

func TestCache_Compact(t *testing.T) {
	for _, max := range []int{0, 10} {
		c, err := NewCache(CacheOptions{Retention: time.Hour, MaxEntries: max})
		require.NoError(t, err)

		c.Store(ioc.Indicator{Value: "old"}, Result{}, t0)
		c.Store(ioc.Indicator{Value: "new"}, Result{}, t0.Add(50*time.Minute))

		removed := c.Compact(t0.Add(time.Hour))
		assert.Equal(t, 1, removed, "max=%d", max)
		assert.Equal(t, 1, c.Len(), "max=%d", max)
		_, ok := c.Lookup(ioc.Indicator{Value: "new"}, t0.Add(time.Hour))
		assert.True(t, ok)
	}
}

func TestCache_BoundedEvictsLeastRecent(t *testing.T) {
	c, err := NewCache(CacheOptions{MaxEntries: 2})
	require.NoError(t, err)

	c.Store(ioc.Indicator{Value: "a"}, Result{Malicious: 1}, t0)
	c.Store(ioc.Indicator{Value: "b"}, Result{Malicious: 2}, t0)
	c.Store(ioc.Indicator{Value: "c"}, Result{Malicious: 3}, t0)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup(ioc.Indicator{Value: "a"}, t0)
	assert.False(t, ok)
	got, ok := c.Lookup(ioc.Indicator{Value: "c"}, t0)
	assert.True(t, ok)
	assert.Equal(t, 3, got.Malicious)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, err := NewCache(CacheOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ind := ioc.Indicator{Value: string(rune('a' + i))}
			for j := 0; j < 200; j++ {
				c.Store(ind, Result{Malicious: j}, t0)
				_, _ = c.Lookup(ind, t0)
				if j%50 == 0 {
					c.Compact(t0)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, c.Len())
}
