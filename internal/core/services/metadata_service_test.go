package services_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/services"
	"dsplink/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetadataCache(t *testing.T, clk *testClock) (*services.MetadataCache, *metadataCounter) {
	t.Helper()
	counter := &metadataCounter{}
	opts := []services.MetadataOption{services.WithMetadataMetrics(counter)}
	if clk != nil {
		opts = append(opts, services.WithMetadataClock(clk.Now))
	}
	return services.NewMetadataCache(newPool(t), services.DefaultMetadataConfig(), nil, opts...), counter
}

func TestFetchZoneMetadata_NamesAndMutes(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	dev.SetParam("ZoneName_0", "Bar")
	dev.SetParam("ZoneName_2", "   ")
	dev.SetParam("ZoneMute_1", 1)
	dev.SetParam("ZoneMute_0", 0)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	c, _ := newMetadataCache(t, nil)

	md := c.FetchZoneMetadata(context.Background(), ep)
	require.Len(t, md.Names, 8)
	require.Len(t, md.Muted, 8)
	assert.Equal(t, domain.ChannelOutput, md.Kind)
	assert.Equal(t, "Bar", md.Names[0])
	assert.Equal(t, "Zone 2", md.Names[1])
	assert.Equal(t, "Zone 3", md.Names[2], "blank names fall back to the default")
	assert.False(t, md.Muted[0])
	assert.True(t, md.Muted[1])
}

func TestFetch_SameObjectWithinTTLFreshAfter(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	dev.SetParam("SourceName_0", "Mic")
	ep := dev.Endpoint("dsp-1", defaultCounts)
	clk := newTestClock()
	c, counter := newMetadataCache(t, clk)

	first := c.FetchSourceMetadata(context.Background(), ep, 14)
	clk.Advance(59 * time.Second)
	second := c.FetchSourceMetadata(context.Background(), ep, 14)
	assert.Same(t, first, second)
	assert.Equal(t, 1, counter.Fetches(domain.ChannelInput))

	clk.Advance(time.Second)
	third := c.FetchSourceMetadata(context.Background(), ep, 14)
	assert.NotSame(t, first, third)
	assert.Equal(t, "Mic", third.Names[0])
	assert.Equal(t, 2, counter.Fetches(domain.ChannelInput))
}

func TestFetch_RefusedReturnsDefaults(t *testing.T) {
	ep := testutil.RefusedEndpoint(t, "dsp-1", defaultCounts)
	c, _ := newMetadataCache(t, nil)

	md := c.FetchSourceMetadata(context.Background(), ep, 14)
	require.NotNil(t, md)
	require.Len(t, md.Names, 14)
	for i, name := range md.Names {
		assert.Equal(t, fmt.Sprintf("Input %d", i+1), name)
		assert.False(t, md.Muted[i])
	}
}

func TestFetch_PartialFailureUsesDefaultsPerChannel(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	dev.SetParam("GroupName_0", "Lobby")
	dev.SetParam("GroupName_1", "Patio")
	dev.Reject("GroupName_1")
	ep := dev.Endpoint("dsp-1", defaultCounts)
	c, _ := newMetadataCache(t, nil)

	md := c.FetchGroupMetadata(context.Background(), ep, 3)
	assert.Equal(t, []string{"Lobby", "Group 2", "Group 3"}, md.Names)
}

func TestFetch_ConcurrentCallersShareOneFetch(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	dev.SetDelay(5 * time.Millisecond)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	c, counter := newMetadataCache(t, nil)

	results := make([]*domain.ChannelMetadata, 10)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.FetchZoneMetadata(context.Background(), ep)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, counter.Fetches(domain.ChannelOutput))
	for _, md := range results {
		assert.Same(t, results[0], md)
	}
}

func TestCached_NeverBlocksAndRefreshesInBackground(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	dev.SetParam("ZoneName_0", "Bar")
	dev.SetDelay(20 * time.Millisecond)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	c, _ := newMetadataCache(t, nil)

	start := time.Now()
	md := c.Cached(context.Background(), ep, domain.ChannelOutput)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, "Zone 1", md.Name(0))

	assert.Eventually(t, func() bool {
		return c.Cached(context.Background(), ep, domain.ChannelOutput).Name(0) == "Bar"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecordMuteAndInvalidate(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	c, counter := newMetadataCache(t, nil)

	before := c.FetchZoneMetadata(context.Background(), ep)
	c.RecordMute(ep, domain.ChannelOutput, 4, true)
	after := c.FetchZoneMetadata(context.Background(), ep)
	assert.False(t, before.IsMuted(4), "published metadata is never modified")
	assert.True(t, after.IsMuted(4))
	assert.Equal(t, 1, counter.Fetches(domain.ChannelOutput))

	c.Invalidate(ep.Key())
	c.FetchZoneMetadata(context.Background(), ep)
	assert.Equal(t, 2, counter.Fetches(domain.ChannelOutput))
}
