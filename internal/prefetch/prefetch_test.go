package prefetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/discoverweekly/internal/cache"
	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/lastfm"
)

type scriptedProvider struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string][]error
	artists map[string][]catalog.SimilarArtist
}

func (s *scriptedProvider) GetSimilarArtists(_ context.Context, mbid, name string, _ int) ([]catalog.SimilarArtist, error) {
	key := mbid
	if key == "" {
		key = name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	n := s.calls[key]
	s.calls[key]++
	if errs := s.results[key]; n < len(errs) && errs[n] != nil {
		return nil, errs[n]
	}
	return s.artists[key], nil
}

func newTestPrefetcher(p SimilarProvider, c *cache.Cache) (*Prefetcher, *[]time.Duration) {
	pf := New(p, c, Options{Pause: 10 * time.Millisecond})
	var slept []time.Duration
	var mu sync.Mutex
	pf.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}
	return pf, &slept
}

func TestPrefetchKeysByMBIDThenName(t *testing.T) {
	prov := &scriptedProvider{artists: map[string][]catalog.SimilarArtist{
		"m-1":    {{Name: "Low", Match: 0.9}},
		"Duster": {{Name: "Codeine", Match: 0.7}},
	}}
	pf, _ := newTestPrefetcher(prov, nil)

	out := pf.Prefetch(context.Background(), []catalog.SeedArtist{
		{Name: "Red House Painters", MBID: "m-1"},
		{Name: "Duster"},
		{Name: "Duster"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "Low", out["m-1"][0].Name)
	assert.Equal(t, "Codeine", out["Duster"][0].Name)
	assert.Equal(t, 1, prov.calls["Duster"], "duplicate seeds are fetched once")
}

func TestPrefetchRetriesTransientWithBackoff(t *testing.T) {
	transient := &lastfm.StatusError{StatusCode: 503}
	prov := &scriptedProvider{
		results: map[string][]error{"A": {transient, transient}},
		artists: map[string][]catalog.SimilarArtist{"A": {{Name: "B", Match: 0.5}}},
	}
	pf, slept := newTestPrefetcher(prov, nil)

	out := pf.Prefetch(context.Background(), []catalog.SeedArtist{{Name: "A"}})
	assert.Len(t, out["A"], 1)
	assert.Equal(t, 3, prov.calls["A"])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestPrefetchGivesUpAfterMaxAttempts(t *testing.T) {
	transient := &lastfm.StatusError{StatusCode: 429}
	prov := &scriptedProvider{results: map[string][]error{"A": {transient, transient, transient, transient}}}
	pf, _ := newTestPrefetcher(prov, nil)

	out := pf.Prefetch(context.Background(), []catalog.SeedArtist{{Name: "A"}})
	assert.NotNil(t, out["A"])
	assert.Empty(t, out["A"])
	assert.Equal(t, 3, prov.calls["A"])
}

func TestPrefetchPermanentErrorNotRetried(t *testing.T) {
	prov := &scriptedProvider{
		results: map[string][]error{"A": {errors.New("artist not found")}},
		artists: map[string][]catalog.SimilarArtist{"B": {{Name: "C"}}},
	}
	pf, _ := newTestPrefetcher(prov, nil)

	out := pf.Prefetch(context.Background(), []catalog.SeedArtist{{Name: "A"}, {Name: "B"}})
	assert.Empty(t, out["A"])
	assert.Len(t, out["B"], 1, "one failing seed does not affect others")
	assert.Equal(t, 1, prov.calls["A"])
}

func TestPrefetchPausesBetweenBatches(t *testing.T) {
	prov := &scriptedProvider{}
	pf, slept := newTestPrefetcher(prov, nil)

	seeds := []catalog.SeedArtist{{Name: "1"}, {Name: "2"}, {Name: "3"}, {Name: "4"}, {Name: "5"}, {Name: "6"}, {Name: "7"}}
	out := pf.Prefetch(context.Background(), seeds)
	assert.Len(t, out, 7)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, *slept, "three batches, two pauses")
}

func TestPrefetchUsesCache(t *testing.T) {
	c, err := cache.OpenInMemory(time.Hour)
	require.NoError(t, err)
	defer c.Close()

	prov := &scriptedProvider{artists: map[string][]catalog.SimilarArtist{"A": {{Name: "B", Match: 0.8}}}}
	pf, _ := newTestPrefetcher(prov, c)

	pf.Prefetch(context.Background(), []catalog.SeedArtist{{Name: "A"}})
	out := pf.Prefetch(context.Background(), []catalog.SeedArtist{{Name: "A"}})
	assert.Equal(t, 1, prov.calls["A"])
	require.Len(t, out["A"], 1)
	assert.InDelta(t, 0.8, out["A"][0].Match, 1e-9)
}
