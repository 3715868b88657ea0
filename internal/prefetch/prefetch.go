// Package prefetch loads similar-artist lists for a set of seed artists
// ahead of a recommendation run.
package prefetch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/discoverweekly/internal/cache"
	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/lastfm"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/metrics"
)

// SimilarProvider returns artists similar to a seed.
type SimilarProvider interface {
	GetSimilarArtists(ctx context.Context, mbid, name string, limit int) ([]catalog.SimilarArtist, error)
}

// Options tunes batching and retry.
type Options struct {
	BatchSize   int
	Pause       time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	Limit       int
	// Retryable decides whether a failed fetch is tried again.
	// Defaults to lastfm.IsRetryable.
	Retryable func(error) bool
}

// Prefetcher fetches similar artists for seeds in small concurrent batches.
type Prefetcher struct {
	provider SimilarProvider
	cache    *cache.Cache
	opts     Options
	sleep    func(context.Context, time.Duration) error
}

// New creates a Prefetcher. c may be nil.
func New(provider SimilarProvider, c *cache.Cache, opts Options) *Prefetcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.Limit <= 0 {
		opts.Limit = 30
	}
	if opts.Retryable == nil {
		opts.Retryable = lastfm.IsRetryable
	}
	return &Prefetcher{provider: provider, cache: c, opts: opts, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Prefetch returns the similar artists of every seed, keyed by
// SeedArtist.Key. A seed whose fetch fails maps to an empty list; one
// failing seed never stops the others. Cancelling ctx stops after the
// current batch.
func (p *Prefetcher) Prefetch(ctx context.Context, seeds []catalog.SeedArtist) map[string][]catalog.SimilarArtist {
	out := make(map[string][]catalog.SimilarArtist, len(seeds))
	var pending []catalog.SeedArtist
	for _, s := range seeds {
		if _, dup := out[s.Key()]; dup || s.Key() == "" {
			continue
		}
		out[s.Key()] = nil
		pending = append(pending, s)
	}

	var mu sync.Mutex
	for start := 0; start < len(pending); start += p.opts.BatchSize {
		if start > 0 {
			if err := p.sleep(ctx, p.opts.Pause); err != nil {
				break
			}
		}
		end := min(start+p.opts.BatchSize, len(pending))

		var g errgroup.Group
		for _, seed := range pending[start:end] {
			g.Go(func() error {
				artists := p.fetch(ctx, seed)
				mu.Lock()
				out[seed.Key()] = artists
				mu.Unlock()
				return nil
			})
		}
		g.Wait()
	}

	for k, v := range out {
		if v == nil {
			out[k] = []catalog.SimilarArtist{}
		}
	}
	return out
}

func (p *Prefetcher) cacheKey(seed catalog.SeedArtist) string {
	return "lastfm:similar:" + seed.Key() + ":" + strconv.Itoa(p.opts.Limit)
}

func (p *Prefetcher) fetch(ctx context.Context, seed catalog.SeedArtist) []catalog.SimilarArtist {
	log := logging.With().Str("artist", seed.Name).Logger()

	key := p.cacheKey(seed)
	var cached []catalog.SimilarArtist
	hit, err := p.cache.Get(key, &cached)
	if err != nil {
		log.Warn().Err(err).Msg("similar-artist cache read failed")
	}
	metrics.CacheResult("similar", hit)
	if hit {
		return cached
	}

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		artists, err := p.provider.GetSimilarArtists(ctx, seed.MBID, seed.Name, p.opts.Limit)
		if err == nil {
			if err := p.cache.Set(key, artists); err != nil {
				log.Warn().Err(err).Msg("similar-artist cache write failed")
			}
			return artists
		}
		if !p.opts.Retryable(err) || attempt == p.opts.MaxAttempts {
			log.Warn().Err(err).Int("attempt", attempt).Msg("similar artists unavailable")
			return []catalog.SimilarArtist{}
		}
		delay := p.opts.BaseDelay * time.Duration(1<<attempt)
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying similar artists")
		if err := p.sleep(ctx, delay); err != nil {
			return []catalog.SimilarArtist{}
		}
	}
	return []catalog.SimilarArtist{}
}
