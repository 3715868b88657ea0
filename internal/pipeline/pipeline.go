// Package pipeline wires the discovery components from configuration and
// runs the weekly generation steps.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/TobiSchelling/discoverweekly/internal/batch"
	"github.com/TobiSchelling/discoverweekly/internal/cache"
	"github.com/TobiSchelling/discoverweekly/internal/cleanup"
	"github.com/TobiSchelling/discoverweekly/internal/config"
	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/history"
	"github.com/TobiSchelling/discoverweekly/internal/lastfm"
	"github.com/TobiSchelling/discoverweekly/internal/library"
	"github.com/TobiSchelling/discoverweekly/internal/lidarr"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/musicbrainz"
	"github.com/TobiSchelling/discoverweekly/internal/playlist"
	"github.com/TobiSchelling/discoverweekly/internal/prefetch"
	"github.com/TobiSchelling/discoverweekly/internal/recommend"
	"github.com/TobiSchelling/discoverweekly/internal/report"
	"github.com/TobiSchelling/discoverweekly/internal/scheduler"
	"github.com/TobiSchelling/discoverweekly/internal/server"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	UserID string
	Batch  *database.Batch
	Steps  []StepResult
}

// Err returns the error of the last step, which decides the run.
func (r *Result) Err() error {
	if len(r.Steps) == 0 {
		return nil
	}
	return r.Steps[len(r.Steps)-1].Err
}

// Pipeline holds the wired components.
type Pipeline struct {
	cfg   *config.Config
	store database.Store
	cache *cache.Cache

	LastFM       *lastfm.Client
	MusicBrainz  *musicbrainz.Client
	Lidarr       *lidarr.Client
	Seeds        *history.SeedSelector
	Importer     *history.Importer
	Cleanup      *cleanup.Coordinator
	Orchestrator *batch.Orchestrator
	Assembler    *playlist.Assembler
	Scanner      *library.Scanner
	Worker       *library.Worker
	Reports      *report.Composer
}

// New wires every component against db. defaultUser owns history feeds
// configured without a user. Close releases the provider cache.
func New(cfg *config.Config, db *database.DB, defaultUser string) (*Pipeline, error) {
	c, err := cache.Open(cfg.GetCacheDir(), cfg.Cache.TTL())
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return build(cfg, database.NewRetryStore(db, db), c, defaultUser), nil
}

func build(cfg *config.Config, store database.Store, c *cache.Cache, defaultUser string) *Pipeline {
	p := &Pipeline{cfg: cfg, store: store, cache: c}

	p.LastFM = lastfm.New(lastfm.Config{
		BaseURL:           cfg.LastFM.BaseURL,
		APIKey:            os.Getenv(cfg.LastFM.APIKeyEnv),
		RequestsPerSecond: cfg.LastFM.RequestsPerSecond,
	})
	p.MusicBrainz = musicbrainz.New(musicbrainz.Config{
		BaseURL:           cfg.MusicBrainz.BaseURL,
		UserAgent:         cfg.MusicBrainz.UserAgent,
		RequestsPerSecond: cfg.MusicBrainz.RequestsPerSecond,
	}, c)
	p.Lidarr = lidarr.New(lidarr.Config{
		URL:               cfg.Lidarr.URL,
		APIKey:            os.Getenv(cfg.Lidarr.APIKeyEnv),
		RootFolder:        cfg.Lidarr.RootFolder,
		QualityProfileID:  cfg.Lidarr.QualityProfileID,
		MetadataProfileID: cfg.Lidarr.MetadataProfileID,
		DiscoverTag:       cfg.Lidarr.DiscoverTag,
	})

	feeds := make([]history.Feed, 0, len(cfg.History.Feeds))
	for _, f := range cfg.History.Feeds {
		feeds = append(feeds, history.Feed{URL: f.URL, User: f.User})
	}
	p.Seeds = history.NewSeedSelector(store, cfg.Discovery.SeedLimit)
	p.Importer = history.NewImporter(store, feeds, defaultUser)
	p.Cleanup = cleanup.New(store, p.Lidarr)

	deps := batch.Deps{
		Seeds: p.Seeds,
		Prefetch: prefetch.New(p.LastFM, c, prefetch.Options{
			BatchSize:   cfg.Prefetch.BatchSize,
			Pause:       time.Duration(cfg.Prefetch.PauseMS) * time.Millisecond,
			MaxAttempts: cfg.Prefetch.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Prefetch.BaseDelayMS) * time.Millisecond,
			Limit:       cfg.Discovery.SimilarLimit,
		}),
		Engine:   recommend.NewEngine(p.LastFM, p.MusicBrainz, store),
		Acquirer: p.Lidarr,
		Cleaner:  p.Cleanup,
	}
	// Without Lidarr there is nothing to poll; webhooks and sweeps still run.
	if p.Lidarr.Configured() {
		deps.Tracker = p.Lidarr
	}
	p.Orchestrator = batch.New(store, deps, batch.Options{
		PlaylistSize:    cfg.Discovery.PlaylistSize,
		DownloadRatio:   cfg.Discovery.DownloadRatio,
		Strategy:        cfg.Discovery.Strategy,
		AbsoluteTimeout: time.Duration(cfg.Timeouts.AbsoluteMinutes) * time.Minute,
		ProgressTimeout: time.Duration(cfg.Timeouts.ProgressMinutes) * time.Minute,
		StallTimeout:    time.Duration(cfg.Timeouts.StallMinutes) * time.Minute,
		ImportGrace:     cfg.Discovery.ImportGrace(),
	})

	p.Assembler = playlist.New(store, p.Seeds, p.Cleanup, playlist.Options{
		ExclusionMonths: cfg.Discovery.ExclusionMonths,
		PlaylistDir:     cfg.Output.PlaylistDir,
	})
	p.Scanner = library.NewScanner(store, cfg.Library.MusicDir)
	p.Worker = library.NewWorker(store, p.Scanner, p.Assembler)
	p.Reports = report.NewComposer(store)
	return p
}

// Store returns the retrying store the components share.
func (p *Pipeline) Store() database.Store {
	return p.store
}

// Close releases the provider cache.
func (p *Pipeline) Close() error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close()
}

// Run executes the weekly steps for a user: history import, library scan,
// then batch generation. Only generation failing fails the run.
func (p *Pipeline) Run(ctx context.Context, userID string) *Result {
	r := &Result{UserID: userID}

	// Step 1: Listening history
	r.Steps = append(r.Steps, p.runImport(ctx))

	// Step 2: Library
	r.Steps = append(r.Steps, p.runScan(ctx))

	// Step 3: Generate
	step, b := p.runGenerate(ctx, userID)
	r.Steps = append(r.Steps, step)
	r.Batch = b
	return r
}

// DryRun shows what Run would start from without changing anything.
func (p *Pipeline) DryRun(ctx context.Context, userID string) *Result {
	r := &Result{UserID: userID}

	r.Steps = append(r.Steps, StepResult{
		Name:    "History",
		Summary: fmt.Sprintf("[dry-run] %d feeds configured", len(p.cfg.History.Feeds)),
	})

	stats, err := p.store.GetStats(ctx)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Library", Err: err})
		return r
	}
	r.Steps = append(r.Steps, StepResult{
		Name: "Library",
		Summary: fmt.Sprintf("[dry-run] %d artists, %d albums, %d tracks indexed",
			stats.LibraryArtists, stats.LibraryAlbums, stats.LibraryTracks),
	})

	seeds, err := p.Seeds.GetSeedArtists(ctx, userID)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Generate", Err: err})
		return r
	}
	active, err := p.store.GetActiveBatchForUser(ctx, userID)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Generate", Err: err})
		return r
	}
	summary := fmt.Sprintf("[dry-run] Would request %d albums from %d seed artists",
		batch.AlbumsToRequest(p.cfg.Discovery.PlaylistSize, p.cfg.Discovery.DownloadRatio), len(seeds))
	if active != nil {
		summary = fmt.Sprintf("[dry-run] Batch %d is still %s", active.ID, active.Status)
	}
	r.Steps = append(r.Steps, StepResult{Name: "Generate", Summary: summary})
	return r
}

func (p *Pipeline) runImport(ctx context.Context) StepResult {
	if len(p.cfg.History.Feeds) == 0 {
		return StepResult{Name: "History", Summary: "No history feeds configured"}
	}
	logging.Info().Msg("Step 1/3: Importing listening history...")
	res, err := p.Importer.Import(ctx)
	if err != nil {
		return StepResult{Name: "History", Err: err}
	}
	return StepResult{
		Name: "History",
		Summary: fmt.Sprintf("Imported %d plays (%d items, %d duplicates, %d unmatched)",
			res.Imported, res.Items, res.Duplicates, res.Unmatched),
	}
}

func (p *Pipeline) runScan(ctx context.Context) StepResult {
	if p.cfg.Library.MusicDir == "" {
		return StepResult{Name: "Library", Summary: "No music directory configured"}
	}
	logging.Info().Msg("Step 2/3: Scanning library...")
	res, err := p.Scanner.Scan(ctx)
	if err != nil {
		return StepResult{Name: "Library", Err: err}
	}
	return StepResult{
		Name:    "Library",
		Summary: fmt.Sprintf("Indexed %d of %d files (%d skipped, %d errors)", res.Indexed, res.Files, res.Skipped, res.Errors),
	}
}

func (p *Pipeline) runGenerate(ctx context.Context, userID string) (StepResult, *database.Batch) {
	logging.Info().Str("user_id", userID).Msg("Step 3/3: Generating discovery batch...")
	b, err := p.Orchestrator.Generate(ctx, userID)
	if err != nil {
		if errors.Is(err, batch.ErrBatchInProgress) && b != nil {
			return StepResult{Name: "Generate", Summary: fmt.Sprintf("Batch %d is still %s", b.ID, b.Status), Err: err}, b
		}
		return StepResult{Name: "Generate", Err: err}, b
	}
	return StepResult{
		Name: "Generate",
		Summary: fmt.Sprintf("Batch %d %s: %d albums requested, %d completed, %d failed",
			b.ID, b.Status, b.TotalAlbums, b.CompletedAlbums, b.FailedAlbums),
	}, b
}

// Server builds the HTTP server over the wired components.
func (p *Pipeline) Server() (*server.Server, error) {
	return server.New(server.Deps{
		Store:        p.store,
		Orchestrator: p.Orchestrator,
		Playlists:    p.Assembler,
		Reports:      p.Reports,
		WebhookToken: os.Getenv(p.cfg.Server.WebhookTokenEnv),
	})
}

// HTTPService wraps handler in a supervised server on the configured address.
func (p *Pipeline) HTTPService(handler http.Handler) *scheduler.HTTPService {
	return scheduler.NewHTTPService(&http.Server{
		Addr:              p.cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}, 0)
}

// Supervisor builds the daemon's service tree. handler may be nil to run
// without the HTTP server.
func (p *Pipeline) Supervisor(handler http.Handler) *scheduler.Supervisor {
	sup := scheduler.New(scheduler.Config{})
	sup.Add(scheduler.NewSweepService(p.Orchestrator,
		time.Duration(p.cfg.Scheduler.SweepIntervalMinutes)*time.Minute))
	sup.Add(scheduler.NewScanService(p.Worker,
		time.Duration(p.cfg.Scheduler.ScanIntervalSeconds)*time.Second))
	if handler != nil {
		sup.Add(p.HTTPService(handler))
	}
	return sup
}
