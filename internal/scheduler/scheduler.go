// Package scheduler runs the background work of the daemon under a suture
// supervisor: acquisition reconcile with the stuck-batch sweep, the scan
// queue, and the HTTP server.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

// Config holds supervisor failure handling.
type Config struct {
	FailureThreshold float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Supervisor is the root of the service tree.
type Supervisor struct {
	root *suture.Supervisor
}

// New creates the root supervisor. Supervisor events are logged.
func New(cfg Config) *Supervisor {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	root := suture.New("discoverweekly", suture.Spec{
		EventHook:        logEvent,
		FailureThreshold: cfg.FailureThreshold,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
	return &Supervisor{root: root}
}

func logEvent(ev suture.Event) {
	switch ev.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
		logging.Error().Fields(ev.Map()).Msg(ev.String())
	case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
		logging.Warn().Fields(ev.Map()).Msg(ev.String())
	default:
		logging.Info().Fields(ev.Map()).Msg(ev.String())
	}
}

// Add starts supervising svc.
func (s *Supervisor) Add(svc suture.Service) suture.ServiceToken {
	return s.root.Add(svc)
}

// Serve blocks until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context) error {
	err := s.root.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// TickerService runs a function on a fixed interval, starting immediately.
// A failing run is logged; the service itself only stops on shutdown.
type TickerService struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// NewTickerService creates a TickerService.
func NewTickerService(name string, interval time.Duration, run func(ctx context.Context) error) *TickerService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TickerService{name: name, interval: interval, run: run}
}

// Serve implements suture.Service.
func (t *TickerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		if err := t.run(ctx); err != nil && ctx.Err() == nil {
			logging.Warn().Err(err).Str("service", t.name).Msg("scheduled run failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *TickerService) String() string { return t.name }

// Sweeper is what SweepService drives.
type Sweeper interface {
	Reconcile(ctx context.Context) (int, error)
	SweepStuckBatches(ctx context.Context) (int, error)
}

// NewSweepService polls acquisitions and then enforces batch timeouts.
func NewSweepService(s Sweeper, interval time.Duration) *TickerService {
	return NewTickerService("batch-sweep", interval, func(ctx context.Context) error {
		completed, rerr := s.Reconcile(ctx)
		swept, serr := s.SweepStuckBatches(ctx)
		if completed > 0 || swept > 0 {
			logging.Info().Int("completed_jobs", completed).Int("swept_batches", swept).Msg("sweep finished")
		}
		return errors.Join(rerr, serr)
	})
}

// ScanQueue is what ScanService drives.
type ScanQueue interface {
	ProcessPending(ctx context.Context) (int, error)
}

// NewScanService drains the scan queue.
func NewScanService(q ScanQueue, interval time.Duration) *TickerService {
	return NewTickerService("scan-queue", interval, func(ctx context.Context) error {
		_, err := q.ProcessPending(ctx)
		return err
	})
}

// HTTPService runs an http.Server until shutdown.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server.
func NewHTTPService(server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", h.server.Addr).Msg("http server listening")
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
