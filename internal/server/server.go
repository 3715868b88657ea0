// Package server serves the batch dashboard and the callbacks the download
// and library pipelines post to.
package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/lidarr"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
	"github.com/TobiSchelling/discoverweekly/internal/report"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

const indexLimit = 50

// Orchestrator is the part of the batch orchestrator driven by webhooks.
type Orchestrator interface {
	HandleLidarrEvent(ctx context.Context, ev lidarr.WebhookEvent) ([]int64, error)
	CheckBatchCompletion(ctx context.Context, batchID int64) error
}

// PlaylistBuilder assembles a batch's playlist after a library scan.
type PlaylistBuilder interface {
	BuildFinalPlaylist(ctx context.Context, batchID int64) error
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Store        database.Store
	Orchestrator Orchestrator
	Playlists    PlaylistBuilder
	Reports      *report.Composer
	// WebhookToken, when set, must be sent as the basic-auth password on
	// webhook posts.
	WebhookToken string
}

// Server is the HTTP surface of the daemon.
type Server struct {
	deps   Deps
	pages  map[string]*template.Template
	router chi.Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Server.
func New(deps Deps) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown":   renderMarkdown,
		"formatWeek": database.FormatWeekDisplay,
		"formatTime": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
	}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone so {{define "content"}} does not collide.
	pageNames := []string{"index.html", "batch.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{deps: deps, pages: pages, ctx: ctx, cancel: cancel}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels background completion checks and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/batches/{id}", s.handleBatch)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/batches/{id}/scan-complete", s.handleScanComplete)
		r.With(s.requireWebhookToken).Post("/webhooks/lidarr", s.handleLidarrWebhook)
	})
	s.router = r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) requireWebhookToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.WebhookToken != "" {
			_, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(s.deps.WebhookToken)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	batches, err := s.deps.Store.ListBatches(r.Context(), "", indexLimit)
	if err != nil {
		logging.Error().Err(err).Msg("listing batches")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "index.html", map[string]any{"Batches": batches})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	rep, err := s.deps.Reports.Compose(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		logging.Error().Err(err).Int64("batch_id", id).Msg("composing report")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "batch.html", map[string]any{"Report": rep})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.deps.Store.GetStats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleScanComplete is called by an external library scanner once a
// batch's downloads are indexed.
func (s *Server) handleScanComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Playlists.BuildFinalPlaylist(r.Context(), id); err != nil {
		logging.Error().Err(err).Int64("batch_id", id).Msg("playlist build from scan callback failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "batch_id": id})
}

func (s *Server) handleLidarrWebhook(w http.ResponseWriter, r *http.Request) {
	var ev lidarr.WebhookEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid webhook body"})
		return
	}
	logging.Debug().Str("event", ev.EventType).Ints64("albums", ev.AlbumIDs()).Msg("lidarr webhook")

	touched, err := s.deps.Orchestrator.HandleLidarrEvent(r.Context(), ev)
	if err != nil {
		logging.Error().Err(err).Str("event", ev.EventType).Msg("handling lidarr webhook")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	// The completion check sleeps through the import grace period, so it
	// runs after the response.
	for _, id := range touched {
		s.wg.Add(1)
		go func(id int64) {
			defer s.wg.Done()
			if err := s.deps.Orchestrator.CheckBatchCompletion(s.ctx, id); err != nil && s.ctx.Err() == nil {
				logging.Warn().Err(err).Int64("batch_id", id).Msg("completion check failed")
			}
		}(id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batches": touched})
}

func batchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid batch id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		logging.Error().Str("template", name).Msg("template not found")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		logging.Error().Err(err).Str("template", name).Msg("rendering template")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("writing json response")
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}
