package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/discoverweekly/internal/batch"
	"github.com/TobiSchelling/discoverweekly/internal/cache"
	"github.com/TobiSchelling/discoverweekly/internal/config"
	"github.com/TobiSchelling/discoverweekly/internal/database"
)

func newTestPipeline(t *testing.T) (*Pipeline, *database.DB) {
	t.Helper()
	t.Setenv("LASTFM_API_KEY", "")
	t.Setenv("LIDARR_API_KEY", "")

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c, err := cache.OpenInMemory(time.Hour)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Discovery.ImportGraceSeconds = 0
	p := build(cfg, database.NewRetryStore(db, db), c, "default")
	t.Cleanup(func() { p.Close() })
	return p, db
}

func TestRunWithoutSeedsFailsBatch(t *testing.T) {
	p, db := newTestPipeline(t)

	r := p.Run(context.Background(), "alice")
	require.Len(t, r.Steps, 3)
	assert.Equal(t, "No history feeds configured", r.Steps[0].Summary)
	assert.Equal(t, "No music directory configured", r.Steps[1].Summary)
	assert.ErrorIs(t, r.Err(), batch.ErrNoSeeds)

	require.NotNil(t, r.Batch)
	stored, err := db.GetBatch(context.Background(), r.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, database.BatchFailed, stored.Status)
}

func TestDryRunChangesNothing(t *testing.T) {
	p, db := newTestPipeline(t)
	ctx := context.Background()
	_, err := db.UpsertLibraryArtist(ctx, "Seed Band", "")
	require.NoError(t, err)

	r := p.DryRun(ctx, "alice")
	require.Len(t, r.Steps, 3)
	assert.NoError(t, r.Err())
	assert.Equal(t, "[dry-run] 1 artists, 0 albums, 0 tracks indexed", r.Steps[1].Summary)
	assert.Equal(t, "[dry-run] Would request 52 albums from 1 seed artists", r.Steps[2].Summary)

	batches, err := db.ListBatches(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestServerAndSupervisorWire(t *testing.T) {
	p, _ := newTestPipeline(t)
	srv, err := p.Server()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	assert.NotNil(t, srv.Handler())
	assert.NotNil(t, p.Supervisor(srv.Handler()))
	assert.NotNil(t, p.Supervisor(nil))
}
