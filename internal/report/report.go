// Package report renders a discovery batch as a markdown document.
package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/discoverweekly/internal/catalog"
	"github.com/TobiSchelling/discoverweekly/internal/database"
)

const anchorsLabel = "From Your Library"

var tierOrder = []catalog.Tier{catalog.TierHigh, catalog.TierMedium, catalog.TierExplore, catalog.TierWildcard}

var tierLabels = map[catalog.Tier]string{
	catalog.TierHigh:     "Close Matches",
	catalog.TierMedium:   "Related",
	catalog.TierExplore:  "Further Afield",
	catalog.TierWildcard: "Wildcards",
}

// Report is a composed batch report.
type Report struct {
	Batch    *database.Batch
	Title    string
	Markdown string
}

// Composer composes batch reports from stored state.
type Composer struct {
	store database.Store
}

// NewComposer creates a new report composer.
func NewComposer(store database.Store) *Composer {
	return &Composer{store: store}
}

// Compose builds the report for a batch. Missing batches return
// database.ErrNotFound.
func (c *Composer) Compose(ctx context.Context, batchID int64) (*Report, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	jobs, err := c.store.ListJobs(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	var entries []database.PlaylistEntry
	if b.Status == database.BatchCompleted {
		entries, err = c.store.ListPlaylist(ctx, b.UserID, b.WeekStart)
		if err != nil {
			return nil, fmt.Errorf("listing playlist: %w", err)
		}
	}
	unavailable, err := c.store.ListUnavailableAlbums(ctx, b.UserID, b.WeekStart)
	if err != nil {
		return nil, fmt.Errorf("listing unavailable albums: %w", err)
	}

	title := fmt.Sprintf("Discover Weekly: %s", database.FormatWeekDisplay(b.WeekStart))
	sections := []string{
		"# " + title + "\n\n" + summary(b),
		jobSection(jobs),
	}
	if len(entries) > 0 {
		sections = append(sections, playlistSections(entries)...)
	}
	if len(unavailable) > 0 {
		sections = append(sections, unavailableSection(unavailable))
	}
	if len(b.Logs) > 0 {
		sections = append(sections, logSection(b.Logs))
	}
	return &Report{Batch: b, Title: title, Markdown: strings.Join(sections, "\n\n---\n\n") + "\n"}, nil
}

func summary(b *database.Batch) string {
	lines := []string{
		fmt.Sprintf("- **Status:** %s", b.Status),
		fmt.Sprintf("- **User:** %s", b.UserID),
		fmt.Sprintf("- **Albums:** %d requested, %d completed, %d failed", b.TotalAlbums, b.CompletedAlbums, b.FailedAlbums),
		fmt.Sprintf("- **Target songs:** %d", b.TargetSongCount),
	}
	if b.Status == database.BatchCompleted {
		lines = append(lines, fmt.Sprintf("- **Playlist:** %d tracks", b.FinalSongCount))
	}
	if b.ErrorMessage != nil && *b.ErrorMessage != "" {
		lines = append(lines, fmt.Sprintf("- **Error:** %s", *b.ErrorMessage))
	}
	return strings.Join(lines, "\n")
}

func jobSection(jobs []database.DownloadJob) string {
	if len(jobs) == 0 {
		return "## Downloads\n\nNo albums were requested."
	}
	rows := []string{"| Artist | Album | Tier | Similarity | Status |", "|---|---|---|---|---|"}
	for _, j := range jobs {
		status := string(j.Status)
		if j.Error != nil && *j.Error != "" {
			status += " (" + *j.Error + ")"
		}
		rows = append(rows, fmt.Sprintf("| %s | %s | %s | %.2f | %s |",
			cell(j.Metadata.ArtistName), cell(j.Metadata.AlbumTitle), j.Metadata.Tier, j.Metadata.Similarity, cell(status)))
	}
	return "## Downloads\n\n" + strings.Join(rows, "\n")
}

// playlistSections groups tracks by tier, anchors last.
func playlistSections(entries []database.PlaylistEntry) []string {
	groups := make(map[string][]database.PlaylistEntry)
	for _, e := range entries {
		key := e.Tier
		if e.IsAnchor {
			key = anchorsLabel
		}
		groups[key] = append(groups[key], e)
	}

	var sections []string
	add := func(key, label string) {
		es := groups[key]
		if len(es) == 0 {
			return
		}
		lines := make([]string, 0, len(es))
		for _, e := range es {
			lines = append(lines, fmt.Sprintf("%d. **%s** - %s _(%s)_", e.Position, e.ArtistName, e.Title, e.AlbumTitle))
		}
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", label, strings.Join(lines, "\n")))
		delete(groups, key)
	}
	for _, t := range tierOrder {
		add(string(t), tierLabels[t])
	}
	add("", "Other Discoveries")
	add(anchorsLabel, anchorsLabel)
	return sections
}

func unavailableSection(albums []database.UnavailableAlbum) string {
	lines := make([]string, 0, len(albums))
	for _, a := range albums {
		lines = append(lines, fmt.Sprintf("- %s - %s (%d attempts)", a.ArtistName, a.AlbumTitle, a.Attempts))
	}
	return "## Unavailable\n\n" + strings.Join(lines, "\n")
}

func logSection(logs []string) string {
	return "## Log\n\n```\n" + strings.Join(logs, "\n") + "\n```"
}

func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
