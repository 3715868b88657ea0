// Package library indexes the local music directory and drains the scan
// queue that hands finished downloads to playlist assembly.
package library

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2"

	"github.com/TobiSchelling/discoverweekly/internal/database"
	"github.com/TobiSchelling/discoverweekly/internal/logging"
)

// MusicBrainz ids written by taggers as TXXX frames.
const (
	txxxReleaseGroupID = "MusicBrainz Release Group Id"
	txxxArtistID       = "MusicBrainz Artist Id"
)

// Tags is what the scanner reads from one audio file.
type Tags struct {
	Artist      string
	ArtistMBID  string
	Album       string
	AlbumMBID   string
	Title       string
	TrackNumber int
	DurationSec int
	Genres      []string
}

// ScanResult summarizes one scan.
type ScanResult struct {
	Files   int
	Indexed int
	Skipped int
	Errors  int
}

// Scanner walks the music directory and upserts what it finds.
type Scanner struct {
	store database.Store
	root  string
}

// NewScanner creates a Scanner for root.
func NewScanner(store database.Store, root string) *Scanner {
	return &Scanner{store: store, root: root}
}

// Scan indexes every MP3 below the root. Files with a missing or broken tag
// are indexed from their path; only a missing root or a cancelled context fails the scan.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	if s.root == "" {
		return res, fmt.Errorf("library.music_dir is not set")
	}
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.root {
				return err
			}
			logging.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".mp3") {
			return nil
		}
		res.Files++

		tags, err := ReadTags(path)
		if err != nil {
			logging.Debug().Err(err).Str("path", path).Msg("unreadable tag, using path layout")
			tags = Tags{}
		}
		fillFromPath(&tags, s.root, path)
		if tags.Artist == "" || tags.Album == "" {
			res.Skipped++
			return nil
		}
		if err := s.index(ctx, path, tags); err != nil {
			res.Errors++
			logging.Warn().Err(err).Str("path", path).Msg("indexing track failed")
			return nil
		}
		res.Indexed++
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scanning %s: %w", s.root, err)
	}
	logging.Info().Int("files", res.Files).Int("indexed", res.Indexed).
		Int("skipped", res.Skipped).Int("errors", res.Errors).Msg("library scan finished")
	return res, nil
}

func (s *Scanner) index(ctx context.Context, path string, tags Tags) error {
	return s.store.InTx(ctx, func(tx database.Store) error {
		artistID, err := tx.UpsertLibraryArtist(ctx, tags.Artist, tags.ArtistMBID)
		if err != nil {
			return err
		}
		albumID, err := tx.UpsertLibraryAlbum(ctx, artistID, tags.Album, tags.AlbumMBID)
		if err != nil {
			return err
		}
		trackID, err := tx.UpsertLibraryTrack(ctx, &database.LibraryTrack{
			AlbumID:     albumID,
			Title:       tags.Title,
			TrackNumber: tags.TrackNumber,
			FilePath:    path,
			Duration:    tags.DurationSec,
		})
		if err != nil {
			return err
		}
		for _, g := range tags.Genres {
			if err := tx.AddTrackGenre(ctx, trackID, g); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadTags parses the ID3v2 tag of an audio file.
func ReadTags(path string) (Tags, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return Tags{}, err
	}
	defer tag.Close()

	t := Tags{
		Artist: strings.TrimSpace(tag.Artist()),
		Album:  strings.TrimSpace(tag.Album()),
		Title:  strings.TrimSpace(tag.Title()),
		Genres: splitGenres(tag.Genre()),
	}
	if tf := tag.GetTextFrame(tag.CommonID("Track number/Position in set")); tf.Text != "" {
		t.TrackNumber = leadingInt(tf.Text)
	}
	if tf := tag.GetTextFrame(tag.CommonID("Length")); tf.Text != "" {
		t.DurationSec = leadingInt(tf.Text) / 1000
	}
	for _, f := range tag.GetFrames(tag.CommonID("User defined text information frame")) {
		udtf, ok := f.(id3v2.UserDefinedTextFrame)
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(udtf.Description, txxxReleaseGroupID):
			t.AlbumMBID = strings.TrimSpace(udtf.Value)
		case strings.EqualFold(udtf.Description, txxxArtistID):
			t.ArtistMBID = strings.TrimSpace(udtf.Value)
		}
	}
	return t, nil
}

// fillFromPath completes missing tags from a <root>/<artist>/<album>/<file>
// layout.
func fillFromPath(t *Tags, root, path string) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if t.Title == "" {
		t.Title = strings.TrimSuffix(parts[len(parts)-1], filepath.Ext(path))
	}
	if len(parts) >= 3 {
		if t.Artist == "" {
			t.Artist = parts[len(parts)-3]
		}
		if t.Album == "" {
			t.Album = parts[len(parts)-2]
		}
	}
}

func splitGenres(s string) []string {
	var out []string
	for _, g := range strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == ';' || r == ',' }) {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// leadingInt parses "3/12" or "3" as 3.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	n, _ := strconv.Atoi(s)
	return n
}
