package playlist

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/TobiSchelling/discoverweekly/internal/database"
)

var unsafeName = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

// FileName is the playlist file name for a user's week.
func FileName(userID, weekStart string) string {
	user := strings.Trim(unsafeName.ReplaceAllString(userID, "_"), " .")
	if user == "" {
		user = "user"
	}
	return fmt.Sprintf("discover-weekly-%s-%s.m3u", user, weekStart)
}

// RenderM3U renders entries as an extended M3U playlist:
//
//	#EXTM3U
//	#EXTINF:-1,Artist - Title
//	/music/Artist/Album/01 Title.mp3
func RenderM3U(entries []database.PlaylistEntry) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "#EXTINF:-1,%s - %s\n", e.ArtistName, e.Title)
		sb.WriteString(e.FilePath + "\n")
	}
	return sb.String()
}

// WriteM3U writes the playlist into dir via a temp file and rename, so
// readers never see a partial file. It returns the final path.
func WriteM3U(dir, name string, entries []database.PlaylistEntry) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating playlist dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("creating temp playlist: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(RenderM3U(entries)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing playlist: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing playlist: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("renaming playlist: %w", err)
	}
	return path, nil
}
