// Package catalog holds the value types and text helpers shared by the
// recommendation, orchestration and playlist packages.
package catalog

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tier is a similarity bucket used for selection quotas and display.
type Tier string

const (
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierExplore  Tier = "explore"
	TierWildcard Tier = "wildcard"
)

// SeedArtist is an artist drawn from the listener's history or library.
type SeedArtist struct {
	Name string
	MBID string
}

// Key returns the MBID, or the name when no MBID is known.
func (s SeedArtist) Key() string {
	if s.MBID != "" {
		return s.MBID
	}
	return s.Name
}

// SimilarArtist is a provider suggestion for a seed. Match is clamped to
// [0,1]; MatchUnknown marks a suggestion the provider gave no score for.
type SimilarArtist struct {
	Name         string
	MBID         string
	Match        float64
	MatchUnknown bool
}

// TopAlbum is an album entry returned by a provider's top-album listing.
type TopAlbum struct {
	Name       string
	ArtistName string
	ArtistMBID string
	MBID       string
}

// TierFromSimilarity labels a persisted record by its similarity score.
func TierFromSimilarity(x float64) Tier {
	switch {
	case x >= 0.6:
		return TierHigh
	case x >= 0.45:
		return TierMedium
	case x >= 0.3:
		return TierExplore
	default:
		return TierWildcard
	}
}

// PartitionTier buckets a live candidate by match score for tiered selection.
// Candidates below 0.3 belong to no tier.
func PartitionTier(match float64) (Tier, bool) {
	switch {
	case match >= 0.7:
		return TierHigh, true
	case match >= 0.5:
		return TierMedium, true
	case match >= 0.3:
		return TierExplore, true
	default:
		return "", false
	}
}

// ClampMatch forces a provider score into [0,1].
func ClampMatch(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

var nonStudioTerms = []string{
	"live", "acoustic", "session", "compilation", "greatest hits", "best of",
	"remix", "unplugged", "collection", "anthology", "demo",
}

// EP only counts as a trailing token: "Foo EP", "Foo (EP)", "Foo - EP".
var epSuffix = regexp.MustCompile(`(?i)(^|[\s\-(\[])ep[)\]]?\s*$`)

// IsStudioRelease reports whether a title looks like a regular studio album.
func IsStudioRelease(title string) bool {
	lower := strings.ToLower(title)
	for _, term := range nonStudioTerms {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return !epSuffix.MatchString(strings.TrimSpace(title))
}

var diacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// StripDiacritics removes combining marks ("Björk" -> "Bjork").
func StripDiacritics(s string) string {
	out, _, err := transform.String(diacritics, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize lowercases, strips diacritics and collapses punctuation and
// whitespace into single spaces.
func Normalize(s string) string {
	s = strings.ToLower(StripDiacritics(s))
	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// FirstToken returns the first word of the normalized form.
func FirstToken(s string) string {
	n := Normalize(s)
	if i := strings.IndexByte(n, ' '); i >= 0 {
		return n[:i]
	}
	return n
}

// SameName compares two names case-insensitively after trimming.
func SameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
