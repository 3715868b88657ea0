package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierFromSimilarity(t *testing.T) {
	cases := map[float64]Tier{
		0.65: TierHigh,
		0.6:  TierHigh,
		0.5:  TierMedium,
		0.45: TierMedium,
		0.35: TierExplore,
		0.3:  TierExplore,
		0.1:  TierWildcard,
		0:    TierWildcard,
	}
	for x, want := range cases {
		assert.Equal(t, want, TierFromSimilarity(x), "similarity %v", x)
	}
}

func TestPartitionTier(t *testing.T) {
	tier, ok := PartitionTier(0.7)
	assert.True(t, ok)
	assert.Equal(t, TierHigh, tier)

	tier, ok = PartitionTier(0.65)
	assert.True(t, ok)
	assert.Equal(t, TierMedium, tier)

	tier, ok = PartitionTier(0.3)
	assert.True(t, ok)
	assert.Equal(t, TierExplore, tier)

	_, ok = PartitionTier(0.29)
	assert.False(t, ok)
}

func TestClampMatch(t *testing.T) {
	assert.Equal(t, 0.0, ClampMatch(-0.2))
	assert.Equal(t, 1.0, ClampMatch(3))
	assert.Equal(t, 0.42, ClampMatch(0.42))
}

func TestIsStudioRelease(t *testing.T) {
	studio := []string{"OK Computer", "In Rainbows", "Epic Journey", "Sleep"}
	for _, title := range studio {
		assert.True(t, IsStudioRelease(title), title)
	}

	other := []string{
		"Live at Leeds", "Greatest Hits", "The Best of Blur", "MTV Unplugged",
		"Peel Sessions", "Remixes 81-04", "Demos", "Acoustic", "Anthology 2",
		"Summer EP", "Summer (EP)", "Summer - EP",
	}
	for _, title := range other {
		assert.False(t, IsStudioRelease(title), title)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "bjork", Normalize("Björk"))
	assert.Equal(t, "sigur ros", Normalize("Sigur Rós"))
	assert.Equal(t, "ok computer", Normalize("OK   Computer!"))
	assert.Equal(t, "guns n roses", Normalize("Guns N' Roses"))
	assert.Equal(t, "", Normalize("..."))
}

func TestFirstToken(t *testing.T) {
	assert.Equal(t, "beach", FirstToken("Beach House"))
	assert.Equal(t, "mum", FirstToken("múm"))
	assert.Equal(t, "", FirstToken(""))
}

func TestSeedKey(t *testing.T) {
	assert.Equal(t, "abc", SeedArtist{Name: "X", MBID: "abc"}.Key())
	assert.Equal(t, "X", SeedArtist{Name: "X"}.Key())
}
