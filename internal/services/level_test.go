package services

import (
	"testing"

	"devpath/internal/config"
)

func TestClassifyBoundaries(t *testing.T) {
	c := NewClassifier(config.DefaultCatalog().Levels)
	tests := []struct {
		points   int
		name     string
		progress int
	}{
		{-5, "Newcomer", 0},
		{0, "Newcomer", 0},
		{50, "Newcomer", 50},
		{99, "Newcomer", 99},
		{100, "Contributor", 0},
		{299, "Contributor", 100},
		{300, "Builder", 0},
		{1499, "Expert", 100},
		{2250, "Master", 50},
		{3000, "Legend", 0},
		{9_999_999, "Legend", 0},
	}
	for _, tt := range tests {
		got := c.Classify(tt.points)
		if got.Name != tt.name || got.Progress != tt.progress {
			t.Errorf("Classify(%d) = %s %d%%, want %s %d%%", tt.points, got.Name, got.Progress, tt.name, tt.progress)
		}
	}
}

func TestClassifyTotalAndMonotonic(t *testing.T) {
	tiers := config.DefaultCatalog().Levels
	c := NewClassifier(tiers)
	prev := -1
	for p := 0; p < 10_000_000; p++ {
		lvl := c.Classify(p)
		if lvl.Index < prev {
			t.Fatalf("Classify(%d) index %d decreased from %d", p, lvl.Index, prev)
		}
		tier := tiers[lvl.Index]
		if p < tier.Min || (!tier.Unbounded() && p >= tier.Max) {
			t.Fatalf("Classify(%d) = %s [%d, %d) does not contain points", p, tier.Name, tier.Min, tier.Max)
		}
		if lvl.Progress < 0 || lvl.Progress > 100 {
			t.Fatalf("Classify(%d) progress %d out of range", p, lvl.Progress)
		}
		prev = lvl.Index
	}
}
