package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ADMIN_SUPER_EMAIL", "root@devpath.dev")
	t.Setenv("ADMIN_VERIFY_BURST", "3")
	t.Setenv("LEADERBOARD_EXCLUDED_UIDS", "system, bot ,")
	t.Setenv("PORT", "")
	t.Setenv("LEADERBOARD_CACHE_SIZE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != "memory" || cfg.Admin.SuperEmail != "root@devpath.dev" || cfg.Admin.VerifyBurst != 3 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if !slices.Equal(cfg.Leaderboard.ExcludedUIDs, []string{"system", "bot"}) {
		t.Errorf("excluded uids = %v", cfg.Leaderboard.ExcludedUIDs)
	}
	if cfg.Port != "8080" || cfg.Leaderboard.CacheSize != 1024 {
		t.Errorf("defaults not applied: port=%s cache=%d", cfg.Port, cfg.Leaderboard.CacheSize)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatal("want error for unknown driver")
	}
}

func TestDefaultCatalogIsValid(t *testing.T) {
	c := DefaultCatalog()
	if err := c.Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
	if _, off := time.Now().In(c.Location()).Zone(); off != 330*60 {
		t.Errorf("reference offset = %d", off)
	}
	if b, ok := c.Badge("rising_star"); !ok || b.Rule.Threshold != 20 {
		t.Errorf("rising_star = %+v, %v", b, ok)
	}
	if _, ok := c.Badge("nope"); ok {
		t.Errorf("unknown badge found")
	}
}

func TestLoadCatalogOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	data := `
utc_offset_minutes: 0
levels:
  - {name: Rookie, min: 0, max: 50}
  - {name: Veteran, min: 50}
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if len(c.Levels) != 2 || c.Levels[1].Name != "Veteran" || c.UTCOffsetMinutes != 0 {
		t.Errorf("overrides not applied: %+v", c.Levels)
	}
	// 未出现的键保留默认值
	if c.Points.DailyLoginBonus != 10 || len(c.Badges) != len(DefaultCatalog().Badges) {
		t.Errorf("defaults lost: %+v", c.Points)
	}
	if _, ok := c.Badge("mentor"); !ok {
		t.Errorf("badge index not rebuilt")
	}
}

func TestCatalogValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Catalog)
	}{
		{"no levels", func(c *Catalog) { c.Levels = nil }},
		{"not starting at zero", func(c *Catalog) { c.Levels[0].Min = 1 }},
		{"gap", func(c *Catalog) { c.Levels[1].Min = 150 }},
		{"bounded last", func(c *Catalog) { c.Levels[len(c.Levels)-1].Max = 99999 }},
		{"unbounded middle", func(c *Catalog) { c.Levels[2].Max = 0 }},
		{"duplicate badge", func(c *Catalog) { c.Badges = append(c.Badges, c.Badges[0]) }},
		{"negative points", func(c *Catalog) { c.Badges[0].Points = -1 }},
		{"unknown rule", func(c *Catalog) { c.Badges[0].Rule.Kind = "karma" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCatalog()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate() accepted an invalid catalog")
			}
		})
	}
}
