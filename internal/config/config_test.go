package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"sprintline/internal/config"
	"sprintline/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("board-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Board.ID != "board-1" {
		t.Fatalf("board id = %q", cfg.Board.ID)
	}
	if stage, ok := cfg.StageFor("Demo/Final Approval"); !ok || stage != domain.StageDemo {
		t.Fatalf("stage for demo list = %s %v", stage, ok)
	}
	if !cfg.IsIgnoredList("Backlog/Ideas") {
		t.Fatalf("Backlog/Ideas should be ignored")
	}
	if cfg.VelocityWindow() != 3 || cfg.MaxAgeGlyphs() != 10 || cfg.NewDays() != 2 {
		t.Fatalf("defaults = %d/%d/%d", cfg.VelocityWindow(), cfg.MaxAgeGlyphs(), cfg.NewDays())
	}
}

func TestFromYAMLRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"not yaml", "::"},
		{"no lists", "board:\n  id: b1\n"},
		{"unknown stage", "board:\n  id: b1\n  lists:\n    \"Col\": warp_speed\n"},
		{"unknown requirement", `
board:
  id: b1
  lists:
    "In Scope": in_scope
requirements:
  in_scope: [astrology]
`},
	}
	for _, tc := range cases {
		if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected error for missing config")
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("optional default invalid: %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sprintline.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("board-9")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Board.ID != "board-9" {
		t.Fatalf("board id = %q", cfg.Board.ID)
	}
	if cfg.Labels.Goal != "Goal" || cfg.Labels.Blocked != "Blocked" {
		t.Fatalf("labels = %+v", cfg.Labels)
	}
}
