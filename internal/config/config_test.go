package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CODEMEM_CONFIG", path)
}

func TestLoadDefaults(t *testing.T) {
	// No config file anywhere: everything comes from defaults.
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SyncIntervalS != 120 {
		t.Errorf("default sync interval: got %d", cfg.SyncIntervalS)
	}
	if cfg.ObserverProvider != "none" {
		t.Errorf("default observer provider: got %q", cfg.ObserverProvider)
	}
	if cfg.GateSuccessRateMin != 0.99 {
		t.Errorf("default gate success rate: got %v", cfg.GateSuccessRateMin)
	}
}

func TestLoadJSONCWithComments(t *testing.T) {
	writeConfig(t, `{
		// observer settings
		"observer_model": "gpt-4o-mini",
		"sync_port": 50000, // LAN port
		"sync_projects_include": ["alpha", "https://example.com"]
	}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ObserverModel != "gpt-4o-mini" {
		t.Errorf("observer_model: got %q", cfg.ObserverModel)
	}
	if cfg.SyncPort != 50000 {
		t.Errorf("sync_port: got %d", cfg.SyncPort)
	}
	// A "//" inside a quoted string is not a comment.
	if len(cfg.SyncProjectsInclude) != 2 || cfg.SyncProjectsInclude[1] != "https://example.com" {
		t.Errorf("quoted slashes mangled: %v", cfg.SyncProjectsInclude)
	}
	// Unset keys keep defaults after the merge.
	if cfg.SyncIntervalS != 120 {
		t.Errorf("merge lost default sync interval: %d", cfg.SyncIntervalS)
	}
}

func TestEnvOverrides(t *testing.T) {
	writeConfig(t, `{"sync_port": 50000}`)
	t.Setenv("CODEMEM_SYNC_PORT", "60000")
	t.Setenv("CODEMEM_SYNC_ENABLED", "true")
	t.Setenv("CODEMEM_OBSERVER_MAX_CHARS", "12345")
	t.Setenv("CODEMEM_SYNC_PROJECTS_EXCLUDE", "alpha,beta")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SyncPort != 60000 {
		t.Errorf("env must override file: got %d", cfg.SyncPort)
	}
	if !cfg.SyncEnabled {
		t.Error("CODEMEM_SYNC_ENABLED not applied")
	}
	if cfg.ObserverMaxChars != 12345 {
		t.Errorf("CODEMEM_OBSERVER_MAX_CHARS not applied: %d", cfg.ObserverMaxChars)
	}
	if len(cfg.SyncProjectsExclude) != 2 || cfg.SyncProjectsExclude[0] != "alpha" {
		t.Errorf("list env override: %v", cfg.SyncProjectsExclude)
	}
}

func TestMalformedConfigRejected(t *testing.T) {
	writeConfig(t, `{"sync_port": }`)
	if _, err := Load(); err == nil {
		t.Error("malformed config must fail loudly, not fall back silently")
	}
}

func TestIndexOfLineComment(t *testing.T) {
	cases := []struct {
		line string
		want int
	}{
		{`"a": 1, // trailing`, 8},
		{`"url": "http://x" // after string`, 18},
		{`"url": "http://x"`, -1},
		{`// whole line`, 0},
		{`"escaped \" // still in string"`, -1},
	}
	for _, c := range cases {
		if got := indexOfLineComment(c.line); got != c.want {
			t.Errorf("indexOfLineComment(%q) = %d, want %d", c.line, got, c.want)
		}
	}
}
