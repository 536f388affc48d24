package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWhenNoPath(t *testing.T) {
	result, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.Config.Port != 8640 || result.Config.Host != "127.0.0.1" {
		t.Errorf("unexpected defaults: %+v", result.Config)
	}
	if result.SourcePath != "" {
		t.Errorf("expected empty SourcePath, got %q", result.SourcePath)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"media_root":"/srv/media","port":9000}`)
	result, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := result.Config
	if cfg.MediaRoot != "/srv/media" {
		t.Errorf("media_root = %q", cfg.MediaRoot)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host should fall back to default, got %q", cfg.Host)
	}
	if cfg.ThumbSize != 320 || cfg.RetentionDays != 10 {
		t.Errorf("tuning defaults not preserved: %+v", cfg)
	}
}

func TestLoadEmptyStringsAreAbsent(t *testing.T) {
	path := writeFile(t, "config.json", `{"host":"","media_root":"/srv/media"}`)
	result, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if result.Config.Host != "127.0.0.1" {
		t.Errorf("empty host should keep default, got %q", result.Config.Host)
	}
}

func TestLoadRejectsWrongTypes(t *testing.T) {
	for _, body := range []string{
		`{"port":"9000"}`,
		`{"media_root":42}`,
		`{"host":[]}`,
	} {
		path := writeFile(t, "config.json", body)
		if _, err := Load(path); err == nil {
			t.Errorf("expected type error for %s", body)
		}
	}
}

func TestLoadRejectsPortOutOfRange(t *testing.T) {
	path := writeFile(t, "config.json", `{"port":70000}`)
	if _, err := Load(path); err == nil {
		t.Error("expected port range error")
	}
}

func TestLoadRejectsBadKeyMode(t *testing.T) {
	path := writeFile(t, "config.json", `{"key_mode":"blake3"}`)
	if _, err := Load(path); err == nil {
		t.Error("expected key_mode error")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}

func TestResolvePaths(t *testing.T) {
	cfg := Defaults()
	cfg.MediaRoot = t.TempDir()
	if err := cfg.ResolvePaths(); err != nil {
		t.Fatalf("ResolvePaths: %v", err)
	}
	if cfg.DataDir != filepath.Join(cfg.MediaRoot, ".mediarootd") {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.CacheRoot != filepath.Join(cfg.DataDir, "cache") {
		t.Errorf("CacheRoot = %q", cfg.CacheRoot)
	}
	if cfg.OpLogPath != filepath.Join(cfg.DataDir, "operations.jsonl") {
		t.Errorf("OpLogPath = %q", cfg.OpLogPath)
	}
}

func TestResolvePathsRequiresMediaRoot(t *testing.T) {
	cfg := Defaults()
	if err := cfg.ResolvePaths(); err == nil {
		t.Error("expected media_root required error")
	}
}

func TestLoadMediaTypesDefaults(t *testing.T) {
	set, err := LoadMediaTypes("")
	if err != nil {
		t.Fatalf("LoadMediaTypes: %v", err)
	}
	if !set.IsImage(".jpg") || !set.IsVideo(".mkv") {
		t.Error("default sets missing expected extensions")
	}
}

func TestLoadMediaTypesPartialOverride(t *testing.T) {
	path := writeFile(t, "types.json", `{"images":[".xyz"]}`)
	set, err := LoadMediaTypes(path)
	if err != nil {
		t.Fatalf("LoadMediaTypes: %v", err)
	}
	if !set.IsImage(".xyz") {
		t.Error("override image extension not recognized")
	}
	if set.IsImage(".jpg") {
		t.Error("overridden list should replace default images entirely")
	}
	if !set.IsVideo(".mp4") {
		t.Error("videos list should fall back to defaults")
	}
}

func TestLoadMediaTypesRejectsBadLiterals(t *testing.T) {
	for _, body := range []string{
		`{"images":["jpg"]}`,
		`{"videos":["."]}`,
		`{"games":[""]}`,
		`{"images":"not-a-list"}`,
	} {
		path := writeFile(t, "types.json", body)
		if _, err := LoadMediaTypes(path); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}
