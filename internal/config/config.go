// Package config loads the server's JSON configuration file and the optional
// media-types override file. Loaded values are merged over compiled-in
// defaults; an empty string in the file is treated as absent, and a value of
// the wrong JSON type fails loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"

	"github.com/mediaroot/mediarootd/internal/mediatype"
)

// Config is the resolved server configuration.
type Config struct {
	MediaRoot string `json:"media_root"`
	Host      string `json:"host"`
	Port      int    `json:"port"`

	// Paths outside MediaRoot. Empty values are derived from DataDir.
	DataDir   string `json:"data_dir"`
	CacheRoot string `json:"cache_root"`
	OpLogPath string `json:"oplog_path"`

	// Derivative cache tuning.
	ThumbSize    int    `json:"thumb_size"`
	ThumbQuality int    `json:"thumb_quality"`
	Workers      int    `json:"workers"`
	KeyMode      string `json:"key_mode"` // "mtime" or "sha1"

	// Trash retention.
	RetentionDays int `json:"retention_days"`

	// HMAC secret for confirm tokens. When empty a per-process random
	// secret is generated at startup (previews then expire on restart).
	Secret string `json:"secret"`

	// Optional path to a media-types override file.
	MediaTypesPath string `json:"media_types"`
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          8640,
		ThumbSize:     320,
		ThumbQuality:  85,
		Workers:       4,
		KeyMode:       "mtime",
		RetentionDays: 10,
	}
}

// LoadResult carries the resolved config plus where it came from.
type LoadResult struct {
	Config     Config
	SourcePath string // empty when no file was found
}

// Load reads the JSON config at path (optional; "" means use defaults only)
// and merges it over Defaults. Empty strings in the file do not override
// defaults; wrong JSON types fail loading.
func Load(path string) (*LoadResult, error) {
	cfg := Defaults()
	result := &LoadResult{Config: cfg}

	if path == "" {
		return result, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config: file not found: %s", path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := mergo.Merge(&loaded, cfg); err != nil {
		return nil, fmt.Errorf("config: merge defaults: %w", err)
	}

	if loaded.Port < 0 || loaded.Port > 65535 {
		return nil, fmt.Errorf("config: port out of range: %d", loaded.Port)
	}
	if loaded.KeyMode != "mtime" && loaded.KeyMode != "sha1" {
		return nil, fmt.Errorf("config: key_mode must be \"mtime\" or \"sha1\": %q", loaded.KeyMode)
	}

	result.Config = loaded
	result.SourcePath = path
	return result, nil
}

// ResolvePaths fills the derived paths for a validated config: DataDir
// defaults to <media_root>/.mediarootd, CacheRoot and OpLogPath live under it
// unless configured explicitly.
func (c *Config) ResolvePaths() error {
	if c.MediaRoot == "" {
		return fmt.Errorf("config: media_root is required")
	}
	abs, err := filepath.Abs(c.MediaRoot)
	if err != nil {
		return fmt.Errorf("config: resolve media_root: %w", err)
	}
	c.MediaRoot = abs

	if c.DataDir == "" {
		c.DataDir = filepath.Join(abs, ".mediarootd")
	}
	if c.CacheRoot == "" {
		c.CacheRoot = filepath.Join(c.DataDir, "cache")
	}
	if c.OpLogPath == "" {
		c.OpLogPath = filepath.Join(c.DataDir, "operations.jsonl")
	}
	return nil
}

// ListenAddr returns the host:port address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// mediaTypesFile is the on-disk shape of the media-types override file. A
// missing list keeps its compiled-in default.
type mediaTypesFile struct {
	Images []string `json:"images"`
	Videos []string `json:"videos"`
	Games  []string `json:"games"`
}

// LoadMediaTypes reads the optional media-types file and builds the extension
// classifier. path "" returns the default classifier.
func LoadMediaTypes(path string) (*mediatype.Set, error) {
	if path == "" {
		return mediatype.Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read media-types file %s: %w", path, err)
	}

	var file mediaTypesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse media-types file %s: %w", path, err)
	}

	set, err := mediatype.New(file.Images, file.Videos, file.Games)
	if err != nil {
		return nil, fmt.Errorf("config: media-types file %s: %w", path, err)
	}
	return set, nil
}
