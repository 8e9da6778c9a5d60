// Package config loads the engine's configuration file, grounded on
// calvinalkan-agent-task's config.go: hujson.Standardize strips `//`
// comments and trailing commas before handing the bytes to
// encoding/json, so the on-disk file can be a commented, trailing-comma
// config (tailscale/hujson) rather than brittle strict JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/kv/version"
)

// Config is the on-disk engine configuration.
type Config struct {
	// PageSize exists for forward documentation only: spec.md fixes pages
	// at 8192 bytes, and the engine does not currently support any other
	// value. It is still read and validated so a config file that claims
	// a different page size is rejected loudly rather than silently
	// ignored.
	PageSize int `json:"pageSize"`

	// MaxCachePages bounds the page store's resident-or-loading page
	// count (spec.md §7 MemTooSmall floor applies on top of this).
	MaxCachePages int `json:"maxCachePages"`

	// MaxCachedItems bounds the data-item manager's resident item count.
	MaxCachedItems int `json:"maxCachedItems"`

	// DefaultIsolation is the isolation level new transactions use when
	// the caller doesn't specify one explicitly: "READ_COMMITTED" or
	// "REPEATABLE_READ".
	DefaultIsolation string `json:"defaultIsolation"`

	// DataDir is the directory holding the .db/.xid/.log files.
	DataDir string `json:"dataDir"`
}

// Default returns the engine's out-of-the-box configuration: no config
// file required for a first run.
func Default() Config {
	return Config{
		PageSize:         pagestore.PageSize,
		MaxCachePages:    pagestore.MinCacheSize * 10,
		MaxCachedItems:   pagestore.MinCacheSize * 40,
		DefaultIsolation: "READ_COMMITTED",
		DataDir:          ".",
	}
}

// Load reads and parses a hujson (JSON-with-comments) config file at
// path, overlaying it onto Default(). A missing file is not an error:
// Default() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.PageSize != pagestore.PageSize {
		return cfg, fmt.Errorf("config: pageSize %d unsupported, engine requires %d", cfg.PageSize, pagestore.PageSize)
	}
	return cfg, nil
}

// IsolationLevel parses DefaultIsolation into a version.IsolationLevel.
func (c Config) IsolationLevel() (version.IsolationLevel, error) {
	switch c.DefaultIsolation {
	case "READ_COMMITTED", "":
		return version.ReadCommitted, nil
	case "REPEATABLE_READ":
		return version.RepeatableRead, nil
	default:
		return 0, fmt.Errorf("config: unknown isolation level %q", c.DefaultIsolation)
	}
}
