package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowdb/shadowkv/config"
	"github.com/shadowdb/shadowkv/internal/kv/pagestore"
	"github.com/shadowdb/shadowkv/internal/kv/version"
)

func TestDefaultIsUsableWithoutAFile(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, pagestore.PageSize, cfg.PageSize)
	require.Equal(t, "READ_COMMITTED", cfg.DefaultIsolation)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.hujson"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadParsesCommentsAndTrailingCommas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.hujson")
	body := `{
		// override the cache size for this test
		"maxCachePages": 128,
		"defaultIsolation": "REPEATABLE_READ",
		"pageSize": 8192,
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 128, cfg.MaxCachePages)
	level, err := cfg.IsolationLevel()
	require.NoError(t, err)
	require.Equal(t, version.RepeatableRead, level)
}

func TestLoadRejectsUnsupportedPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.hujson")
	require.NoError(t, os.WriteFile(path, []byte(`{"pageSize": 4096}`), 0644))

	_, err := config.Load(path)
	require.Error(t, err)
}
