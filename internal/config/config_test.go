package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadExpandsEnvAndDefaults(t *testing.T) {
	t.Setenv("RRELAYER_DB_URL", "sqlite://relayer.db")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
database_url: "${RRELAYER_DB_URL}"
networks:
  - chain_id: 31337
    name: local-dev
    provider_urls:
      - "http://127.0.0.1:8545"
log_level: "${RRELAYER_LOG_LEVEL:-info}"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite://relayer.db", cfg.DatabaseURL)
	require.Equal(t, "info", cfg.LogLevel)
	require.Len(t, cfg.Networks, 1)
	require.Equal(t, uint64(12), cfg.Networks[0].ConfirmationsRequired)
	require.Equal(t, ":8080", cfg.HTTP.ListenAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
