package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Frontend.MaxLeasedMessages)
	assert.Equal(t, 2, cfg.API.ApproversRequired)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
  common_name: test-server
database:
  url: postgres://file
worker:
  processors: 2
  flow_lease: 1m
`), 0o600))
	t.Setenv("FLEET_DATABASE_URL", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "test-server", cfg.Server.CommonName)
	assert.Equal(t, "postgres://env", cfg.Database.URL, "env wins over file")
	assert.Equal(t, 2, cfg.Worker.Processors)
	assert.Equal(t, time.Minute, cfg.Worker.FlowLease.Std())
}

func TestValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  approvers_required: 0
`), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
