package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4096, cfg.Model.NCtx)
	assert.Equal(t, 4, cfg.Slots.NParallel)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\nmodel:\n  path: /models/m.gguf\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/models/m.gguf", cfg.Model.Path)
	// Unset fields still carry defaults.
	assert.Equal(t, 4096, cfg.Model.NCtx)
}
