package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	registry, err := NewRegistry(log)
	require.NoError(t, err)
	return registry
}

func TestRegistryBuiltins(t *testing.T) {
	registry := newTestRegistry(t)

	list := registry.List()
	require.Len(t, list, 2)
	assert.Equal(t, "scripted", list[0].ID)
	assert.Equal(t, "simple-chat", list[1].ID)

	info, ok := registry.Get("simple-chat")
	require.True(t, ok)
	assert.NotEmpty(t, info.Name)
	assert.NotEmpty(t, info.Version)

	assert.True(t, registry.Has("simple-chat", ""))
	assert.True(t, registry.Has("simple-chat", info.Version))
	assert.False(t, registry.Has("simple-chat", "0.0.0"))
	assert.False(t, registry.Has("missing", ""))
}

func TestRegistryRegisterRejectsBadSchema(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(&Info{ID: "broken", Name: "Broken", Config: []*ConfigField{
		{Key: "items_on_string", Type: TypeString, Items: &ConfigField{Key: "x", Type: TypeString}},
	}})
	require.Error(t, err)
	_, ok := registry.Get("broken")
	assert.False(t, ok)
}

func TestLoadCatalogDir(t *testing.T) {
	registry := newTestRegistry(t)

	dir := t.TempDir()
	catalog := `
templates:
  - id: canned
    name: Canned Reply
    framework: reference
    version: "1.0.0"
    config:
      - key: reply
        type: string
      - key: repeat
        type: integer
        optional: true
        default: 1
        validation:
          min: 1
          max: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-canned.yaml"), []byte(catalog), 0o644))

	// Later file overrides the built-in simple-chat definition.
	override := `
id: simple-chat
name: Simple Chat (patched)
framework: reference
version: "2.0.0"
config:
  - key: response_prefix
    type: string
    optional: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-override.yaml"), []byte(override), 0o644))

	// A broken file is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "30-broken.yaml"), []byte(":::"), 0o644))

	require.NoError(t, registry.LoadCatalogDir(dir))

	canned, ok := registry.Get("canned")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", canned.Version)
	require.Len(t, canned.Config, 2)

	ok, errs := registry.ValidateConfiguration("canned", map[string]any{
		"reply":  "hello",
		"repeat": float64(3),
	})
	assert.True(t, ok, errs)

	ok, errs = registry.ValidateConfiguration("canned", map[string]any{
		"repeat": float64(9),
	})
	assert.False(t, ok)
	assert.NotEmpty(t, errs)

	patched, ok := registry.Get("simple-chat")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", patched.Version)
	assert.Equal(t, "Simple Chat (patched)", patched.Name)
}

func TestLoadCatalogDirMissing(t *testing.T) {
	registry := newTestRegistry(t)
	assert.Error(t, registry.LoadCatalogDir(filepath.Join(t.TempDir(), "nope")))
}
