package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptStoreFallsBackToDefaults(t *testing.T) {
	p := NewPromptStore(t.TempDir())

	got := p.Get(PromptPlanning)
	assert.Contains(t, got, "Planner")
	assert.NotEmpty(t, p.Get(PromptDeveloper))
	assert.NotEmpty(t, p.Get(PromptSubAgent))
	assert.NotEmpty(t, p.Get(PromptCompaction))
	assert.NotEmpty(t, p.Get(PromptSFCM))
}

func TestPromptStorePrefersDiskOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "planning.txt"),
		[]byte("Custom planning prompt.\n"), 0o644))

	p := NewPromptStore(dir)
	assert.Equal(t, "Custom planning prompt.", p.Get(PromptPlanning))
}

func TestPromptStoreCachesUntilRefresh(t *testing.T) {
	dir := t.TempDir()
	p := NewPromptStore(dir)

	first := p.Get(PromptDeveloper)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "developer.txt"),
		[]byte("Edited prompt."), 0o644))

	// Cached copy until invalidated.
	assert.Equal(t, first, p.Get(PromptDeveloper))
	p.Refresh(PromptDeveloper)
	assert.Equal(t, "Edited prompt.", p.Get(PromptDeveloper))
}

func TestPromptStoreRefreshAllOnEmptyKey(t *testing.T) {
	dir := t.TempDir()
	p := NewPromptStore(dir)
	p.Get(PromptPlanning)
	p.Get(PromptDeveloper)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "planning.txt"),
		[]byte("New planning."), 0o644))
	p.Refresh("")
	assert.Equal(t, "New planning.", p.Get(PromptPlanning))
}
