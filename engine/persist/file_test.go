package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intelliceil/engine/config"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	fs := NewFileStore(path)

	cfg := config.Default()
	cfg.AlertThresholdPct = 75
	cfg.BlockedIPs = []string{"10.0.0.9"}
	require.NoError(t, fs.Save(cfg))

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, 75.0, loaded.AlertThresholdPct)
	assert.Equal(t, []string{"10.0.0.9"}, loaded.BlockedIPs)
}

func TestFileStoreWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "policy.json")
	fs := NewFileStore(path)

	loaded, err := fs.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), loaded)

	// The file now exists for operators to edit.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}

func TestFileStoreSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	require.NoError(t, NewFileStore(path).Save(config.Default()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "policy.json", entries[0].Name())
}
