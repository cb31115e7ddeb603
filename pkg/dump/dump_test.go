package dump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryLoaderCopiesTree(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "uuids"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "uuids", "data.db"), []byte("fake"), 0o644))

	dst := filepath.Join(t.TempDir(), "restored")
	loader := DirectoryLoader{}
	require.NoError(t, loader.LoadDump(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "uuids", "data.db"))
	require.NoError(t, err)
	assert.Equal(t, "fake", string(data))
}

func TestDirectoryLoaderRefusesToOverwrite(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	loader := DirectoryLoader{}
	assert.Error(t, loader.LoadDump(src, dst))
}

func TestLoadDispatchesByVersion(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "restored")
	meta := Metadata{Version: "v2"}
	require.NoError(t, Load(meta, src, dst))

	_, err := os.Stat(dst)
	require.NoError(t, err)
}

func TestLoadUnknownVersion(t *testing.T) {
	err := Load(Metadata{Version: "v999"}, t.TempDir(), t.TempDir())
	assert.Error(t, err)
}
