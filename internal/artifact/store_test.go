package artifact_test

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/book-expert/tts-dispatch/internal/artifact"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tmpDir   = "/var/tmp/tts"
	filesDir = "/srv/files"
)

// crossDeviceFs refuses renames out of the staging directory the way the
// kernel does across mount points.
type crossDeviceFs struct {
	afero.Fs
}

func (f crossDeviceFs) Rename(oldname, newname string) error {
	if strings.HasPrefix(oldname, tmpDir) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: syscall.EXDEV}
	}

	return f.Fs.Rename(oldname, newname)
}

func newStore(t *testing.T, fs afero.Fs) *artifact.Store {
	t.Helper()

	store := artifact.NewStore(fs, tmpDir)
	require.NoError(t, store.EnsureDirs(tmpDir, filesDir))

	return store
}

func TestStore_TempPath(t *testing.T) {
	t.Parallel()

	store := newStore(t, afero.NewMemMapFs())
	dest := filepath.Join(filesDir, "abc.wav")

	first := store.TempPath(dest)
	second := store.TempPath(dest)

	assert.Equal(t, tmpDir, filepath.Dir(first))
	assert.Equal(t, ".wav", filepath.Ext(first))
	assert.NotEqual(t, first, second)
}

func TestStore_PromoteRename(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	store := newStore(t, fs)
	dest := filepath.Join(filesDir, "abc.wav")
	tmp := store.TempPath(dest)

	exists, err := store.Exists(dest)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, afero.WriteFile(fs, tmp, []byte("RIFF"), 0o600))
	require.NoError(t, store.Promote(tmp, dest))

	exists, err = store.Exists(dest)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data))

	exists, err = store.Exists(tmp)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_PromoteAcrossDevices(t *testing.T) {
	t.Parallel()

	fs := crossDeviceFs{Fs: afero.NewMemMapFs()}
	store := newStore(t, fs)
	dest := filepath.Join(filesDir, "abc.wav")
	tmp := store.TempPath(dest)

	require.NoError(t, afero.WriteFile(fs, tmp, []byte("RIFF data"), 0o600))
	require.NoError(t, store.Promote(tmp, dest))

	data, err := afero.ReadFile(fs, dest)
	require.NoError(t, err)
	assert.Equal(t, "RIFF data", string(data))

	entries, err := afero.ReadDir(fs, filesDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no staging file is left behind")
	assert.Equal(t, "abc.wav", entries[0].Name())

	exists, err := afero.Exists(fs, tmp)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_PromoteMissingSource(t *testing.T) {
	t.Parallel()

	store := newStore(t, afero.NewMemMapFs())
	dest := filepath.Join(filesDir, "abc.wav")

	require.Error(t, store.Promote(store.TempPath(dest), dest))
}

func TestStore_DiscardMissingFile(t *testing.T) {
	t.Parallel()

	store := newStore(t, afero.NewMemMapFs())

	require.NoError(t, store.Discard(filepath.Join(tmpDir, "never-written.wav")))
}
