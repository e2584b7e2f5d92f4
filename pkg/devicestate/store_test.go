package devicestate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "device_state.json"))
	_, err := store.Load()
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_state.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	_, err := NewFileStore(path).Load()
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "device_state.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(State{DeviceID: 7}))
	st, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, int64(7), st.DeviceID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestSaveRejectsZeroID(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "s.json"))
	require.Error(t, store.Save(State{}))
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Load()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotRegistered)
}

func TestClear(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "device_state.json"))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Save(State{DeviceID: 3}))
	require.NoError(t, store.Clear())

	_, err := store.Load()
	require.ErrorIs(t, err, ErrNotRegistered)
}
