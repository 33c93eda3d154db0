package files

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "license.xml")

	require.NoError(t, SaveFile(path, []byte("<license/>")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<license/>", string(data))

	// overwrite leaves no temp files behind
	require.NoError(t, SaveFile(path, []byte("<license id=\"x\"/>")))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManagerResolve(t *testing.T) {
	m := NewManager("/opt/app")
	assert.Equal(t, filepath.Join("/opt/app", "license.xml"), m.Resolve("license.xml"))
	assert.Equal(t, "/etc/license.xml", m.Resolve("/etc/license.xml"))

	dir := t.TempDir()
	m = NewManager(dir)
	require.NoError(t, m.Save("keys/license.xml", []byte("x")))
	assert.FileExists(t, filepath.Join(dir, "keys", "license.xml"))
}

func TestReadLicense(t *testing.T) {
	dir := t.TempDir()

	t.Run("ok", func(t *testing.T) {
		path := filepath.Join(dir, "ok.xml")
		require.NoError(t, os.WriteFile(path, []byte("<license/>"), 0644))
		data, err := ReadLicense(path)
		require.NoError(t, err)
		assert.Equal(t, "<license/>", string(data))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := ReadLicense(filepath.Join(dir, "missing.xml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("too large", func(t *testing.T) {
		path := filepath.Join(dir, "big.xml")
		require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("a"), MaxLicenseSize+1), 0644))
		_, err := ReadLicense(path)
		assert.ErrorIs(t, err, ErrLicenseTooLarge)
	})
}

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "license.xml")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 16)
	go w.Run(ctx, func() { changed <- struct{}{} })

	// unrelated files are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))
	require.NoError(t, SaveFile(path, []byte("v2")))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification received")
	}
}
