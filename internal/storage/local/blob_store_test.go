package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitegrade/sitegrade/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "snapshots")
		_, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)

		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Run("WritesSnapshotAndReturnsURI", func(t *testing.T) {
		base := t.TempDir()
		store, err := local.New(local.Config{BaseDir: base})
		require.NoError(t, err)

		uri, err := store.PutObject(context.Background(), "snapshots/scan-1.html", "text/html", []byte("<html></html>"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(base, "snapshots", "scan-1.html"), uri)

		got, err := os.ReadFile(filepath.Join(base, "snapshots", "scan-1.html"))
		require.NoError(t, err)
		assert.Equal(t, "<html></html>", string(got))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)

		_, err = store.PutObject(context.Background(), "  ", "text/html", []byte("x"))
		assert.Error(t, err)
	})

	t.Run("RejectsPathTraversal", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)

		_, err = store.PutObject(context.Background(), "../outside.html", "text/html", []byte("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path traversal")
	})
}
