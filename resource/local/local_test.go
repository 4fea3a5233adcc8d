package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orcasched/orca/resource"
)

func TestLocalStorage_TenantLayout(t *testing.T) {
	base := t.TempDir()
	ls := NewLocalStorage(base)
	ctx := context.Background()

	require.NoError(t, ls.CreateTenantDirIfNotExists(ctx, "tenant-a"))

	info, err := os.Stat(filepath.Join(base, "tenant-a", "resources"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// Creating again is a no-op.
	require.NoError(t, ls.CreateTenantDirIfNotExists(ctx, "tenant-a"))

	full := ls.ResourceFullName("tenant-a", "scripts/etl.sql")
	require.Equal(t, filepath.Join(base, "tenant-a", "resources", "scripts", "etl.sql"), full)
}

func TestLocalStorage_ExistsAndDownload(t *testing.T) {
	base := t.TempDir()
	ls := NewLocalStorage(base)
	ctx := context.Background()

	require.NoError(t, ls.CreateTenantDirIfNotExists(ctx, "tenant-a"))

	full := ls.ResourceFullName("tenant-a", "etl.sql")

	exists, err := ls.Exists(ctx, full)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, os.WriteFile(full, []byte("select 1"), 0o644))

	exists, err = ls.Exists(ctx, full)
	require.NoError(t, err)
	require.True(t, exists)

	dst := filepath.Join(t.TempDir(), "work", "etl.sql")
	require.NoError(t, ls.Download(ctx, full, dst, false))

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "select 1", string(content))

	// Without overwrite the existing download is kept.
	require.NoError(t, os.WriteFile(full, []byte("select 2"), 0o644))
	require.NoError(t, ls.Download(ctx, full, dst, false))
	content, err = os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "select 1", string(content))

	require.NoError(t, ls.Download(ctx, full, dst, true))
	content, err = os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "select 2", string(content))
}

func TestLocalStorage_DownloadMissingResource(t *testing.T) {
	ls := NewLocalStorage(t.TempDir())

	err := ls.Download(context.Background(), "/no/such/file", filepath.Join(t.TempDir(), "dst"), true)
	require.ErrorIs(t, err, resource.ErrResourceNotFound)
}

func TestLocalStorage_Delete(t *testing.T) {
	base := t.TempDir()
	ls := NewLocalStorage(base)
	ctx := context.Background()

	require.NoError(t, ls.CreateTenantDirIfNotExists(ctx, "tenant-a"))

	full := ls.ResourceFullName("tenant-a", "etl.sql")
	require.NoError(t, os.WriteFile(full, []byte("select 1"), 0o644))

	require.NoError(t, ls.Delete(ctx, full))

	exists, err := ls.Exists(ctx, full)
	require.NoError(t, err)
	require.False(t, exists)

	// Deleting a missing resource is not an error.
	require.NoError(t, ls.Delete(ctx, full))
}
