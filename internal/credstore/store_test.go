package credstore

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/station-remote/internal/domain"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.ini")
	store := NewFileStore(path)

	creds, err := store.Load()
	require.NoError(t, err)
	assert.True(t, creds.Empty())

	want := domain.Credentials{
		AuthToken:  "y0_token",
		CookieBlob: `[{"Name":"Session_id","Value":"3:16;x#y","Domain":"yandex.ru"}]`,
	}
	require.NoError(t, store.Save(want))

	got, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestFileStoreSaveEmptyClears(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.ini"))
	require.NoError(t, store.Save(domain.Credentials{AuthToken: "t", CookieBlob: "[]"}))
	require.NoError(t, store.Save(domain.Credentials{}))

	got, err := store.Load()
	require.NoError(t, err)
	assert.True(t, got.Empty())
}

func TestFileStoreRejectsCorruptBlob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.ini")
	require.NoError(t, os.WriteFile(path, []byte("[credentials]\ncookies = !!!not-base64\n"), 0o600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}
