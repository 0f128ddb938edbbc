package resource

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	disk, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"disk":   disk,
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h, err := s.Put("cat_transparent.png", "image/png", []byte("png-bytes"))
			require.NoError(t, err)
			assert.NotEmpty(t, h.ID)
			assert.Equal(t, int64(9), h.Size)
			assert.Equal(t, 1, s.Len())

			rc, got, err := s.Open(h.ID)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			_ = rc.Close()

			assert.Equal(t, "png-bytes", string(data))
			assert.Equal(t, h.Name, got.Name)
			assert.Equal(t, "image/png", got.ContentType)

			require.NoError(t, s.Release(h.ID))
			assert.Equal(t, 0, s.Len())

			// 重复释放不报错，也不会把计数减成负数
			require.NoError(t, s.Release(h.ID))
			assert.Equal(t, 0, s.Len())

			_, _, err = s.Open(h.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDiskStore_RejectsPathTraversal(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.Open("../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Release("../etc/passwd"))
}

func TestNewDiskStore_KeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	old, err := NewDiskStore(dir)
	require.NoError(t, err)
	h, err := old.Put("a.png", "image/png", []byte("stale"))
	require.NoError(t, err)

	foreign := []string{"holiday_transparent.png", "notes.json", "backup.bin", "README"}
	for _, name := range foreign {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("keep"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, ksuid.New().String()+".bin"), 0o755))

	_, err = NewDiskStore(dir)
	require.NoError(t, err)

	for _, name := range foreign {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.NoFileExists(t, filepath.Join(dir, h.ID+".bin"))
	assert.NoFileExists(t, filepath.Join(dir, h.ID+".json"))
}
