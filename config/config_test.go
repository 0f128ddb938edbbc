package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 30.0, cfg.Express.Tolerance)
	assert.Equal(t, 1.0, cfg.Express.Feather)
	assert.Equal(t, int64(20*1024*1024), cfg.Upload.MaxSize)
	assert.Equal(t, int64(50_000_000), cfg.Upload.MaxPixels)
	assert.Contains(t, cfg.Upload.AllowedTypes, "image/png")
	assert.Equal(t, time.Second, cfg.Deep.PollInterval)
	assert.Equal(t, 1024, cfg.Deep.MaxSide)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, "@every 1m", cfg.Session.SweepSpec)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: ":9090"
express:
  tolerance: 55
  feather: 4
deep:
  base_url: http://comfy:8188
  poll_interval: 250ms
upload:
  max_size: 1024
  allowed_types: [image/png]
resource:
  driver: disk
  dir: /tmp/res
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, 55.0, cfg.Express.Tolerance)
	assert.Equal(t, 4.0, cfg.Express.Feather)
	assert.Equal(t, "http://comfy:8188", cfg.Deep.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Deep.PollInterval)
	assert.Equal(t, int64(1024), cfg.Upload.MaxSize)
	assert.Equal(t, []string{"image/png"}, cfg.Upload.AllowedTypes)
	assert.Equal(t, "disk", cfg.Resource.Driver)
	// 未覆盖的字段保持默认
	assert.Equal(t, 180, cfg.Deep.MaxPolls)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "tolerance 为 0", yaml: "express:\n  tolerance: 0\n"},
		{name: "feather 为负", yaml: "express:\n  feather: -2\n"},
		{name: "max_pixels 为负", yaml: "upload:\n  max_pixels: -1\n"},
		{name: "未知缓存驱动", yaml: "cache:\n  driver: memcached\n"},
		{name: "disk 缺目录", yaml: "resource:\n  driver: disk\n  dir: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("BGREMOVER_EXPRESS_TOLERANCE", "77")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 77.0, cfg.Express.Tolerance)
}
