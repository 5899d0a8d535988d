package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Hanbin/density/detections"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig([]string{"density"})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, detections.DefaultLayers, cfg.Layers)
	assert.Equal(t, detections.PersonClassID, cfg.TargetClass)
	assert.Equal(t, float32(0.5), cfg.Threshold)
	assert.Equal(t, 416, cfg.InputSize)
	assert.Equal(t, detections.BoxDescriptorLen, cfg.BoxLen)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
	assert.False(t, cfg.Debug)

	c := cfg.Counter()
	assert.Equal(t, detections.NewCounter(0, 0.5), c)

	blob := cfg.BlobParams()
	assert.Equal(t, detections.DefaultBlobParams(), blob)
}

func TestLoadConfigFlags(t *testing.T) {
	cfg, err := loadConfig([]string{
		"density",
		"--addr", "127.0.0.1:9000",
		"--layers", "output0:8400x84",
		"--channel-major",
		"--box-len", "4",
		"--input-size", "640",
		"--threshold", "0.25",
		"--pool-size", "2",
		"--debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, []detections.LayerSpec{{Name: "output0", Rows: 8400, Cols: 84, ChannelMajor: true}}, cfg.Layers)
	assert.Equal(t, 4, cfg.BoxLen)
	assert.Equal(t, float32(0.25), cfg.Threshold)
	assert.Equal(t, 640, cfg.SessionConfig().Blob.Width)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("DENSITY_THRESHOLD", "0.75")
	t.Setenv("DENSITY_TARGET_CLASS", "2")
	t.Setenv("DEBUG", "true")

	cfg, err := loadConfig([]string{"density"})
	require.NoError(t, err)
	assert.Equal(t, float32(0.75), cfg.Threshold)
	assert.Equal(t, 2, cfg.TargetClass)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigEnvFlags(t *testing.T) {
	t.Setenv("DENSITY_LAYERS", "output0:8400x84")
	t.Setenv("DENSITY_BOX_LEN", "4")
	t.Setenv("DENSITY_INPUT_SIZE", "640")
	t.Setenv("DENSITY_CHANNEL_MAJOR", "true")
	t.Setenv("DENSITY_BOX_PIXELS", "1")
	t.Setenv("DEBUG", "true")

	cfg, err := loadConfig([]string{"density"})
	require.NoError(t, err)
	require.Len(t, cfg.Layers, 1)
	assert.True(t, cfg.Layers[0].ChannelMajor)
	assert.True(t, cfg.BoxPixels)
	assert.True(t, cfg.Debug)
	assert.Equal(t, float32(640), cfg.Counter().BoxExtent)
}

func TestLoadConfigEnvFlagsOff(t *testing.T) {
	t.Setenv("DENSITY_CHANNEL_MAJOR", "false")
	t.Setenv("DEBUG", "no")

	cfg, err := loadConfig([]string{"density", "--channel-major"})
	require.NoError(t, err)
	assert.True(t, cfg.Layers[0].ChannelMajor, "command line wins over a false env value")
	assert.False(t, cfg.Debug)
	assert.Equal(t, float32(1), cfg.Counter().BoxExtent)
}

func TestLoadConfigInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"density", "--threshold", "1.5"},
		{"density", "--threshold", "-0.1"},
		{"density", "--target-class", "-1"},
		{"density", "--pool-size", "0"},
		{"density", "--layers", "bogus"},
		{"density", "--layers", "out:10x5"},
		{"density", "--target-class", "80"},
	} {
		cfg, err := loadConfig(args)
		assert.Error(t, err, "%v", args)
		assert.Nil(t, cfg, "%v", args)
	}
}

func TestCheckFiles(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "yolov3.onnx")
	lib := filepath.Join(dir, "libonnxruntime.so")

	cfg := &Config{ModelPath: model, LibraryPath: lib}
	assert.Error(t, cfg.checkFiles())

	require.NoError(t, os.WriteFile(model, []byte("onnx"), 0o644))
	assert.Error(t, cfg.checkFiles())

	require.NoError(t, os.WriteFile(lib, []byte("so"), 0o644))
	assert.NoError(t, cfg.checkFiles())
}
