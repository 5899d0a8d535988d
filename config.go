package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Hanbin/density/detections"

	"github.com/akamensky/argparse"
)

type Config struct {
	Addr         string
	ModelPath    string
	LibraryPath  string
	InputName    string
	Layers       []detections.LayerSpec
	BoxLen       int
	BoxPixels    bool
	InputSize    int
	TargetClass  int
	Threshold    float32
	PoolSize     int
	Threads      int
	TempDir      string
	UploadLimit  int
	UploadWindow time.Duration
	Debug        bool
}

func (c *Config) BlobParams() detections.BlobParams {
	p := detections.DefaultBlobParams()
	p.Width = c.InputSize
	p.Height = c.InputSize
	return p
}

func (c *Config) SessionConfig() detections.SessionConfig {
	return detections.SessionConfig{
		ModelPath: c.ModelPath,
		InputName: c.InputName,
		Layers:    c.Layers,
		Blob:      c.BlobParams(),
		Threads:   c.Threads,
	}
}

func (c *Config) Counter() detections.Counter {
	counter := detections.Counter{
		TargetClass:      c.TargetClass,
		Threshold:        c.Threshold,
		BoxDescriptorLen: c.BoxLen,
		BoxExtent:        1,
	}
	if c.BoxPixels {
		counter.BoxExtent = float32(c.InputSize)
	}
	return counter
}

// loadConfig parses command line arguments, falling back to environment
// variables for anything not given on the command line.
func loadConfig(args []string) (*Config, error) {
	parser := argparse.NewParser("density", "Crowd density estimation from uploaded images")
	addr := parser.String("", "addr", &argparse.Options{Help: "HTTP listen address", Default: getEnv("DENSITY_ADDR", ":8080")})
	model := parser.String("m", "model", &argparse.Options{Help: "Path to ONNX model file", Default: getEnv("DENSITY_MODEL", "./models/yolov3.onnx")})
	lib := parser.String("", "ort-lib", &argparse.Options{Help: "Path to the onnxruntime shared library", Default: getEnv("ONNXRUNTIME_LIB", defaultLibraryPath())})
	inputName := parser.String("", "input-name", &argparse.Options{Help: "Name of the model input", Default: getEnv("DENSITY_INPUT", "images")})
	layers := parser.String("l", "layers", &argparse.Options{Help: "Output layers as name:ROWSxCOLS,...", Default: getEnv("DENSITY_LAYERS", detections.FormatLayerSpecs(detections.DefaultLayers))})
	channelMajor := parser.Flag("", "channel-major", &argparse.Options{Help: "Output layers are laid out COLSxROWS (YOLOv8 exports); env DENSITY_CHANNEL_MAJOR"})
	boxPixels := parser.Flag("", "box-pixels", &argparse.Options{Help: "Box sizes are in input pixels rather than normalized; env DENSITY_BOX_PIXELS"})
	boxLen := parser.Int("", "box-len", &argparse.Options{Help: "Values before the class scores in each row", Default: getEnvInt("DENSITY_BOX_LEN", detections.BoxDescriptorLen)})
	inputSize := parser.Int("", "input-size", &argparse.Options{Help: "Square network input size in pixels", Default: getEnvInt("DENSITY_INPUT_SIZE", detections.InputWidth)})
	target := parser.Int("", "target-class", &argparse.Options{Help: "Class index to count", Default: getEnvInt("DENSITY_TARGET_CLASS", detections.PersonClassID)})
	threshold := parser.Float("t", "threshold", &argparse.Options{Help: "Confidence threshold in [0,1]", Default: getEnvFloat("DENSITY_THRESHOLD", detections.ConfThreshold)})
	poolSize := parser.Int("", "pool-size", &argparse.Options{Help: "Number of model sessions", Default: getEnvInt("DENSITY_POOL_SIZE", DefaultPoolSize)})
	threads := parser.Int("", "threads", &argparse.Options{Help: "Inference threads per session (0 = all CPUs)", Default: getEnvInt("DENSITY_THREADS", 0)})
	tmpDir := parser.String("", "tmp-dir", &argparse.Options{Help: "Directory for staged uploads", Default: getEnv("DENSITY_TMP_DIR", os.TempDir())})
	uploadLimit := parser.Int("", "rate-limit", &argparse.Options{Help: "Uploads allowed per client per minute (0 = unlimited)", Default: getEnvInt("DENSITY_RATE_LIMIT", 30)})
	debug := parser.Flag("d", "debug", &argparse.Options{Help: "Log request timings; env DEBUG"})

	if err := parser.Parse(args); err != nil {
		return nil, errors.New(parser.Usage(err))
	}

	// argparse drops a true default on flags, so the environment is
	// applied after parsing.
	isChannelMajor := *channelMajor || getEnvBool("DENSITY_CHANNEL_MAJOR")
	isBoxPixels := *boxPixels || getEnvBool("DENSITY_BOX_PIXELS")

	specs, err := detections.ParseLayerSpecs(*layers, isChannelMajor)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:         *addr,
		ModelPath:    filepath.Clean(*model),
		LibraryPath:  *lib,
		InputName:    *inputName,
		Layers:       specs,
		BoxLen:       *boxLen,
		InputSize:    *inputSize,
		TargetClass:  *target,
		Threshold:    float32(*threshold),
		PoolSize:     *poolSize,
		Threads:      *threads,
		TempDir:      *tmpDir,
		UploadLimit:  *uploadLimit,
		UploadWindow: time.Minute,
		BoxPixels:    isBoxPixels,
		Debug:        *debug || getEnvBool("DEBUG"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("threshold %v outside [0,1]", c.Threshold)
	case c.TargetClass < 0:
		return fmt.Errorf("target class %d is negative", c.TargetClass)
	case c.BoxLen < 0:
		return fmt.Errorf("box length %d is negative", c.BoxLen)
	case c.InputSize <= 0:
		return fmt.Errorf("input size %d must be positive", c.InputSize)
	case c.PoolSize <= 0:
		return fmt.Errorf("pool size %d must be positive", c.PoolSize)
	case c.UploadLimit < 0:
		return fmt.Errorf("rate limit %d is negative", c.UploadLimit)
	}
	for _, l := range c.Layers {
		if l.Cols <= c.BoxLen+c.TargetClass {
			return fmt.Errorf("layer %s has no score column for class %d", l, c.TargetClass)
		}
	}
	return nil
}

// checkFiles fails fast when the model or runtime library is missing, so
// the server never starts without a usable model.
func (c *Config) checkFiles() error {
	if _, err := os.Stat(c.ModelPath); err != nil {
		return fmt.Errorf("model file not found: %w", err)
	}
	if _, err := os.Stat(c.LibraryPath); err != nil {
		return fmt.Errorf("onnxruntime library not found: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}
