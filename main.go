package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Hanbin/density/detections"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

func newLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func logCPUFeatures(log *logrus.Logger) {
	fields := logrus.Fields{"arch": runtime.GOARCH, "cpus": runtime.NumCPU()}
	switch runtime.GOARCH {
	case "amd64", "386":
		fields["avx2"] = cpu.X86.HasAVX2
		fields["avx512"] = cpu.X86.HasAVX512F
		fields["fma"] = cpu.X86.HasFMA
	case "arm64":
		fields["asimd"] = cpu.ARM64.HasASIMD
		fields["fphp"] = cpu.ARM64.HasFPHP
	}
	log.WithFields(fields).Info("inference host")
}

func main() {
	cfg, err := loadConfig(os.Args)
	if err != nil {
		logrus.Fatal(err)
	}
	log := newLogger(cfg.Debug)

	if err := run(cfg, log); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *Config, log *logrus.Logger) error {
	// A missing model is a configuration error, not something to discover
	// on the first request.
	if err := cfg.checkFiles(); err != nil {
		return err
	}
	logCPUFeatures(log)

	ort.SetSharedLibraryPath(cfg.LibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	defer ort.DestroyEnvironment()

	sessionCfg := cfg.SessionConfig()
	log.WithFields(logrus.Fields{
		"model":  cfg.ModelPath,
		"layers": detections.FormatLayerSpecs(cfg.Layers),
		"pool":   cfg.PoolSize,
	}).Info("loading model")

	pool, err := NewModelSessionPool(log, func() (inferenceSession, error) {
		session, err := detections.NewModelSession(sessionCfg)
		if err != nil {
			return nil, err
		}
		return session, nil
	}, cfg.PoolSize)
	if err != nil {
		return err
	}
	defer pool.Destroy()

	metrics := NewMetrics()
	metrics.registerPool(pool)

	state := &AppState{
		Config:  cfg,
		Service: NewDensityService(log, pool, cfg.Counter(), cfg.TempDir, metrics),
		Metrics: metrics,
		Log:     log,
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
	}).Handler(state.routes())

	srv := &http.Server{
		Handler:      handler,
		Addr:         cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Infof("Starting server on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
