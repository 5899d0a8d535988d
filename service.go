package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Hanbin/density/detections"
	"github.com/Hanbin/density/models"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"
)

// sessionRunner is implemented by *ModelSessionPool.
type sessionRunner interface {
	Use(ctx context.Context, fn func(inferenceSession) error) error
}

// DensityService turns an uploaded image into a crowd density message.
// Failures never propagate: each one becomes a fixed message.
type DensityService struct {
	runner  sessionRunner
	counter detections.Counter
	tmpDir  string
	log     *logrus.Logger
	metrics *Metrics
}

func NewDensityService(log *logrus.Logger, runner sessionRunner, counter detections.Counter, tmpDir string, metrics *Metrics) *DensityService {
	return &DensityService{
		runner:  runner,
		counter: counter,
		tmpDir:  tmpDir,
		log:     log,
		metrics: metrics,
	}
}

func (s *DensityService) ProcessUpload(ctx context.Context, src io.Reader, filename string) models.DensityResult {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: fmt.Sprintf("%d", time.Now().UnixNano())}
	log := s.log.WithFields(logrus.Fields{"request_id": timings.RequestID, "filename": filename})

	stageStart := time.Now()
	path, cleanup, err := stageUpload(s.tmpDir, filename, src)
	timings.Stage = time.Since(stageStart)
	if err != nil {
		log.WithError(err).Error("failed to stage upload")
		return s.fail(resultUploadFailed, MsgUploadFailed)
	}
	defer cleanup()

	decodeStart := time.Now()
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		log.WithError(err).Warn("failed to decode image")
		return s.fail(resultDecodeFailed, MsgImageLoadFailed)
	}

	summary, err := s.countPeople(ctx, img, timings)
	if err != nil {
		log.WithError(err).Error("inference failed")
		return s.fail(resultInferenceFailed, MsgInferenceFailed)
	}

	timings.Total = time.Since(startTotal)
	logTimings(log, timings)
	s.metrics.observe(resultOK, summary.Count, timings)

	return models.DensityResult{
		Count:     summary.Count,
		Message:   densityMessage(summary.Count),
		OK:        true,
		AreaRatio: summary.AreaRatio,
	}
}

// countPeople counts while the session is still held, since the batch
// aliases the session's output tensors.
func (s *DensityService) countPeople(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (detections.Summary, error) {
	var summary detections.Summary
	err := s.runner.Use(ctx, func(session inferenceSession) error {
		batch, err := session.Detect(img, timings)
		if err != nil {
			return err
		}
		countStart := time.Now()
		summary, err = s.counter.Summarize(batch)
		timings.Count = time.Since(countStart)
		return err
	})
	return summary, err
}

func (s *DensityService) fail(result, message string) models.DensityResult {
	s.metrics.observe(result, 0, nil)
	return models.DensityResult{Message: message}
}

// stageUpload copies src into a new temp file. The returned cleanup removes
// the file and must be called on every path once err is nil.
func stageUpload(dir, filename string, src io.Reader) (string, func(), error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if strings.ContainsAny(ext, `*/\`) {
		ext = ""
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("density-%d-*%s", time.Now().UnixMilli(), ext))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close upload: %w", err)
	}
	return path, cleanup, nil
}

func logTimings(log *logrus.Entry, t *models.ProcessingTimings) {
	log.WithFields(logrus.Fields{
		"stage":      t.Stage,
		"decode":     t.ImageDecode,
		"resize":     t.Resize,
		"preprocess": t.Preprocess,
		"inference":  t.Inference,
		"count":      t.Count,
		"total":      t.Total,
	}).Debug("processing times")
}
