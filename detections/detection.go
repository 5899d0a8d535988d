package detections

import (
	"errors"
	"fmt"
	"image"
	"runtime"
	"time"

	"github.com/Hanbin/density/models"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// SessionConfig describes how to bind a model file to input and output tensors.
type SessionConfig struct {
	ModelPath string
	InputName string
	Layers    []LayerSpec
	Blob      BlobParams
	// Threads caps intra- and inter-op threads; zero means runtime.NumCPU().
	Threads int
}

// ModelSession is one ONNX Runtime session with its tensors bound.
// Run writes into the shared tensors, so a ModelSession must not be used
// by more than one goroutine at a time.
type ModelSession struct {
	Session      *ort.AdvancedSession
	Input        *ort.Tensor[float32]
	Outputs      []*ort.Tensor[float32]
	layers       []LayerSpec
	preprocessor *Preprocessor
}

// Stages reported by ProcessingError.
const (
	StagePreprocess = "prepare input buffer"
	StageInference  = "model inference"
	StageDecode     = "decode output"
)

type ProcessingError struct {
	Message string
	Cause   error
}

// IsInferenceFailure reports whether err came from the runtime itself,
// after which the session should not be trusted again.
func IsInferenceFailure(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe) && pe.Message == StageInference
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// NewModelSession loads the model. ort.InitializeEnvironment must have
// been called first.
func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	if len(cfg.Layers) == 0 {
		return nil, errors.New("no output layers configured")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	m := &ModelSession{
		layers:       cfg.Layers,
		preprocessor: NewPreprocessor(cfg.Blob),
	}

	inputShape := ort.NewShape(1, InputChannels, int64(cfg.Blob.Height), int64(cfg.Blob.Width))
	m.Input, err = ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputNames := make([]string, len(cfg.Layers))
	outputs := make([]ort.Value, len(cfg.Layers))
	for i, layer := range cfg.Layers {
		shape := ort.NewShape(1, int64(layer.Rows), int64(layer.Cols))
		if layer.ChannelMajor {
			shape = ort.NewShape(1, int64(layer.Cols), int64(layer.Rows))
		}
		out, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			m.Destroy()
			return nil, fmt.Errorf("error creating output tensor %q: %w", layer.Name, err)
		}
		m.Outputs = append(m.Outputs, out)
		outputNames[i] = layer.Name
		outputs[i] = out
	}

	m.Session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		outputNames,
		[]ort.Value{m.Input},
		outputs,
		options,
	)
	if err != nil {
		m.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return m, nil
}

// Detect runs one inference and returns the raw rows of every output layer.
// Rows of row-major layers alias the output tensors and are only valid
// until the next call.
func (m *ModelSession) Detect(img image.Image, timings *models.ProcessingTimings) (Batch, error) {
	resizeStart := time.Now()
	resized := m.preprocessor.Resize(img)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	if err := m.preprocessor.Process(resized, m.Input.GetData()); err != nil {
		return nil, &ProcessingError{Message: StagePreprocess, Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := m.Session.Run(); err != nil {
		return nil, &ProcessingError{Message: StageInference, Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	outputs := make([][]float32, len(m.Outputs))
	for i, out := range m.Outputs {
		outputs[i] = out.GetData()
	}
	batch, err := DecodeOutputs(outputs, m.layers)
	if err != nil {
		return nil, &ProcessingError{Message: StageDecode, Cause: err}
	}
	return batch, nil
}

func (m *ModelSession) Destroy() error {
	var err error
	if m.Session != nil {
		err = multierr.Append(err, m.Session.Destroy())
	}
	if m.Input != nil {
		err = multierr.Append(err, m.Input.Destroy())
	}
	for _, out := range m.Outputs {
		err = multierr.Append(err, out.Destroy())
	}
	return err
}
