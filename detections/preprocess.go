package detections

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// BlobParams fixes how an image is turned into the network's input tensor.
// These follow the model's training recipe and are not tuned at runtime.
type BlobParams struct {
	Width, Height int
	Scale         float32
	// Mean is subtracted before scaling, indexed by output plane.
	Mean [3]float32
	// SwapRB writes planes in B,G,R order. Decoded images are RGB.
	SwapRB bool
}

// DefaultBlobParams matches the YOLOv3 recipe: 416x416, 1/255, no mean, RGB.
func DefaultBlobParams() BlobParams {
	return BlobParams{
		Width:  InputWidth,
		Height: InputHeight,
		Scale:  1.0 / 255.0,
	}
}

func (p BlobParams) Size() int {
	return InputChannels * p.Width * p.Height
}

// Preprocessor writes planar NCHW float32 blobs, splitting rows across workers.
type Preprocessor struct {
	params     BlobParams
	numWorkers int
}

func NewPreprocessor(params BlobParams) *Preprocessor {
	return &Preprocessor{
		params:     params,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

func (p *Preprocessor) Params() BlobParams {
	return p.params
}

// Resize stretches img to the input size without cropping.
func (p *Preprocessor) Resize(img image.Image) *image.NRGBA {
	return imaging.Resize(img, p.params.Width, p.params.Height, imaging.Linear)
}

// Process fills dst from an image already at the input size (see Resize).
func (p *Preprocessor) Process(img *image.NRGBA, dst []float32) error {
	if len(dst) != p.params.Size() {
		return fmt.Errorf("blob buffer length %d, want %d", len(dst), p.params.Size())
	}
	b := img.Bounds()
	if b.Dx() != p.params.Width || b.Dy() != p.params.Height {
		return fmt.Errorf("image is %dx%d, want %dx%d", b.Dx(), b.Dy(), p.params.Width, p.params.Height)
	}

	workers := p.numWorkers
	if workers > p.params.Height {
		workers = p.params.Height
	}
	if workers < 1 {
		workers = 1
	}
	rowsPerWorker := p.params.Height / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.params.Height
		}
		go func(start, end int) {
			defer wg.Done()
			p.processRows(img, dst, start, end)
		}(startRow, endRow)
	}
	wg.Wait()
	return nil
}

func (p *Preprocessor) processRows(img *image.NRGBA, dst []float32, start, end int) {
	channelSize := p.params.Width * p.params.Height
	first, third := 0, 2
	if p.params.SwapRB {
		first, third = 2, 0
	}
	mean, scale := p.params.Mean, p.params.Scale

	for y := start; y < end; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+p.params.Width*4]
		offset := y * p.params.Width
		for x := 0; x < p.params.Width; x++ {
			i := offset + x
			r, g, b := float32(src[x*4]), float32(src[x*4+1]), float32(src[x*4+2])
			dst[first*channelSize+i] = (r - mean[first]) * scale
			dst[channelSize+i] = (g - mean[1]) * scale
			dst[third*channelSize+i] = (b - mean[third]) * scale
		}
	}
}

// Blob resizes img and returns a freshly allocated input blob.
func Blob(img image.Image, params BlobParams) ([]float32, error) {
	p := NewPreprocessor(params)
	dst := make([]float32, params.Size())
	if err := p.Process(p.Resize(img), dst); err != nil {
		return nil, err
	}
	return dst, nil
}
