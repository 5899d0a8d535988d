package detections

import "fmt"

// Detection is one row of raw network output: a box descriptor prefix
// followed by one confidence score per class.
type Detection []float32

// Layer holds the rows emitted by a single named output.
type Layer struct {
	Name string
	Rows []Detection
}

// Batch is the full network output for one image, one entry per output layer.
type Batch []Layer

// Len returns the total number of rows across all layers.
func (b Batch) Len() int {
	n := 0
	for _, l := range b {
		n += len(l.Rows)
	}
	return n
}

// ValidationError reports a detection row (or counter setting) that cannot be counted.
type ValidationError struct {
	Layer  string
	Row    int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Layer == "" && e.Row < 0 {
		return "invalid detections: " + e.Reason
	}
	return fmt.Sprintf("invalid detection row %d in layer %q: %s", e.Row, e.Layer, e.Reason)
}

// Counter reduces a Batch to the number of rows whose best class is
// TargetClass with a score strictly above Threshold.
//
// Overlapping boxes are not merged: every qualifying row is counted, so
// one person covered by two anchors above threshold counts twice.
type Counter struct {
	TargetClass      int
	Threshold        float32
	BoxDescriptorLen int
	// BoxExtent is the input side length box sizes are measured in:
	// 1 for normalized boxes, the input size for pixel boxes.
	BoxExtent float32
}

// Summary is the reduction of one Batch.
type Summary struct {
	Count int
	// AreaRatio is the summed w*h of counted boxes over the frame area.
	// Overlaps are not subtracted, so it can exceed 1.
	AreaRatio float64
}

// NewCounter returns a Counter for the YOLOv3 row layout with normalized boxes.
func NewCounter(targetClass int, threshold float32) Counter {
	return Counter{
		TargetClass:      targetClass,
		Threshold:        threshold,
		BoxDescriptorLen: BoxDescriptorLen,
		BoxExtent:        1,
	}
}

// Count is shorthand for NewCounter(targetClass, threshold).Count(batch).
func Count(batch Batch, targetClass int, threshold float32) (int, error) {
	return NewCounter(targetClass, threshold).Count(batch)
}

func (c Counter) Count(batch Batch) (int, error) {
	s, err := c.Summarize(batch)
	return s.Count, err
}

// Summarize walks every row of every layer. It fails on the first row that
// has no class-score segment rather than skipping it. Box area is only
// accumulated when the prefix holds at least cx, cy, w, h.
func (c Counter) Summarize(batch Batch) (Summary, error) {
	if c.TargetClass < 0 {
		return Summary{}, &ValidationError{Row: -1, Reason: fmt.Sprintf("negative target class %d", c.TargetClass)}
	}
	if c.BoxDescriptorLen < 0 {
		return Summary{}, &ValidationError{Row: -1, Reason: fmt.Sprintf("negative box descriptor length %d", c.BoxDescriptorLen)}
	}
	extent := float64(c.BoxExtent)
	if extent <= 0 {
		extent = 1
	}
	hasBox := c.BoxDescriptorLen >= 4

	var s Summary
	var area float64
	for _, layer := range batch {
		for i, row := range layer.Rows {
			if len(row) <= c.BoxDescriptorLen {
				return Summary{}, &ValidationError{
					Layer:  layer.Name,
					Row:    i,
					Reason: fmt.Sprintf("row has %d values, need more than %d", len(row), c.BoxDescriptorLen),
				}
			}
			classID, score := argMax(row[c.BoxDescriptorLen:])
			if score > c.Threshold && classID == c.TargetClass {
				s.Count++
				if hasBox {
					area += float64(row[2]) * float64(row[3])
				}
			}
		}
	}
	s.AreaRatio = area / (extent * extent)
	return s, nil
}

// argMax returns the index and value of the largest score. The first
// index wins on ties. scores must be non-empty.
func argMax(scores []float32) (int, float32) {
	best, bestScore := 0, scores[0]
	for i := 1; i < len(scores); i++ {
		if scores[i] > bestScore {
			best, bestScore = i, scores[i]
		}
	}
	return best, bestScore
}
