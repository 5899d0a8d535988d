package detections

import (
	"fmt"
	"strconv"
	"strings"
)

// LayerSpec describes one named output tensor of the network.
//
// Row-major outputs (Darknet/YOLOv3 exports) are laid out as Rows x Cols.
// Channel-major outputs (YOLOv8 exports) are laid out as Cols x Rows, with
// each row's values strided Rows apart.
type LayerSpec struct {
	Name         string
	Rows         int
	Cols         int
	ChannelMajor bool
}

func (s LayerSpec) Size() int {
	return s.Rows * s.Cols
}

func (s LayerSpec) String() string {
	return fmt.Sprintf("%s:%dx%d", s.Name, s.Rows, s.Cols)
}

// DecodeLayer splits a flat output tensor into detection rows.
// Row-major rows alias data; channel-major rows are copied.
func DecodeLayer(data []float32, spec LayerSpec) (Layer, error) {
	if spec.Rows <= 0 || spec.Cols <= 0 {
		return Layer{}, fmt.Errorf("layer %q: invalid shape %dx%d", spec.Name, spec.Rows, spec.Cols)
	}
	if len(data) != spec.Size() {
		return Layer{}, fmt.Errorf("layer %q: unexpected output length: got %d, want %d", spec.Name, len(data), spec.Size())
	}

	rows := make([]Detection, spec.Rows)
	if !spec.ChannelMajor {
		for i := range rows {
			rows[i] = Detection(data[i*spec.Cols : (i+1)*spec.Cols : (i+1)*spec.Cols])
		}
		return Layer{Name: spec.Name, Rows: rows}, nil
	}

	flat := make([]float32, spec.Size())
	for i := range rows {
		row := flat[i*spec.Cols : (i+1)*spec.Cols : (i+1)*spec.Cols]
		for c := 0; c < spec.Cols; c++ {
			row[c] = data[c*spec.Rows+i]
		}
		rows[i] = row
	}
	return Layer{Name: spec.Name, Rows: rows}, nil
}

// DecodeOutputs decodes output tensors in the order the layers were bound.
func DecodeOutputs(outputs [][]float32, specs []LayerSpec) (Batch, error) {
	if len(outputs) != len(specs) {
		return nil, fmt.Errorf("got %d outputs for %d layers", len(outputs), len(specs))
	}
	batch := make(Batch, 0, len(specs))
	for i, spec := range specs {
		layer, err := DecodeLayer(outputs[i], spec)
		if err != nil {
			return nil, err
		}
		batch = append(batch, layer)
	}
	return batch, nil
}

// ParseLayerSpecs parses a comma-separated list of name:ROWSxCOLS entries,
// e.g. "yolo_82:507x85,yolo_94:2028x85".
func ParseLayerSpecs(s string, channelMajor bool) ([]LayerSpec, error) {
	var specs []LayerSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, shape, ok := strings.Cut(part, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("layer %q: expected name:ROWSxCOLS", part)
		}
		rowsStr, colsStr, ok := strings.Cut(strings.ToLower(shape), "x")
		if !ok {
			return nil, fmt.Errorf("layer %q: expected ROWSxCOLS shape", part)
		}
		rows, err := strconv.Atoi(rowsStr)
		if err != nil || rows <= 0 {
			return nil, fmt.Errorf("layer %q: invalid row count %q", part, rowsStr)
		}
		cols, err := strconv.Atoi(colsStr)
		if err != nil || cols <= 0 {
			return nil, fmt.Errorf("layer %q: invalid column count %q", part, colsStr)
		}
		specs = append(specs, LayerSpec{Name: name, Rows: rows, Cols: cols, ChannelMajor: channelMajor})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no output layers in %q", s)
	}
	return specs, nil
}

// FormatLayerSpecs is the inverse of ParseLayerSpecs.
func FormatLayerSpecs(specs []LayerSpec) string {
	parts := make([]string, len(specs))
	for i, s := range specs {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}
