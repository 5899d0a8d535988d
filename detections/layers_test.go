package detections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLayerRowMajor(t *testing.T) {
	data := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	l, err := DecodeLayer(data, LayerSpec{Name: "out", Rows: 2, Cols: 3})
	require.NoError(t, err)
	assert.Equal(t, "out", l.Name)
	require.Len(t, l.Rows, 2)
	assert.Equal(t, Detection{1, 2, 3}, l.Rows[0])
	assert.Equal(t, Detection{4, 5, 6}, l.Rows[1])
	assert.Equal(t, 3, cap(l.Rows[0]), "rows must not see their neighbours")
}

func TestDecodeLayerChannelMajor(t *testing.T) {
	// 3 values per row, 2 rows, stored one channel at a time.
	data := []float32{
		1, 4,
		2, 5,
		3, 6,
	}
	l, err := DecodeLayer(data, LayerSpec{Name: "output0", Rows: 2, Cols: 3, ChannelMajor: true})
	require.NoError(t, err)
	assert.Equal(t, Detection{1, 2, 3}, l.Rows[0])
	assert.Equal(t, Detection{4, 5, 6}, l.Rows[1])
}

func TestDecodeLayerLengthMismatch(t *testing.T) {
	_, err := DecodeLayer(make([]float32, 5), LayerSpec{Name: "out", Rows: 2, Cols: 3})
	assert.Error(t, err)

	_, err = DecodeLayer(nil, LayerSpec{Name: "out"})
	assert.Error(t, err)
}

func TestParseLayerSpecs(t *testing.T) {
	specs, err := ParseLayerSpecs("yolo_82:507x85, yolo_94:2028X85", false)
	require.NoError(t, err)
	assert.Equal(t, []LayerSpec{
		{Name: "yolo_82", Rows: 507, Cols: 85},
		{Name: "yolo_94", Rows: 2028, Cols: 85},
	}, specs)

	specs, err = ParseLayerSpecs("output0:8400x84", true)
	require.NoError(t, err)
	assert.True(t, specs[0].ChannelMajor)
}

func TestParseLayerSpecsErrors(t *testing.T) {
	for _, s := range []string{"", ",", "yolo_82", ":1x2", "a:12", "a:0x85", "a:10x-1", "a:x85"} {
		_, err := ParseLayerSpecs(s, false)
		assert.Error(t, err, s)
	}
}

func TestDefaultLayersRoundTrip(t *testing.T) {
	specs, err := ParseLayerSpecs(FormatLayerSpecs(DefaultLayers), false)
	require.NoError(t, err)
	assert.Equal(t, DefaultLayers, specs)

	rows := 0
	for _, l := range DefaultLayers {
		rows += l.Rows
	}
	assert.Equal(t, 10647, rows)
}

func TestDecodeOutputsKeepsLayerOrder(t *testing.T) {
	specs := []LayerSpec{
		{Name: "yolo_82", Rows: 1, Cols: 3},
		{Name: "yolo_94", Rows: 2, Cols: 3},
	}
	b, err := DecodeOutputs([][]float32{
		{1, 2, 3},
		{4, 5, 6, 7, 8, 9},
	}, specs)
	require.NoError(t, err)
	require.Len(t, b, 2)
	assert.Equal(t, "yolo_82", b[0].Name)
	assert.Equal(t, []Detection{{1, 2, 3}}, b[0].Rows)
	assert.Equal(t, "yolo_94", b[1].Name)
	assert.Equal(t, []Detection{{4, 5, 6}, {7, 8, 9}}, b[1].Rows)
	assert.Equal(t, 3, b.Len())
}

func TestDecodeOutputsMismatch(t *testing.T) {
	specs := []LayerSpec{{Name: "a", Rows: 1, Cols: 3}, {Name: "b", Rows: 1, Cols: 3}}

	_, err := DecodeOutputs([][]float32{{1, 2, 3}}, specs)
	assert.Error(t, err)

	// Swapped sizes surface as a length error on the named layer.
	_, err = DecodeOutputs([][]float32{{1, 2, 3}, {1, 2}}, specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"b"`)
}
