package detections

const (
	InputWidth    = 416
	InputHeight   = 416
	InputChannels = 3
	ConfThreshold = 0.5

	// BoxDescriptorLen is the number of leading values in a YOLOv3 row
	// (cx, cy, w, h, objectness) before the per-class scores.
	BoxDescriptorLen = 5

	// PersonClassID is "person" in the COCO label set.
	PersonClassID = 0
)

// DefaultLayers are the three YOLOv3 detection heads at a 416x416 input.
var DefaultLayers = []LayerSpec{
	{Name: "yolo_82", Rows: 507, Cols: 85},
	{Name: "yolo_94", Rows: 2028, Cols: 85},
	{Name: "yolo_106", Rows: 8112, Cols: 85},
}
