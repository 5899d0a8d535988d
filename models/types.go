package models

import "time"

// DensityResult is what the upload boundary hands back for rendering.
type DensityResult struct {
	Count   int    `json:"count"`
	Message string `json:"density"`
	OK      bool   `json:"ok"`
	// AreaRatio is the counted boxes' summed area over the frame area.
	AreaRatio float64 `json:"area_ratio"`
}

type ProcessingTimings struct {
	RequestID   string
	Stage       time.Duration
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Count       time.Duration
	Total       time.Duration
}
