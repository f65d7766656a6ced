package models

import "time"

// Detection is a single box in original-image pixel coordinates (x1, y1, x2, y2).
type Detection struct {
	Box   [4]float32
	Label int
	Score float32
}

type ProcessingTimings struct {
	ImageID     int
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
