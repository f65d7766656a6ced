package submission

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Tutortoise/detection-submitter/models"
)

const (
	DefaultFileName = "test_detected_boxes.json"
	SubmissionURL   = "https://tdt4265-annotering.idi.ntnu.no/submissions/"
)

// Record is one detection in the portal's COCO-style result format.
type Record struct {
	ImageID    int     `json:"image_id"`
	CategoryID int     `json:"category_id"`
	BBox       [4]int  `json:"bbox"` // x, y, width, height
	Score      float64 `json:"score"`
}

func FromDetection(imageID int, det models.Detection) Record {
	x1, y1, x2, y2 := det.Box[0], det.Box[1], det.Box[2], det.Box[3]
	return Record{
		ImageID:    imageID,
		CategoryID: det.Label,
		BBox:       [4]int{int(x1), int(y1), int(x2 - x1), int(y2 - y1)},
		Score:      float64(det.Score),
	}
}

func FromDetections(imageID int, dets []models.Detection) []Record {
	records := make([]Record, len(dets))
	for i, d := range dets {
		records[i] = FromDetection(imageID, d)
	}
	return records
}

// Write stores records as a JSON array at path and returns its absolute path.
func Write(path string, records []Record) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	if records == nil {
		records = []Record{}
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if err := json.NewEncoder(f).Encode(records); err != nil {
		f.Close()
		return "", fmt.Errorf("encode detections: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func Announce(w io.Writer, path, abs string) {
	fmt.Fprintln(w, "Detections saved to:", path)
	fmt.Fprintln(w, "Absolute path:", abs)
	fmt.Fprintf(w, "Go to: %s to submit your result\n", SubmissionURL)
}
