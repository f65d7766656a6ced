package detections

import (
	"fmt"
	"sort"

	"github.com/Tutortoise/detection-submitter/models"
)

// Outputs are the raw top-K tensors of the exported detector. Boxes are
// x1, y1, x2, y2 in model-input pixels; rows with a non-positive score are padding.
type Outputs struct {
	Boxes  []float32
	Labels []int64
	Scores []float32
}

// decodeOutputs keeps rows scoring at least threshold and rescales their boxes
// from the inputSize square to the original width and height. Kept labels must
// lie in [1, numClasses); 0 is the background class.
func decodeOutputs(out Outputs, threshold float32, numClasses, inputSize, origWidth, origHeight int) ([]models.Detection, error) {
	k := len(out.Scores)
	if len(out.Labels) != k || len(out.Boxes) != 4*k {
		return nil, fmt.Errorf("inconsistent outputs: %d boxes, %d labels, %d scores", len(out.Boxes)/4, len(out.Labels), k)
	}

	scaleX := float32(origWidth) / float32(inputSize)
	scaleY := float32(origHeight) / float32(inputSize)
	w, h := float32(origWidth), float32(origHeight)

	detections := make([]models.Detection, 0, k)
	for i := 0; i < k; i++ {
		score := out.Scores[i]
		if score <= 0 || score < threshold {
			continue
		}
		if label := out.Labels[i]; label < 1 || label >= int64(numClasses) {
			return nil, fmt.Errorf("row %d: label %d outside [1, %d)", i, label, numClasses)
		}
		b := out.Boxes[4*i : 4*i+4]
		detections = append(detections, models.Detection{
			Box: [4]float32{
				clamp(b[0]*scaleX, 0, w),
				clamp(b[1]*scaleY, 0, h),
				clamp(b[2]*scaleX, 0, w),
				clamp(b[3]*scaleY, 0, h),
			},
			Label: int(out.Labels[i]),
			Score: score,
		})
	}

	sortDetectionsByConfidence(detections)
	return detections, nil
}

func sortDetectionsByConfidence(detections []models.Detection) {
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Score > detections[j].Score
	})
}

func clamp(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
