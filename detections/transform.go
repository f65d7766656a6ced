package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Transform resizes an image to the square model input and lays it out as
// normalised CHW float32: (v - mean) / std per channel, v in [0, 255].
type Transform struct {
	size       int
	mean       [3]float32
	invStd     [3]float32
	numWorkers int
}

func NewTransform(size int, mean, std []float32) *Transform {
	t := &Transform{
		size:       size,
		numWorkers: runtime.GOMAXPROCS(0),
	}
	for c := 0; c < 3; c++ {
		t.mean[c] = mean[c]
		t.invStd[c] = 1 / std[c]
	}
	if t.numWorkers > size {
		t.numWorkers = size
	}
	return t
}

func (t *Transform) Size() int {
	return t.size
}

// Resize scales img to the model input size.
func (t *Transform) Resize(img image.Image) *image.NRGBA {
	return imaging.Resize(img, t.size, t.size, imaging.Linear)
}

// Apply writes the normalised tensor for an already resized image into dst,
// which must hold 3*size*size values.
func (t *Transform) Apply(resized *image.NRGBA, dst []float32) {
	t.processParallel(resized, dst[:3*t.size*t.size])
}

func (t *Transform) processParallel(img *image.NRGBA, buffer []float32) {
	channelSize := t.size * t.size
	rowsPerWorker := t.size / t.numWorkers

	var wg sync.WaitGroup
	wg.Add(t.numWorkers)

	for w := 0; w < t.numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == t.numWorkers-1 {
			endRow = t.size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * t.size
				for x := 0; x < t.size; x++ {
					i := offset + x
					p := src[x*4:]
					buffer[i] = (float32(p[0]) - t.mean[0]) * t.invStd[0]
					buffer[channelSize+i] = (float32(p[1]) - t.mean[1]) * t.invStd[1]
					buffer[channelSize*2+i] = (float32(p[2]) - t.mean[2]) * t.invStd[2]
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}
