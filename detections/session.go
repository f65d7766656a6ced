package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/detection-submitter/models"

	ort "github.com/yalue/onnxruntime_go"
)

// Detector runs the detection model on one image. Implementations are not
// safe for concurrent use; the pool hands each one to a single caller.
type Detector interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
	Destroy()
}

type SessionOptions struct {
	ModelPath      string
	InputName      string
	OutputNames    []string // boxes, labels, scores
	ImageSize      int
	PixelMean      []float32
	PixelStd       []float32
	MaxPerImage    int
	NumClasses     int // including background
	Threshold      float32
	IntraOpThreads int
}

type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Boxes   *ort.Tensor[float32]
	Labels  *ort.Tensor[int64]
	Scores  *ort.Tensor[float32]

	transform  *Transform
	threshold  float32
	numClasses int
}

// NewModelSession loads the model at opts.ModelPath. The onnxruntime
// environment must already be initialised.
func NewModelSession(opts SessionOptions) (*ModelSession, error) {
	if len(opts.OutputNames) != 3 {
		return nil, fmt.Errorf("need 3 output names, got %d", len(opts.OutputNames))
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}

	m := &ModelSession{
		transform:  NewTransform(opts.ImageSize, opts.PixelMean, opts.PixelStd),
		threshold:  opts.Threshold,
		numClasses: opts.NumClasses,
	}

	k := int64(opts.MaxPerImage)
	size := int64(opts.ImageSize)

	if m.Input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size)); err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	if m.Boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(1, k, 4)); err != nil {
		m.Destroy()
		return nil, fmt.Errorf("error creating boxes tensor: %w", err)
	}
	if m.Labels, err = ort.NewEmptyTensor[int64](ort.NewShape(1, k)); err != nil {
		m.Destroy()
		return nil, fmt.Errorf("error creating labels tensor: %w", err)
	}
	if m.Scores, err = ort.NewEmptyTensor[float32](ort.NewShape(1, k)); err != nil {
		m.Destroy()
		return nil, fmt.Errorf("error creating scores tensor: %w", err)
	}

	m.Session, err = ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		opts.OutputNames,
		[]ort.ArbitraryTensor{m.Input},
		[]ort.ArbitraryTensor{m.Boxes, m.Labels, m.Scores},
		options,
	)
	if err != nil {
		m.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return m, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Boxes != nil {
		m.Boxes.Destroy()
	}
	if m.Labels != nil {
		m.Labels.Destroy()
	}
	if m.Scores != nil {
		m.Scores.Destroy()
	}
}

func (m *ModelSession) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	return ProcessImage(ctx, func() ([]models.Detection, error) {
		return m.detectOnce(img, timings)
	})
}

func (m *ModelSession) detectOnce(img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	resizeStart := time.Now()
	resized := m.transform.Resize(img)
	timings.Resize = time.Since(resizeStart)

	prepStart := time.Now()
	m.transform.Apply(resized, m.Input.GetData())
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := m.Session.Run(); err != nil {
		return nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	bounds := img.Bounds()
	detections, err := decodeOutputs(Outputs{
		Boxes:  m.Boxes.GetData(),
		Labels: m.Labels.GetData(),
		Scores: m.Scores.GetData(),
	}, m.threshold, m.numClasses, m.transform.Size(), bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, &ProcessingError{Message: "process predictions", Cause: err}
	}
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// ProcessImage runs attempt up to RetryAttempts times with linear backoff.
func ProcessImage(ctx context.Context, attempt func() ([]models.Detection, error)) ([]models.Detection, error) {
	var lastErr error

	for i := 1; i <= RetryAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dets, err := attempt()
		if err == nil {
			return dets, nil
		}
		lastErr = err

		if i < RetryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * RetryDelayMs * time.Millisecond):
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("unknown error")
}
