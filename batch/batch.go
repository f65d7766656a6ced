package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/detection-submitter/dataset"
	"github.com/Tutortoise/detection-submitter/detections"
	"github.com/Tutortoise/detection-submitter/models"
	"github.com/Tutortoise/detection-submitter/submission"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool hands out detectors for exclusive use.
type Pool interface {
	Acquire(ctx context.Context) (detections.Detector, error)
	Release(d detections.Detector)
	Discard(d detections.Detector, cause error)
}

type Options struct {
	Workers  int
	LogEvery int
	Logger   *zap.Logger
	Progress *Progress
}

// Progress counts processed images; safe for concurrent readers.
type Progress struct {
	RunID string
	total atomic.Int64
	done  atomic.Int64
}

func NewProgress(runID string) *Progress {
	return &Progress{RunID: runID}
}

func (p *Progress) Done() int64  { return p.done.Load() }
func (p *Progress) Total() int64 { return p.total.Load() }

// Run detects objects in every image and returns the submission records in
// image order, each image's records in descending score order.
func Run(ctx context.Context, pool Pool, images []dataset.Image, opts Options) ([]submission.Record, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	progress := opts.Progress
	if progress == nil {
		progress = NewProgress("")
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	logEvery := opts.LogEvery
	if logEvery < 1 {
		logEvery = 100
	}

	progress.total.Store(int64(len(images)))
	perImage := make([][]submission.Record, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, img := range images {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			records, err := processOne(gctx, pool, img, logger)
			if err != nil {
				return fmt.Errorf("image %d (%s): %w", img.ID, img.Path, err)
			}
			perImage[i] = records

			if n := progress.done.Add(1); n%int64(logEvery) == 0 || n == int64(len(images)) {
				logger.Info("inference progress",
					zap.Int64("done", n),
					zap.Int("total", len(images)))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []submission.Record
	for _, records := range perImage {
		all = append(all, records...)
	}
	return all, nil
}

func processOne(ctx context.Context, pool Pool, img dataset.Image, logger *zap.Logger) ([]submission.Record, error) {
	timings := &models.ProcessingTimings{ImageID: img.ID}
	startTotal := time.Now()

	decodeStart := time.Now()
	// stored pixel frame; EXIF orientation is ignored so boxes match the manifest
	pic, err := imaging.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	timings.ImageDecode = time.Since(decodeStart)

	if b := pic.Bounds(); img.Width > 0 && img.Height > 0 && (b.Dx() != img.Width || b.Dy() != img.Height) {
		logger.Warn("decoded size differs from manifest",
			zap.Int("image_id", img.ID),
			zap.Int("width", b.Dx()),
			zap.Int("height", b.Dy()),
			zap.Int("manifest_width", img.Width),
			zap.Int("manifest_height", img.Height))
	}

	detector, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	dets, err := detector.Detect(ctx, pic, timings)
	if err != nil {
		if ctx.Err() != nil {
			pool.Release(detector)
		} else {
			pool.Discard(detector, err)
		}
		return nil, err
	}
	pool.Release(detector)

	timings.Total = time.Since(startTotal)
	logTimings(logger, timings, len(dets))

	return submission.FromDetections(img.ID, dets), nil
}

func logTimings(logger *zap.Logger, t *models.ProcessingTimings, found int) {
	if ce := logger.Check(zap.DebugLevel, "processed image"); ce != nil {
		ce.Write(
			zap.Int("image_id", t.ImageID),
			zap.Int("detections", found),
			zap.Duration("decode", t.ImageDecode),
			zap.Duration("resize", t.Resize),
			zap.Duration("preprocess", t.Preprocess),
			zap.Duration("inference", t.Inference),
			zap.Duration("postprocess", t.Postprocess),
			zap.Duration("total", t.Total),
		)
	}
}
