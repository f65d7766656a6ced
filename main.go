package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Tutortoise/detection-submitter/batch"
	"github.com/Tutortoise/detection-submitter/checkpoint"
	"github.com/Tutortoise/detection-submitter/config"
	"github.com/Tutortoise/detection-submitter/dataset"
	"github.com/Tutortoise/detection-submitter/detections"
	"github.com/Tutortoise/detection-submitter/submission"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose    bool
	ckptPath   string
	outputPath string
	statusAddr string

	// set from everything after --opts
	overrides []string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "submit-detections CONFIG_FILE [--ckpt PATH] [--opts KEY VALUE ...]",
	Short: "Run the trained detector over the test set and write the submission file",
	Long: `Loads the detector checkpoint, runs inference over every image of the
configured test dataset and writes the detections as a JSON submission.

Config values can be overridden with --opts, which takes all remaining
arguments as KEY VALUE pairs:
  submit-detections configs/ssd300.yaml --opts INPUT.IMAGE_SIZE 512 RUNTIME.WORKERS 2`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, args[0])
	},
}

func init() {
	rootCmd.Flags().StringVar(&ckptPath, "ckpt", "", "trained weights (defaults to the latest checkpoint in OUTPUT_DIR)")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "submission file (defaults to OUTPUT_DIR/"+submission.DefaultFileName+")")
	rootCmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve /metrics and /progress on this address while running")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging with per-image timings")
}

func main() {
	args, opts := splitOpts(os.Args[1:])
	overrides = opts
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// splitOpts separates the arguments after --opts, which are config overrides.
func splitOpts(args []string) (rest, opts []string) {
	for i, a := range args {
		if a == "--opts" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func loadConfig(path string, opts []string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.MergeOpts(cfg, opts); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath, overrides)
	if err != nil {
		return err
	}

	images, err := dataset.Load(cfg.DatasetDir, cfg.Datasets.Test)
	if err != nil {
		return err
	}
	logger.Info("loaded test set",
		zap.String("dataset", cfg.Datasets.Test),
		zap.Int("images", len(images)))

	weights, err := checkpoint.Resolve(cfg.OutputDir, ckptPath)
	if err != nil {
		return err
	}

	libPath, err := resolveLibrary(cfg.Runtime.LibraryPath)
	if err != nil {
		return err
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	defer ort.DestroyEnvironment()

	sessionOpts := detections.SessionOptions{
		ModelPath:      weights,
		InputName:      cfg.Model.InputName,
		OutputNames:    cfg.Model.OutputNames,
		ImageSize:      cfg.Input.ImageSize,
		PixelMean:      cfg.Input.PixelMean,
		PixelStd:       cfg.Input.PixelStd,
		MaxPerImage:    cfg.Test.MaxPerImage,
		NumClasses:     cfg.Model.NumClasses,
		Threshold:      cfg.Test.ConfidenceThreshold,
		IntraOpThreads: cfg.Runtime.IntraOpThreads,
	}
	pool, err := detections.NewSessionPool(cfg.Runtime.Workers, func() (detections.Detector, error) {
		session, err := detections.NewModelSession(sessionOpts)
		if err != nil {
			return nil, err
		}
		return session, nil
	}, detections.HealthCheckPeriod, detections.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create model session pool: %w", err)
	}
	defer pool.Destroy()
	logger.Info("loaded weights", zap.String("path", weights), zap.Int("sessions", cfg.Runtime.Workers))

	progress := batch.NewProgress(uuid.NewString())

	if statusAddr != "" {
		srv := newStatusServer(statusAddr, &statusState{Pool: pool, Progress: progress})
		go func() {
			logger.Info("starting status server", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("status server stopped", zap.Error(err))
			}
		}()
		defer stopStatusServer(srv, 5*time.Second, logger)
	}

	start := time.Now()
	records, err := batch.Run(ctx, pool, images, batch.Options{
		Workers:  cfg.Runtime.Workers,
		Logger:   logger,
		Progress: progress,
	})
	if err != nil {
		return err
	}
	logger.Info("inference finished",
		zap.String("run_id", progress.RunID),
		zap.Int("detections", len(records)),
		zap.Duration("elapsed", time.Since(start)))

	path := outputPath
	if path == "" {
		path = filepath.Join(cfg.OutputDir, submission.DefaultFileName)
	}
	abs, err := submission.Write(path, records)
	if err != nil {
		return err
	}
	submission.Announce(os.Stdout, path, abs)
	return nil
}
