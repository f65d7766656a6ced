package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MarkerFile names the latest checkpoint written by the trainer.
const MarkerFile = "last_checkpoint.txt"

var ErrNoCheckpoint = errors.New("no checkpoint found")

// Resolve returns the weight file to load. An explicit path wins; otherwise the
// latest checkpoint in outputDir is used.
func Resolve(outputDir, explicit string) (string, error) {
	if explicit != "" {
		if err := requireFile(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	marker := filepath.Join(outputDir, MarkerFile)
	data, err := os.ReadFile(marker)
	switch {
	case err == nil:
		name := strings.TrimSpace(string(data))
		if name == "" {
			return "", fmt.Errorf("%s is empty: %w", marker, ErrNoCheckpoint)
		}
		if !filepath.IsAbs(name) {
			name = filepath.Join(outputDir, name)
		}
		if err := requireFile(name); err != nil {
			return "", fmt.Errorf("checkpoint named in %s: %w", marker, err)
		}
		return name, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read %s: %w", marker, err)
	}

	return newestModel(outputDir)
}

func newestModel(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.onnx"))
	if err != nil {
		return "", err
	}

	var (
		best    string
		bestMod int64
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); best == "" || mod > bestMod {
			best, bestMod = m, mod
		}
	}

	if best == "" {
		return "", fmt.Errorf("%s: %w", dir, ErrNoCheckpoint)
	}
	return best, nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("checkpoint %s is a directory", path)
	}
	return nil
}
