package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

type Entry struct {
	DataDir    string
	LabelsFile string
}

// Catalog maps dataset names to paths relative to the dataset root.
var Catalog = map[string]Entry{
	"coco_traffic_test": {
		DataDir:    "tdt4265/images/test",
		LabelsFile: "tdt4265/test_labels_mini.json",
	},
}

var ErrMissingImage = errors.New("image missing")

type LabelImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

type Labels struct {
	Images []LabelImage `json:"images"`
}

// Image is a labeled image resolved to its path on disk. Width and Height are
// the manifest's sizes, zero when it does not list them.
type Image struct {
	ID     int
	Path   string
	Width  int
	Height int
}

// Lookup resolves a catalog entry against root.
func Lookup(root, name string) (imageDir, labelsPath string, err error) {
	entry, ok := Catalog[name]
	if !ok {
		return "", "", fmt.Errorf("dataset %q not in catalog", name)
	}
	return filepath.Join(root, entry.DataDir), filepath.Join(root, entry.LabelsFile), nil
}

func ListImages(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func ReadLabels(path string) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("did not find labels at %s: %w", path, err)
	}
	defer f.Close()

	var labels Labels
	if err := json.NewDecoder(f).Decode(&labels); err != nil {
		return nil, fmt.Errorf("decode labels %s: %w", path, err)
	}
	return &labels, nil
}

// CheckAllImagesExist verifies that every labeled image id has a file on disk.
// Image ids on disk are the integer file stems.
func CheckAllImagesExist(labels *Labels, imagePaths []string) error {
	ids := make(map[int]struct{}, len(imagePaths))
	for _, p := range imagePaths {
		base := filepath.Base(p)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		id, err := strconv.Atoi(stem)
		if err != nil {
			return fmt.Errorf("image %s: file name is not an image id: %w", p, err)
		}
		ids[id] = struct{}{}
	}

	for _, img := range labels.Images {
		if _, ok := ids[img.ID]; !ok {
			return fmt.Errorf("image id %d: %w", img.ID, ErrMissingImage)
		}
	}
	return nil
}

// Resolve pairs each labeled image with its path under imageDir, in manifest order.
func (l *Labels) Resolve(imageDir string) []Image {
	images := make([]Image, len(l.Images))
	for i, img := range l.Images {
		images[i] = Image{
			ID:     img.ID,
			Path:   filepath.Join(imageDir, img.FileName),
			Width:  img.Width,
			Height: img.Height,
		}
	}
	return images
}

// Load runs the catalog lookup, enumeration, manifest read and existence check.
func Load(root, name string) ([]Image, error) {
	imageDir, labelsPath, err := Lookup(root, name)
	if err != nil {
		return nil, err
	}

	paths, err := ListImages(imageDir)
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", imageDir, err)
	}

	labels, err := ReadLabels(labelsPath)
	if err != nil {
		return nil, err
	}

	if err := CheckAllImagesExist(labels, paths); err != nil {
		return nil, err
	}
	return labels.Resolve(imageDir), nil
}
