package batch

import (
	"bytes"
	"context"
	"encoding/binary"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/Tutortoise/detection-submitter/dataset"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// exifOrientation is an APP1 segment carrying only the orientation tag.
func exifOrientation(orientation uint16) []byte {
	var tiff bytes.Buffer
	tiff.WriteString("MM")
	binary.Write(&tiff, binary.BigEndian, uint16(42))
	binary.Write(&tiff, binary.BigEndian, uint32(8))
	binary.Write(&tiff, binary.BigEndian, uint16(1))      // entries
	binary.Write(&tiff, binary.BigEndian, uint16(0x0112)) // Orientation
	binary.Write(&tiff, binary.BigEndian, uint16(3))      // SHORT
	binary.Write(&tiff, binary.BigEndian, uint32(1))
	binary.Write(&tiff, binary.BigEndian, orientation)
	binary.Write(&tiff, binary.BigEndian, uint16(0))
	binary.Write(&tiff, binary.BigEndian, uint32(0)) // next IFD

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	seg := []byte{0xFF, 0xE1}
	seg = binary.BigEndian.AppendUint16(seg, uint16(len(payload)+2))
	return append(seg, payload...)
}

// writeRotatedJPEG stores a w x h image tagged with EXIF orientation 6 (rotate 90° CW).
func writeRotatedJPEG(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 90, G: 90, B: 90, A: 255}), nil))

	raw := buf.Bytes()
	require.Equal(t, []byte{0xFF, 0xD8}, raw[:2])
	tagged := append([]byte{0xFF, 0xD8}, exifOrientation(6)...)
	tagged = append(tagged, raw[2:]...)

	path := filepath.Join(t.TempDir(), "1.jpg")
	require.NoError(t, os.WriteFile(path, tagged, 0644))
	return path
}

func TestRunIgnoresExifOrientation(t *testing.T) {
	path := writeRotatedJPEG(t, 40, 20)

	// the tag is real: an orientation-aware decode would swap the sides
	rotated, err := imaging.Open(path, imaging.AutoOrientation(true))
	require.NoError(t, err)
	require.Equal(t, 20, rotated.Bounds().Dx())

	pool, _ := newPool(t, 1, nil)
	core, logs := observer.New(zapcore.WarnLevel)

	records, err := Run(context.Background(), pool,
		[]dataset.Image{{ID: 1, Path: path, Width: 40, Height: 20}},
		Options{Logger: zap.New(core)})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, 40, records[0].CategoryID)
	assert.Equal(t, [4]int{0, 0, 40, 20}, records[0].BBox)
	assert.Zero(t, logs.Len())
}

func TestRunWarnsOnManifestSizeMismatch(t *testing.T) {
	images := writeImages(t, 30)
	images[0].Width, images[0].Height = 20, 30

	pool, _ := newPool(t, 1, nil)
	core, logs := observer.New(zapcore.WarnLevel)

	_, err := Run(context.Background(), pool, images, Options{Logger: zap.New(core)})
	require.NoError(t, err)

	warnings := logs.FilterMessage("decoded size differs from manifest").All()
	require.Len(t, warnings, 1)
	fields := warnings[0].ContextMap()
	assert.EqualValues(t, 30, fields["width"])
	assert.EqualValues(t, 20, fields["manifest_width"])
}
