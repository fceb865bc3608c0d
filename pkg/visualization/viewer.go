// Package visualization renders planes of a volume as 16-bit images, for
// checking intermediate mosaics and for exporting a volume as a TIFF stack.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// Viewer extracts slices and regions from a volume. Intensities are mapped
// linearly from the window [lo, hi] to the full 16-bit range.
type Viewer struct {
	vol *volume.Volume

	// intensity window
	lo, hi float64
}

// NewViewer creates a viewer whose window spans the value range of v
func NewViewer(v *volume.Volume) *Viewer {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < v.Len(); i++ {
		x := v.At(i)
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if v.Len() == 0 {
		lo, hi = 0, 0
	}
	return &Viewer{vol: v, lo: lo, hi: hi}
}

// SetWindow overrides the intensity window
func (v *Viewer) SetWindow(lo, hi float64) error {
	if hi < lo {
		return errs.Configf("window", "upper bound %g is below lower bound %g", hi, lo)
	}
	v.lo, v.hi = lo, hi
	return nil
}

// Window returns the intensity window
func (v *Viewer) Window() (lo, hi float64) { return v.lo, v.hi }

func (v *Viewer) gray(x float64) color.Gray16 {
	if v.hi == v.lo {
		if x > v.lo {
			return color.Gray16{Y: math.MaxUint16}
		}
		return color.Gray16{}
	}
	s := (x - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, s)) * math.MaxUint16))}
}

func axisIndex(axis string) (int, error) {
	for a, name := range models.AxisNames {
		if strings.EqualFold(axis, name) {
			return a, nil
		}
	}
	return 0, errs.Configf("slice", "invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts the plane at position along axis. A z slice is
// X wide and Y high, a y slice X wide and Z high, an x slice Z wide and Y
// high.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	shape := v.vol.Shape()
	if position < 0 || position >= shape[a] {
		return nil, errs.Configf("slice", "position %d is outside axis %s of size %d", position, models.AxisNames[a], shape[a])
	}

	var img *image.Gray16
	switch a {
	case 0:
		img = image.NewGray16(image.Rect(0, 0, shape[2], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(v.vol.Index(position, y, x))))
			}
		}
	case 1:
		img = image.NewGray16(image.Rect(0, 0, shape[2], shape[0]))
		for z := 0; z < shape[0]; z++ {
			for x := 0; x < shape[2]; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(v.vol.Index(z, position, x))))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, shape[0], shape[1]))
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[0]; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(v.vol.Index(z, y, position))))
			}
		}
	}
	return img, nil
}

// ExtractRegion copies a sub-volume into memory
func (v *Viewer) ExtractRegion(ranges models.Ranges) (*volume.Volume, error) {
	return volume.Read(v.vol, ranges)
}

// SaveSlice writes img to filename. Files ending in .jpg or .jpeg are
// written as JPEG previews; everything else as a deflate compressed TIFF.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errs.Storagef("slice", err, "create %s", filename)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		return errs.Storagef("slice", err, "encode %s", filename)
	}
	return file.Close()
}

// SaveSliceSequence writes every slice along axis to outputDir as TIFF
// files named <prefix>_0000.tif, <prefix>_0001.tif and so on. A z sequence
// can be imported again as a volume.
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) (int, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, errs.Storagef("slice", err, "create %s", outputDir)
	}
	if prefix == "" {
		prefix = fmt.Sprintf("slice_%s", models.AxisNames[a])
	}

	n := v.vol.Shape()[a]
	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}
		if err := v.SaveSlice(img, filepath.Join(outputDir, volume.SliceName(prefix, pos))); err != nil {
			return pos, err
		}
	}
	return n, nil
}
