package volume

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
)

// Import copies a source volume into a new .vol file at dest, cropped to crop
// when it is non-nil. The source is either a .vol file, a directory of TIFF
// slices, or a glob pattern matching TIFF slices. Slices are ordered by the
// numbers in their file names and decoded one at a time.
func Import(source, dest string, crop *models.Ranges) (*Volume, error) {
	if strings.EqualFold(filepath.Ext(source), Extension) {
		return Copy(source, dest, crop)
	}

	files, err := SliceFiles(source)
	if err != nil {
		return nil, err
	}
	first, err := decodeTIFF(files[0])
	if err != nil {
		return nil, err
	}
	b := first.Bounds()
	shape := models.Shape{len(files), b.Dy(), b.Dx()}
	ranges := models.Full(shape)
	if crop != nil {
		ranges = *crop
	}
	if !ranges.Within(shape) {
		return nil, errs.Configf("import", "crop %v outside source volume %v", ranges, shape)
	}

	dst, err := Empty(dest, ranges.Shape(), sliceDType(first))
	if err != nil {
		return nil, err
	}
	for z := ranges[0].Start; z < ranges[0].Stop; z++ {
		img := first
		if z != 0 {
			if img, err = decodeTIFF(files[z]); err != nil {
				dst.Close()
				return nil, err
			}
		}
		if img.Bounds().Dx() != shape[2] || img.Bounds().Dy() != shape[1] {
			dst.Close()
			return nil, errs.Storagef("import", nil, "slice %s is %dx%d, expected %dx%d",
				files[z], img.Bounds().Dx(), img.Bounds().Dy(), shape[2], shape[1])
		}
		writePlane(dst, z-ranges[0].Start, img, ranges)
	}
	return dst, nil
}

// SliceFiles resolves a directory or glob pattern to TIFF files in slice order.
func SliceFiles(source string) ([]string, error) {
	var files []string
	if st, err := os.Stat(source); err == nil && st.IsDir() {
		entries, err := os.ReadDir(source)
		if err != nil {
			return nil, errs.Storagef("import", err, "list %s", source)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".tif" || ext == ".tiff") {
				files = append(files, filepath.Join(source, e.Name()))
			}
		}
	} else {
		matches, err := filepath.Glob(source)
		if err != nil {
			return nil, errs.Configf("import", "bad source pattern %q: %v", source, err)
		}
		files = matches
	}
	if len(files) == 0 {
		return nil, errs.Storagef("import", os.ErrNotExist, "no TIFF slices found for %s", source)
	}

	sort.SliceStable(files, func(i, j int) bool {
		return lessNatural(filepath.Base(files[i]), filepath.Base(files[j]))
	})
	return files, nil
}

func decodeTIFF(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Storagef("import", err, "open slice")
	}
	defer f.Close()
	img, err := tiff.Decode(f)
	if err != nil {
		return nil, errs.Storagef("import", err, "decode %s", path)
	}
	return img, nil
}

func sliceDType(img image.Image) DType {
	switch img.(type) {
	case *image.Gray, *image.Paletted:
		return Uint8
	default:
		return Uint16
	}
}

// writePlane stores the Y/X window of ranges from img into plane z of dst.
func writePlane(dst *Volume, z int, img image.Image, ranges models.Ranges) {
	b := img.Bounds()
	for y := ranges[1].Start; y < ranges[1].Stop; y++ {
		row := dst.Index(z, y-ranges[1].Start, 0)
		for x := ranges[2].Start; x < ranges[2].Stop; x++ {
			var v float64
			switch im := img.(type) {
			case *image.Gray:
				v = float64(im.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			case *image.Gray16:
				v = float64(im.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			default:
				v = float64(color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y)
				if dst.dtype == Uint8 {
					v /= 257
				}
			}
			dst.Set(row+x-ranges[2].Start, v)
		}
	}
}

// lessNatural orders names by their embedded numbers first, then lexically,
// so that slice_9.tif sorts before slice_10.tif.
func lessNatural(a, b string) bool {
	na, oka := trailingNumber(a)
	nb, okb := trailingNumber(b)
	if oka && okb && na != nb {
		return na < nb
	}
	return a < b
}

func trailingNumber(name string) (int, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	end := len(base)
	for end > 0 && (base[end-1] < '0' || base[end-1] > '9') {
		end--
	}
	start := end
	for start > 0 && base[start-1] >= '0' && base[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	n, err := strconv.Atoi(base[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SliceName returns the file name used for plane z of a slice sequence
func SliceName(prefix string, z int) string {
	return fmt.Sprintf("%s_%04d.tif", prefix, z)
}
