package visualization

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// newRamp returns a volume with value z*100 + y*10 + x
func newRamp(shape models.Shape) *volume.Volume {
	v := volume.New(shape, volume.Uint16)
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				v.Set(v.Index(z, y, x), float64(z*100+y*10+x))
			}
		}
	}
	return v
}

// TestNewViewer verifies that the window spans the value range
func TestNewViewer(t *testing.T) {
	viewer := NewViewer(newRamp(models.Shape{5, 10, 10}))
	lo, hi := viewer.Window()
	if lo != 0 || hi != 499 {
		t.Errorf("Expected window [0, 499], got [%v, %v]", lo, hi)
	}

	if err := viewer.SetWindow(10, 5); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("Expected configuration error for inverted window, got %v", err)
	}
}

// TestExtractSlice verifies dimensions and values of slices along every axis
func TestExtractSlice(t *testing.T) {
	depth, height, width := 5, 10, 8
	vol := volume.New(models.Shape{depth, height, width}, volume.Uint16)
	// each Z plane holds its own value
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(vol.Index(z, y, x), float64(z))
			}
		}
	}
	viewer := NewViewer(vol)

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}
		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}
		expected := uint16(math.Round(float64(z) / float64(depth-1) * math.MaxUint16))
		if got := img.Gray16At(width/2, height/2).Y; got != expected {
			t.Errorf("Expected Z slice value %d at center, got %d", expected, got)
		}
	}

	imgX, err := viewer.ExtractSlice("X", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}
	// columns of an x slice run along Z
	if imgX.Gray16At(depth-1, 0).Y != math.MaxUint16 {
		t.Errorf("Expected last Z column to be white, got %d", imgX.Gray16At(depth-1, 0).Y)
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("Expected configuration error for invalid axis, got %v", err)
	}
	if _, err := viewer.ExtractSlice("z", depth); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

func TestConstantVolumeSlice(t *testing.T) {
	vol := volume.New(models.Shape{2, 3, 3}, volume.Uint8)
	vol.Fill(7)
	img, err := NewViewer(vol).ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("ExtractSlice failed: %v", err)
	}
	if img.Gray16At(1, 1).Y != 0 {
		t.Errorf("Expected a flat volume to render black, got %d", img.Gray16At(1, 1).Y)
	}
}

// TestExtractRegion verifies that 3D regions are copied out unchanged
func TestExtractRegion(t *testing.T) {
	vol := newRamp(models.Shape{5, 10, 10})
	viewer := NewViewer(vol)

	ranges := models.Ranges{{Start: 1, Stop: 3}, {Start: 3, Stop: 6}, {Start: 2, Stop: 6}}
	region, err := viewer.ExtractRegion(ranges)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if region.Shape() != (models.Shape{2, 3, 4}) {
		t.Fatalf("Expected region shape 2x3x4, got %v", region.Shape())
	}
	if got := region.At(region.Index(1, 2, 3)); got != 255 {
		t.Errorf("Expected 255 at region corner, got %v", got)
	}

	if _, err := viewer.ExtractRegion(models.Ranges{{Start: 0, Stop: 6}, {Start: 0, Stop: 1}, {Start: 0, Stop: 1}}); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
}

// TestSaveSliceSequence verifies that a Z sequence can be imported again
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	tempDir := t.TempDir()
	shape := models.Shape{3, 4, 5}
	vol := newRamp(shape)
	viewer := NewViewer(vol)
	if err := viewer.SetWindow(0, math.MaxUint16); err != nil {
		t.Fatal(err)
	}

	outputDir := filepath.Join(tempDir, "slices")
	n, err := viewer.SaveSliceSequence("z", outputDir, "plane")
	if err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	if n != shape[0] {
		t.Errorf("Expected %d slices, got %d", shape[0], n)
	}
	for z := 0; z < shape[0]; z++ {
		filename := filepath.Join(outputDir, volume.SliceName("plane", z))
		if _, err := os.Stat(filename); err != nil {
			t.Errorf("Expected slice file %s: %v", filename, err)
		}
	}

	imported, err := volume.Import(outputDir, filepath.Join(tempDir, "stack.vol"), nil)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	defer imported.Close()
	if imported.Shape() != shape {
		t.Fatalf("Expected imported shape %v, got %v", shape, imported.Shape())
	}
	for i := 0; i < vol.Len(); i++ {
		if imported.At(i) != vol.At(i) {
			t.Fatalf("Voxel %d: expected %v, got %v", i, vol.At(i), imported.At(i))
		}
	}

	if _, err := viewer.SaveSliceSequence("w", outputDir, ""); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}

func TestSaveSliceJPEG(t *testing.T) {
	viewer := NewViewer(newRamp(models.Shape{2, 4, 4}))
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		t.Fatalf("ExtractSlice failed: %v", err)
	}
	filename := filepath.Join(t.TempDir(), "preview.jpg")
	if err := viewer.SaveSlice(img, filename); err != nil {
		t.Fatalf("Failed to save slice: %v", err)
	}
	if info, err := os.Stat(filename); err != nil || info.Size() == 0 {
		t.Errorf("Expected non-empty preview at %s: %v", filename, err)
	}
}
