// Package synth generates synthetic volumes with known objects. The
// generated volumes are used to exercise the pipeline end to end and to check
// that chunked processing finds the same objects as a single pass.
package synth

import (
	"github.com/valyala/fastrand"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// Blob is a cube of constant intensity centered on Center.
type Blob struct {
	Center    [3]int
	Radius    int
	Intensity float64
}

// Ranges returns the voxels covered by the blob, clipped to shape
func (b Blob) Ranges(shape models.Shape) models.Ranges {
	var r models.Ranges
	for a := 0; a < 3; a++ {
		r[a] = models.Range{
			Start: max(b.Center[a]-b.Radius, 0),
			Stop:  min(b.Center[a]+b.Radius+1, shape[a]),
		}
	}
	return r
}

// Voxels returns the number of voxels of the blob inside shape
func (b Blob) Voxels(shape models.Shape) int {
	return b.Ranges(shape).Shape().Voxels()
}

// Blobs returns an in-memory Uint16 volume with a cube of side 2*radius+1
// at every center. Later blobs overwrite earlier ones where they meet.
func Blobs(shape models.Shape, centers [][3]int, radius int, intensity float64) (*volume.Volume, error) {
	blobs := make([]Blob, len(centers))
	for i, c := range centers {
		blobs[i] = Blob{Center: c, Radius: radius, Intensity: intensity}
	}
	return Render(shape, volume.Uint16, blobs)
}

// Render draws blobs into a new in-memory volume of the given dtype.
func Render(shape models.Shape, dtype volume.DType, blobs []Blob) (*volume.Volume, error) {
	if shape.Voxels() <= 0 {
		return nil, errs.Configf("synth", "invalid shape %v", shape)
	}
	if !dtype.Valid() {
		return nil, errs.Configf("synth", "invalid dtype %v", dtype)
	}
	v := volume.New(shape, dtype)
	for i, b := range blobs {
		if b.Radius < 0 {
			return nil, errs.Configf("synth", "blob %d has negative radius", i)
		}
		r := b.Ranges(shape)
		if r.Shape().Voxels() <= 0 {
			return nil, errs.Configf("synth", "blob %d at %v lies outside %v", i, b.Center, shape)
		}
		for z := r[0].Start; z < r[0].Stop; z++ {
			for y := r[1].Start; y < r[1].Stop; y++ {
				for x := r[2].Start; x < r[2].Stop; x++ {
					v.Set(v.Index(z, y, x), b.Intensity)
				}
			}
		}
	}
	return v, nil
}

// WithNoise adds uniform noise in [0, amplitude) to every voxel. The same
// seed produces the same noise. Values saturate at the dtype limits.
func WithNoise(v *volume.Volume, amplitude uint32, seed uint32) {
	if amplitude == 0 {
		return
	}
	rng := fastrand.RNG{}
	rng.Seed(seed)
	for i := 0; i < v.Len(); i++ {
		v.Set(i, v.At(i)+float64(rng.Uint32n(amplitude)))
	}
}

// Grid returns n*n*n centers spread evenly over shape, spacing voxels apart
// and starting at offset on every axis.
func Grid(n, offset, spacing int) [][3]int {
	centers := make([][3]int, 0, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				centers = append(centers, [3]int{offset + z*spacing, offset + y*spacing, offset + x*spacing})
			}
		}
	}
	return centers
}
