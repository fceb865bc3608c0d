// Package chunking partitions a 3-D volume into a grid of overlapping chunks
// sized to a memory budget.
//
// Each chunk has a unique range, the region it owns, and an overlap range, the
// unique range grown by the overlap margin and clipped to the volume. Padding
// is never added past the outer edges of the volume, so chunks on the border
// carry margin on their inner sides only.
package chunking

import (
	"math"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
)

// Constraints controls how a volume is partitioned.
type Constraints struct {
	// Overlap is the margin in voxels added on every side of a unique range
	Overlap int

	// MinSizes is the smallest acceptable unique chunk size per axis
	MinSizes [3]int

	// AspectRatio is the relative chunk extent per axis
	AspectRatio [3]float64

	// MemoryBudget is the maximum size of one chunk's working copy in bytes
	MemoryBudget uint64
}

// roundingSlack absorbs floating point error in the cube root, so that a budget
// of exactly n^3 voxels yields a chunk edge of n rather than n-1.
const roundingSlack = 1e-9

// Plan computes the chunk grid for a volume of the given shape whose samples
// are itemSize bytes wide. Chunks are ordered with Z outermost.
//
// If the whole volume fits in the budget a single chunk spanning the volume is
// returned. Unsatisfiable constraints are reported as configuration errors
// before any partitioning happens.
func Plan(shape models.Shape, itemSize int, c Constraints) ([]models.ChunkDescriptor, error) {
	if err := validate(shape, itemSize, c); err != nil {
		return nil, err
	}

	budgetVoxels := float64(c.MemoryBudget) / float64(itemSize)
	if float64(shape.Voxels()) <= budgetVoxels {
		full := models.Full(shape)
		return []models.ChunkDescriptor{{Index: 0, Unique: full, Overlap: full}}, nil
	}

	maxSizes := MaxSizes(budgetVoxels, c)

	var axes [3][]models.Range
	for a := 0; a < 3; a++ {
		if c.MinSizes[a] > maxSizes[a] || maxSizes[a] < 1 {
			return nil, errs.Configf("plan",
				"min size %d along axis %s exceeds the largest chunk %d allowed by the memory budget",
				c.MinSizes[a], models.AxisNames[a], maxSizes[a])
		}
		sizes, err := SplitAxis(shape[a], maxSizes[a], c.MinSizes[a])
		if err != nil {
			return nil, errs.Configf("plan", "cannot chunk along axis %s: %v", models.AxisNames[a], err)
		}
		axes[a] = RangesFromSizes(sizes)
	}

	chunks := make([]models.ChunkDescriptor, 0, len(axes[0])*len(axes[1])*len(axes[2]))
	for _, z := range axes[0] {
		for _, y := range axes[1] {
			for _, x := range axes[2] {
				unique := models.Ranges{z, y, x}
				chunks = append(chunks, models.ChunkDescriptor{
					Index:   len(chunks),
					Unique:  unique,
					Overlap: AddOverlap(unique, c.Overlap, shape),
				})
			}
		}
	}
	return chunks, nil
}

// MaxSizes returns the largest unique chunk size per axis for a voxel budget.
// A common scale c is chosen so that prod(aspect) * c^3 equals the budget; the
// overlap margin on both sides is then removed from each axis.
func MaxSizes(budgetVoxels float64, c Constraints) [3]int {
	prod := c.AspectRatio[0] * c.AspectRatio[1] * c.AspectRatio[2]
	scale := math.Cbrt(budgetVoxels / prod)
	var out [3]int
	for a := 0; a < 3; a++ {
		out[a] = int(math.Floor(scale*c.AspectRatio[a]+roundingSlack)) - 2*c.Overlap
	}
	return out
}

// SplitAxis divides an axis of the given length into pieces no larger than
// maxSize where possible. When the length is not a multiple of maxSize, the
// axis is cut into ceil(length/maxSize) pieces of equal size and the last
// piece absorbs the remainder.
func SplitAxis(length, maxSize, minSize int) ([]int, error) {
	if maxSize < 1 {
		return nil, errs.Configf("plan", "max chunk size %d must be positive", maxSize)
	}
	if length%maxSize == 0 {
		n := length / maxSize
		sizes := make([]int, n)
		for i := range sizes {
			sizes[i] = maxSize
		}
		return sizes, nil
	}

	n := (length + maxSize - 1) / maxSize
	size := length / n
	if size < minSize {
		return nil, errs.Configf("plan", "chunk size %d is below min size %d", size, minSize)
	}
	sizes := make([]int, n)
	for i := 0; i < n-1; i++ {
		sizes[i] = size
	}
	sizes[n-1] = length - size*(n-1)
	return sizes, nil
}

// RangesFromSizes lays consecutive pieces of the given sizes end to end from 0.
func RangesFromSizes(sizes []int) []models.Range {
	out := make([]models.Range, len(sizes))
	offset := 0
	for i, s := range sizes {
		out[i] = models.Range{Start: offset, Stop: offset + s}
		offset += s
	}
	return out
}

// AddOverlap grows each axis of r by overlap voxels, clamped to [0, shape).
// Clamping one side does not extend the opposite side.
func AddOverlap(r models.Ranges, overlap int, shape models.Shape) models.Ranges {
	var out models.Ranges
	for a := range r {
		out[a] = models.Range{
			Start: max(r[a].Start-overlap, 0),
			Stop:  min(r[a].Stop+overlap, shape[a]),
		}
	}
	return out
}

// UniqueRanges returns the unique range of every chunk, in grid order.
func UniqueRanges(chunks []models.ChunkDescriptor) []models.Ranges {
	out := make([]models.Ranges, len(chunks))
	for i, c := range chunks {
		out[i] = c.Unique
	}
	return out
}

// OverlapRanges returns the overlap range of every chunk, in grid order.
func OverlapRanges(chunks []models.ChunkDescriptor) []models.Ranges {
	out := make([]models.Ranges, len(chunks))
	for i, c := range chunks {
		out[i] = c.Overlap
	}
	return out
}

// Validate checks the constraints that do not depend on the volume, so a
// bad configuration is rejected before any data is read.
func (c Constraints) Validate() error {
	for a := 0; a < 3; a++ {
		if c.AspectRatio[a] <= 0 {
			return errs.Configf("plan", "aspect ratio along axis %s must be positive, got %g",
				models.AxisNames[a], c.AspectRatio[a])
		}
	}
	if c.Overlap < 0 {
		return errs.Configf("plan", "overlap %d must not be negative", c.Overlap)
	}
	if c.MemoryBudget == 0 {
		return errs.Configf("plan", "memory budget must be positive")
	}
	for a := 0; a < 3; a++ {
		if c.Overlap > c.MinSizes[a] {
			return errs.Configf("plan", "overlap %d exceeds min size %d along axis %s",
				c.Overlap, c.MinSizes[a], models.AxisNames[a])
		}
	}
	return nil
}

func validate(shape models.Shape, itemSize int, c Constraints) error {
	for a := 0; a < 3; a++ {
		if shape[a] < 1 {
			return errs.Configf("plan", "volume axis %s has size %d", models.AxisNames[a], shape[a])
		}
	}
	if itemSize < 1 {
		return errs.Configf("plan", "sample size %d must be positive", itemSize)
	}
	return c.Validate()
}
