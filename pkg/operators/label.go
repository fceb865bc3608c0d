package operators

import (
	"context"
	"fmt"
	"math"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// Size filter defaults, matching what the label step used when the flow
// did not say otherwise.
const (
	DefaultMinSize = 10
	DefaultMaxSize = math.MaxInt32
)

func init() {
	Register("label", Definition{
		Params: func() Params {
			return &LabelParams{MinSize: DefaultMinSize, MaxSize: DefaultMaxSize, Connectivity: 26}
		},
		Build: func(p Params) Operator { return label{*p.(*LabelParams)} },
	})
	Register("size_filter", Definition{
		Params: func() Params { return &SizeFilterParams{MinSize: DefaultMinSize, MaxSize: DefaultMaxSize} },
		Build:  func(p Params) Operator { return sizeFilter{*p.(*SizeFilterParams)} },
	})
	Register("label_by_size", Definition{
		Params: func() Params { return &LabelBySizeParams{} },
		Build:  func(Params) Operator { return labelBySize{} },
	})
}

// LabelParams configures label. Voxels above Threshold are grouped into
// connected components; components outside [MinSize, MaxSize] voxels are
// dropped and the rest are numbered 1..n in scan order.
type LabelParams struct {
	Threshold    float64 `yaml:"threshold"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	Connectivity int     `yaml:"connectivity"`
}

func (p *LabelParams) Validate() error {
	if err := validateSizes(p.MinSize, p.MaxSize); err != nil {
		return err
	}
	switch p.Connectivity {
	case 6, 18, 26:
		return nil
	}
	return fmt.Errorf("connectivity must be 6, 18 or 26, got %d", p.Connectivity)
}

// SizeFilterParams configures size_filter, which zeroes the labels of an
// existing label image whose voxel count is outside [MinSize, MaxSize].
type SizeFilterParams struct {
	MinSize int `yaml:"min_size"`
	MaxSize int `yaml:"max_size"`
}

func (p *SizeFilterParams) Validate() error { return validateSizes(p.MinSize, p.MaxSize) }

// LabelBySizeParams is empty: label_by_size replaces each label with its
// voxel count.
type LabelBySizeParams struct{}

func (p *LabelBySizeParams) Validate() error { return nil }

func validateSizes(minSize, maxSize int) error {
	if minSize < 0 {
		return fmt.Errorf("min_size must not be negative, got %d", minSize)
	}
	if maxSize < minSize {
		return fmt.Errorf("max_size %d is below min_size %d", maxSize, minSize)
	}
	return nil
}

type label struct{ p LabelParams }

func (l label) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	mask := make([]bool, in.Len())
	for i := range mask {
		mask[i] = in.At(i) > l.p.Threshold
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	comp, sizes := Components(mask, in.Shape(), l.p.Connectivity)

	// renumber surviving components in scan order
	next := 0
	ids := make([]int, len(sizes))
	for _, c := range comp {
		if c < 0 || ids[c] != 0 {
			continue
		}
		if s := sizes[c]; s >= l.p.MinSize && s <= l.p.MaxSize {
			next++
			ids[c] = next
		} else {
			ids[c] = -1
		}
	}
	if err := checkLabelCount(next); err != nil {
		return nil, err
	}

	out, err := env.Scratch(in.Shape(), volume.Int32)
	if err != nil {
		return nil, err
	}
	for i, c := range comp {
		if c >= 0 && ids[c] > 0 {
			out.Set(i, float64(ids[c]))
		}
	}
	env.Logger.Debug().Int("components", len(sizes)).Int("kept", next).Msg("Labeled chunk")
	return out, nil
}

type sizeFilter struct{ p SizeFilterParams }

func (f sizeFilter) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	if !in.DType().IsInteger() {
		return nil, fmt.Errorf("size_filter needs a label image, got %v samples", in.DType())
	}
	counts := labelCounts(in)
	out, err := env.Scratch(in.Shape(), in.DType())
	if err != nil {
		return nil, err
	}
	for i := 0; i < in.Len(); i++ {
		v := in.At(i)
		if v == 0 {
			continue
		}
		if n := counts[v]; n >= f.p.MinSize && n <= f.p.MaxSize {
			out.Set(i, v)
		}
	}
	return out, nil
}

type labelBySize struct{}

func (labelBySize) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	if !in.DType().IsInteger() {
		return nil, fmt.Errorf("label_by_size needs a label image, got %v samples", in.DType())
	}
	counts := labelCounts(in)
	out, err := env.Scratch(in.Shape(), volume.Uint32)
	if err != nil {
		return nil, err
	}
	for i := 0; i < in.Len(); i++ {
		if v := in.At(i); v != 0 {
			out.Set(i, float64(counts[v]))
		}
	}
	return out, nil
}

func labelCounts(v *volume.Volume) map[float64]int {
	counts := make(map[float64]int)
	for i := 0; i < v.Len(); i++ {
		if x := v.At(i); x != 0 {
			counts[x]++
		}
	}
	return counts
}

// maxLabel is the largest label an Int32 label image can hold.
const maxLabel = math.MaxInt32

func checkLabelCount(n int) error {
	if n > maxLabel {
		return fmt.Errorf("%d components exceed the int32 label range", n)
	}
	return nil
}

// Components finds the connected components of mask. It returns, per voxel,
// the component index (-1 for background) and the voxel count of every
// component. Components are indexed in the order their first voxel is met in
// a Z, Y, X scan.
func Components(mask []bool, shape models.Shape, connectivity int) ([]int, []int) {
	offsets := backwardNeighbors(connectivity)
	parent := make([]int, len(mask))
	for i := range parent {
		parent[i] = -1
	}

	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				i := (z*shape[1]+y)*shape[2] + x
				if !mask[i] {
					continue
				}
				parent[i] = i
				for _, o := range offsets {
					nz, ny, nx := z+o[0], y+o[1], x+o[2]
					if nz < 0 || ny < 0 || ny >= shape[1] || nx < 0 || nx >= shape[2] {
						continue
					}
					j := (nz*shape[1]+ny)*shape[2] + nx
					if !mask[j] {
						continue
					}
					ri, rj := find(i), find(j)
					if ri == rj {
						continue
					}
					// keep the root with the lower index so scan order is stable
					if ri < rj {
						parent[rj] = ri
					} else {
						parent[ri] = rj
					}
				}
			}
		}
	}

	comp := make([]int, len(mask))
	index := make(map[int]int)
	var sizes []int
	for i := range mask {
		if !mask[i] {
			comp[i] = -1
			continue
		}
		r := find(i)
		c, ok := index[r]
		if !ok {
			c = len(sizes)
			index[r] = c
			sizes = append(sizes, 0)
		}
		comp[i] = c
		sizes[c]++
	}
	return comp, sizes
}

// backwardNeighbors lists the neighbor offsets that precede a voxel in scan
// order for 6, 18 or 26 connectivity.
func backwardNeighbors(connectivity int) [][3]int {
	maxNonZero := 3
	switch connectivity {
	case 6:
		maxNonZero = 1
	case 18:
		maxNonZero = 2
	}
	var out [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := abs(dz) + abs(dy) + abs(dx)
				if n == 0 || n > maxNonZero {
					continue
				}
				if dz < 0 || (dz == 0 && dy < 0) || (dz == 0 && dy == 0 && dx < 0) {
					out = append(out, [3]int{dz, dy, dx})
				}
			}
		}
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
