package operators

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

func init() {
	Register("threshold_minimum", Definition{
		Params: func() Params { return &ThresholdMinimumParams{} },
		Build:  func(p Params) Operator { return thresholdMinimum{*p.(*ThresholdMinimumParams)} },
	})
	Register("threshold", Definition{
		Params: func() Params { return &ThresholdParams{} },
		Build:  func(p Params) Operator { return threshold{*p.(*ThresholdParams)} },
	})
	Register("standardize", Definition{
		Params: func() Params { return &StandardizeParams{} },
		Build:  func(Params) Operator { return standardize{} },
	})
	Register("gaussian", Definition{
		Params: func() Params { return &GaussianParams{Sigma: 1} },
		Build:  func(p Params) Operator { return gaussian{*p.(*GaussianParams)} },
	})
	Register("median", Definition{
		Params: func() Params { return &WindowParams{Size: Window{3, 3, 3}} },
		Build:  func(p Params) Operator { return median{p.(*WindowParams).Size} },
	})
	Register("max", Definition{
		Params: func() Params { return &WindowParams{Size: Window{3, 3, 3}} },
		Build:  func(p Params) Operator { return rankFilter{p.(*WindowParams).Size, math.Max} },
	})
	Register("erode", Definition{
		Params: func() Params { return &WindowParams{Size: Window{3, 3, 3}} },
		Build:  func(p Params) Operator { return rankFilter{p.(*WindowParams).Size, math.Min} },
	})
}

// Window is a box size per axis (Z, Y, X). In a flow file it is written either
// as one integer or as a list of three.
type Window [3]int

// UnmarshalYAML accepts `3` as well as `[1, 3, 3]`.
func (w *Window) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var s int
		if err := n.Decode(&s); err != nil {
			return err
		}
		*w = Window{s, s, s}
		return nil
	}
	var l []int
	if err := n.Decode(&l); err != nil {
		return err
	}
	if len(l) != 3 {
		return fmt.Errorf("window needs 3 sizes, got %d", len(l))
	}
	copy(w[:], l)
	return nil
}

func (w Window) validate() error {
	for a, s := range w {
		if s < 1 {
			return fmt.Errorf("size along %s must be at least 1, got %d", models.AxisNames[a], s)
		}
	}
	return nil
}

// ThresholdMinimumParams configures threshold_minimum, which zeroes every
// sample below Min.
type ThresholdMinimumParams struct {
	Min *float64 `yaml:"min"`
}

func (p *ThresholdMinimumParams) Validate() error {
	if p.Min == nil {
		return errors.New("min is required")
	}
	return nil
}

// ThresholdParams configures threshold, which produces a uint8 mask of the
// samples above Value.
type ThresholdParams struct {
	Value *float64 `yaml:"value"`
}

func (p *ThresholdParams) Validate() error {
	if p.Value == nil {
		return errors.New("value is required")
	}
	return nil
}

// StandardizeParams is empty: standardize rescales to zero mean and unit
// standard deviation.
type StandardizeParams struct{}

func (p *StandardizeParams) Validate() error { return nil }

// GaussianParams configures a separable gaussian blur. The kernel is
// truncated at four standard deviations.
type GaussianParams struct {
	Sigma float64 `yaml:"sigma"`
}

func (p *GaussianParams) Validate() error {
	if p.Sigma <= 0 {
		return fmt.Errorf("sigma must be positive, got %g", p.Sigma)
	}
	return nil
}

// WindowParams configures the box filters median, max and erode.
type WindowParams struct {
	Size Window `yaml:"size"`
}

func (p *WindowParams) Validate() error { return p.Size.validate() }

type thresholdMinimum struct{ p ThresholdMinimumParams }

func (t thresholdMinimum) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	out, err := env.Scratch(in.Shape(), in.DType())
	if err != nil {
		return nil, err
	}
	floor := *t.p.Min
	for i := 0; i < in.Len(); i++ {
		if v := in.At(i); v >= floor {
			out.Set(i, v)
		}
	}
	return out, nil
}

type threshold struct{ p ThresholdParams }

func (t threshold) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	out, err := env.Scratch(in.Shape(), volume.Uint8)
	if err != nil {
		return nil, err
	}
	value := *t.p.Value
	for i := 0; i < in.Len(); i++ {
		if in.At(i) > value {
			out.Set(i, 1)
		}
	}
	return out, nil
}

type standardize struct{}

func (standardize) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	buf := load(in)
	mean, std := stat.MeanStdDev(buf, nil)
	floats.AddConst(-mean, buf)
	if std > 0 && !math.IsNaN(std) {
		floats.Scale(1/std, buf)
	} else {
		// constant chunk
		for i := range buf {
			buf[i] = 0
		}
	}
	return store(env, in.Shape(), volume.Float32, buf)
}

type gaussian struct{ p GaussianParams }

func (g gaussian) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	radius := int(math.Ceil(4 * g.p.Sigma))
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * g.p.Sigma * g.p.Sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)

	shape := in.Shape()
	buf := load(in)
	line := make([]float64, max(shape[0], shape[1], shape[2]))
	for a := 0; a < 3; a++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := shape[a]
		forEachLine(shape, a, func(base, stride int) {
			for i := 0; i < n; i++ {
				line[i] = buf[base+i*stride]
			}
			for i := 0; i < n; i++ {
				var acc float64
				for k, w := range kernel {
					j := clamp(i+k-radius, n)
					acc += w * line[j]
				}
				buf[base+i*stride] = acc
			}
		})
	}
	return store(env, shape, volume.Float32, buf)
}

// rankFilter applies a separable box maximum (grey dilation) or minimum
// (grey erosion).
type rankFilter struct {
	size Window
	pick func(a, b float64) float64
}

func (r rankFilter) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	shape := in.Shape()
	buf := load(in)
	line := make([]float64, max(shape[0], shape[1], shape[2]))
	for a := 0; a < 3; a++ {
		if r.size[a] == 1 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := shape[a]
		lo, hi := windowBounds(r.size[a])
		forEachLine(shape, a, func(base, stride int) {
			for i := 0; i < n; i++ {
				line[i] = buf[base+i*stride]
			}
			for i := 0; i < n; i++ {
				acc := line[clamp(i+lo, n)]
				for j := i + lo + 1; j <= i+hi; j++ {
					acc = r.pick(acc, line[clamp(j, n)])
				}
				buf[base+i*stride] = acc
			}
		})
	}
	return store(env, shape, in.DType(), buf)
}

type median struct{ size Window }

func (m median) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	shape := in.Shape()
	out, err := env.Scratch(shape, in.DType())
	if err != nil {
		return nil, err
	}
	var lo, hi [3]int
	for a := range m.size {
		lo[a], hi[a] = windowBounds(m.size[a])
	}
	window := make([]float64, 0, m.size[0]*m.size[1]*m.size[2])
	for z := 0; z < shape[0]; z++ {
		if err := ctx.Err(); err != nil {
			out.Close()
			return nil, err
		}
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				window = window[:0]
				for dz := lo[0]; dz <= hi[0]; dz++ {
					for dy := lo[1]; dy <= hi[1]; dy++ {
						for dx := lo[2]; dx <= hi[2]; dx++ {
							window = append(window, in.At(in.Index(
								clamp(z+dz, shape[0]), clamp(y+dy, shape[1]), clamp(x+dx, shape[2]))))
						}
					}
				}
				slices.Sort(window)
				out.Set(out.Index(z, y, x), window[len(window)/2])
			}
		}
	}
	return out, nil
}

// windowBounds returns the offsets covered by a window of the given size,
// centred with the extra sample of even sizes on the low side.
func windowBounds(size int) (lo, hi int) {
	lo = -(size / 2)
	return lo, lo + size - 1
}

// clamp maps i into [0, n), repeating the edge sample.
func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// forEachLine calls fn with the first index and stride of every line of
// voxels running along axis.
func forEachLine(shape models.Shape, axis int, fn func(base, stride int)) {
	strides := [3]int{shape[1] * shape[2], shape[2], 1}
	a1, a2 := (axis+1)%3, (axis+2)%3
	for i := 0; i < shape[a1]; i++ {
		for j := 0; j < shape[a2]; j++ {
			fn(i*strides[a1]+j*strides[a2], strides[axis])
		}
	}
}

// load copies a volume into a float64 buffer
func load(v *volume.Volume) []float64 {
	buf := make([]float64, v.Len())
	for i := range buf {
		buf[i] = v.At(i)
	}
	return buf
}

func store(env Env, shape models.Shape, dtype volume.DType, buf []float64) (*volume.Volume, error) {
	out, err := env.Scratch(shape, dtype)
	if err != nil {
		return nil, err
	}
	for i, v := range buf {
		out.Set(i, v)
	}
	return out, nil
}
