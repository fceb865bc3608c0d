package operators

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// failParams and failOp form an operator that always fails, for tests
type failParams struct{}

func (*failParams) Validate() error { return nil }

type failOp struct{}

func (failOp) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	return nil, errors.New("boom")
}

// panicOp indexes past the end of an empty slice
type panicOp struct{}

func (panicOp) Run(ctx context.Context, in *volume.Volume, env Env) (*volume.Volume, error) {
	var planes []*volume.Volume
	return planes[in.Len()], nil
}

func init() {
	Register("test_fail", Definition{
		Params: func() Params { return &failParams{} },
		Build:  func(Params) Operator { return failOp{} },
	})
	Register("test_panic", Definition{
		Params: func() Params { return &failParams{} },
		Build:  func(Params) Operator { return panicOp{} },
	})
}

func compile(t *testing.T, strict bool, specs ...models.OperatorSpec) *Chain {
	t.Helper()
	chain, err := Compile(specs, strict, zerolog.Nop())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return chain
}

func TestCompileRejectsBadFlows(t *testing.T) {
	tests := []struct {
		name string
		spec models.OperatorSpec
	}{
		{"unknown operator", models.OperatorSpec{Name: "no_such_filter"}},
		{"missing required", models.OperatorSpec{Name: "threshold_minimum"}},
		{"unknown key", models.OperatorSpec{Name: "threshold", Params: map[string]any{"value": 1, "colour": "red"}}},
		{"wrong type", models.OperatorSpec{Name: "gaussian", Params: map[string]any{"sigma": "wide"}}},
		{"bad window", models.OperatorSpec{Name: "median", Params: map[string]any{"size": []any{3, 3}}}},
		{"bad connectivity", models.OperatorSpec{Name: "label", Params: map[string]any{"connectivity": 8}}},
		{"inverted sizes", models.OperatorSpec{Name: "size_filter", Params: map[string]any{"min_size": 20, "max_size": 10}}},
		{"inverted sigmas", models.OperatorSpec{Name: "dog", Params: map[string]any{"sigma": 3, "sigma2": 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]models.OperatorSpec{tt.spec}, true, zerolog.Nop())
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
			var e *errs.Error
			if !errors.As(err, &e) || e.Operator != tt.spec.Name {
				t.Errorf("Expected error to name operator %q, got %v", tt.spec.Name, err)
			}
		})
	}
}

func TestCompileLenientIgnoresUnknownKeys(t *testing.T) {
	chain := compile(t, false, models.OperatorSpec{
		Name:   "threshold",
		Params: map[string]any{"value": 2.5, "colour": "red"},
	})
	p := chain.Steps[0].Params.(*ThresholdParams)
	if p.Value == nil || *p.Value != 2.5 {
		t.Errorf("Expected value 2.5, got %v", p.Value)
	}

	_, err := Compile([]models.OperatorSpec{{Name: "gaussian", Params: map[string]any{"sigma": "wide"}}},
		false, zerolog.Nop())
	if err == nil {
		t.Errorf("Type errors must fail in lenient mode too")
	}
}

func TestWindowDecoding(t *testing.T) {
	chain := compile(t, true,
		models.OperatorSpec{Name: "max", Params: map[string]any{"size": 5}},
		models.OperatorSpec{Name: "erode", Params: map[string]any{"size": []any{1, 3, 3}}},
		models.OperatorSpec{Name: "median"},
	)
	want := []Window{{5, 5, 5}, {1, 3, 3}, {3, 3, 3}}
	for i, w := range want {
		if got := chain.Steps[i].Params.(*WindowParams).Size; got != w {
			t.Errorf("Step %d: expected %v, got %v", i, w, got)
		}
	}
}

func cube(shape models.Shape, dtype volume.DType, lo, hi [3]int, value float64) *volume.Volume {
	v := volume.New(shape, dtype)
	for z := lo[0]; z < hi[0]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			for x := lo[2]; x < hi[2]; x++ {
				v.Set(v.Index(z, y, x), value)
			}
		}
	}
	return v
}

func TestLabelFiltersBySize(t *testing.T) {
	v := cube(models.Shape{10, 10, 10}, volume.Uint16, [3]int{1, 1, 1}, [3]int{4, 4, 4}, 100)
	// a single bright voxel far from the cube
	v.Set(v.Index(8, 8, 8), 100)
	// a 2x2x2 cube
	for _, p := range [][3]int{{6, 1, 1}, {6, 1, 2}, {6, 2, 1}, {6, 2, 2}, {7, 1, 1}, {7, 1, 2}, {7, 2, 1}, {7, 2, 2}} {
		v.Set(v.Index(p[0], p[1], p[2]), 100)
	}

	chain := compile(t, true, models.OperatorSpec{
		Name:   "label",
		Params: map[string]any{"threshold": 50, "min_size": 8},
	})
	out, err := chain.Run(context.Background(), v, Env{Logger: zerolog.Nop()}, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.DType() != volume.Int32 {
		t.Fatalf("Expected int32 labels, got %v", out.DType())
	}
	if got := out.At(out.Index(2, 2, 2)); got != 1 {
		t.Errorf("Expected first cube labeled 1, got %v", got)
	}
	if got := out.At(out.Index(7, 2, 2)); got != 2 {
		t.Errorf("Expected second cube labeled 2, got %v", got)
	}
	if got := out.At(out.Index(8, 8, 8)); got != 0 {
		t.Errorf("Expected single voxel filtered out, got %v", got)
	}
}

func TestComponentsConnectivity(t *testing.T) {
	shape := models.Shape{1, 2, 2}
	// two voxels touching only diagonally
	mask := []bool{true, false, false, true}
	if _, sizes := Components(mask, shape, 6); len(sizes) != 2 {
		t.Errorf("6-connectivity: expected 2 components, got %d", len(sizes))
	}
	if _, sizes := Components(mask, shape, 18); len(sizes) != 1 {
		t.Errorf("18-connectivity: expected 1 component, got %d", len(sizes))
	}
}

func TestSizeFilterAndLabelBySize(t *testing.T) {
	v := volume.New(models.Shape{1, 1, 6}, volume.Int32)
	for i, l := range []float64{1, 1, 1, 2, 0, 3} {
		v.Set(i, l)
	}
	chain := compile(t, true,
		models.OperatorSpec{Name: "size_filter", Params: map[string]any{"min_size": 1, "max_size": 2}},
	)
	out, err := chain.Run(context.Background(), v, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0, 0, 2, 0, 3}
	for i, w := range want {
		if out.At(i) != w {
			t.Errorf("size_filter[%d]: expected %v, got %v", i, w, out.At(i))
		}
	}

	chain = compile(t, true, models.OperatorSpec{Name: "label_by_size"})
	out, err = chain.Run(context.Background(), v, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want = []float64{3, 3, 3, 1, 0, 1}
	for i, w := range want {
		if out.At(i) != w {
			t.Errorf("label_by_size[%d]: expected %v, got %v", i, w, out.At(i))
		}
	}

	f := volume.New(models.Shape{1, 1, 1}, volume.Float32)
	_, err = chain.Run(context.Background(), f, Env{}, nil)
	if !errors.Is(err, errs.ErrOperator) {
		t.Errorf("Expected operator error for float labels, got %v", err)
	}
}

func TestMaxAndErode(t *testing.T) {
	v := cube(models.Shape{5, 5, 5}, volume.Uint8, [3]int{2, 2, 2}, [3]int{3, 3, 3}, 9)
	chain := compile(t, true, models.OperatorSpec{Name: "max", Params: map[string]any{"size": 3}})
	dilated, err := chain.Run(context.Background(), v, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for i := 0; i < dilated.Len(); i++ {
		if dilated.At(i) == 9 {
			count++
		}
	}
	if count != 27 {
		t.Errorf("Expected a 3x3x3 block after max, got %d voxels", count)
	}

	chain = compile(t, true, models.OperatorSpec{Name: "erode", Params: map[string]any{"size": 3}})
	eroded, err := chain.Run(context.Background(), dilated, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < eroded.Len(); i++ {
		if eroded.At(i) != v.At(i) {
			t.Fatalf("Erode after max should restore the single voxel, differs at %d", i)
		}
	}
}

func TestMedianRemovesSpeck(t *testing.T) {
	v := cube(models.Shape{5, 5, 5}, volume.Uint16, [3]int{0, 0, 0}, [3]int{5, 5, 5}, 10)
	v.Set(v.Index(2, 2, 2), 1000)
	chain := compile(t, true, models.OperatorSpec{Name: "median"})
	out, err := chain.Run(context.Background(), v, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.At(out.Index(2, 2, 2)); got != 10 {
		t.Errorf("Expected speck replaced by 10, got %v", got)
	}
}

func TestStandardizeAndGaussian(t *testing.T) {
	v := volume.New(models.Shape{2, 3, 4}, volume.Uint16)
	for i := 0; i < v.Len(); i++ {
		v.Set(i, float64(i))
	}
	chain := compile(t, true,
		models.OperatorSpec{Name: "standardize"},
		models.OperatorSpec{Name: "gaussian", Params: map[string]any{"sigma": 0.5}},
	)
	var afterStandardize float64
	out, err := chain.Run(context.Background(), v, Env{}, func(i int, s Step, out *volume.Volume) error {
		if i == 0 {
			for j := 0; j < out.Len(); j++ {
				afterStandardize += out.At(j)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(afterStandardize) > 1e-3 {
		t.Errorf("Expected zero mean after standardize, got sum %v", afterStandardize)
	}
	if out.DType() != volume.Float32 {
		t.Errorf("Expected float32 output, got %v", out.DType())
	}
	// blurring an increasing ramp keeps it increasing along x
	if out.At(out.Index(1, 1, 0)) >= out.At(out.Index(1, 1, 3)) {
		t.Errorf("Expected ramp to survive blur")
	}
}

func TestRunReportsFailingOperator(t *testing.T) {
	v := volume.New(models.Shape{2, 2, 2}, volume.Uint8)
	chain := compile(t, true,
		models.OperatorSpec{Name: "threshold", Params: map[string]any{"value": 0}},
		models.OperatorSpec{Name: "test_fail"},
	)
	_, err := chain.Run(context.Background(), v, Env{Dir: t.TempDir()}, nil)
	if !errors.Is(err, errs.ErrOperator) {
		t.Fatalf("Expected operator error, got %v", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Operator != "test_fail" {
		t.Errorf("Expected error to name test_fail, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := chain.Run(ctx, v, Env{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSpectralBlurMatchesGaussian(t *testing.T) {
	shape := models.Shape{1, 1, 31}
	v := volume.New(shape, volume.Float32)
	v.Set(15, 1)

	chain := compile(t, true, models.OperatorSpec{Name: "gaussian", Params: map[string]any{"sigma": 1.5}})
	want, err := chain.Run(context.Background(), v, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := load(v)
	if err := spectralBlur(context.Background(), got, shape, 1.5); err != nil {
		t.Fatal(err)
	}
	for i := range got {
		if math.Abs(got[i]-want.At(i)) > 1e-4 {
			t.Errorf("Voxel %d: expected %v, got %v", i, want.At(i), got[i])
		}
	}
}

func TestDoG(t *testing.T) {
	shape := models.Shape{21, 21, 21}
	flat := volume.New(shape, volume.Uint16)
	for i := 0; i < flat.Len(); i++ {
		flat.Set(i, 500)
	}
	chain := compile(t, true, models.OperatorSpec{Name: "dog", Params: map[string]any{"sigma": 1, "sigma2": 3}})
	out, err := chain.Run(context.Background(), flat, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.DType() != volume.Float32 {
		t.Errorf("Expected float32 output, got %v", out.DType())
	}
	for i := 0; i < out.Len(); i++ {
		if math.Abs(out.At(i)) > 1e-3 {
			t.Fatalf("Expected a flat volume to vanish, got %v at %d", out.At(i), i)
		}
	}

	// a spot on a background keeps a positive peak and nothing far away
	spot := volume.New(shape, volume.Uint16)
	for i := 0; i < spot.Len(); i++ {
		spot.Set(i, 100)
	}
	center := (10*21+10)*21 + 10
	spot.Set(center, 1000)
	out, err = chain.Run(context.Background(), spot, Env{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.At(center) <= 0 {
		t.Errorf("Expected a positive response at the spot, got %v", out.At(center))
	}
	if c := out.At(0); c > 1e-3 {
		t.Errorf("Expected no response in the corner, got %v", c)
	}
	for i := 0; i < out.Len(); i++ {
		if out.At(i) < 0 {
			t.Fatalf("Expected negative responses to be zeroed, got %v at %d", out.At(i), i)
		}
	}
}

func TestRunRecoversPanickingOperator(t *testing.T) {
	v := volume.New(models.Shape{2, 2, 2}, volume.Uint8)
	chain := compile(t, true,
		models.OperatorSpec{Name: "threshold", Params: map[string]any{"value": 0}},
		models.OperatorSpec{Name: "test_panic"},
	)
	_, err := chain.Run(context.Background(), v, Env{Dir: t.TempDir()}, nil)
	if !errors.Is(err, errs.ErrOperator) {
		t.Fatalf("Expected operator error, got %v", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Operator != "test_panic" {
		t.Errorf("Expected error to name test_panic, got %v", err)
	}
	if !strings.Contains(err.Error(), "panic: runtime error") {
		t.Errorf("Expected error to carry the panic value, got %v", err)
	}
}

func TestCheckLabelCount(t *testing.T) {
	if err := checkLabelCount(maxLabel); err != nil {
		t.Errorf("Expected %d labels to fit, got %v", maxLabel, err)
	}
	if err := checkLabelCount(maxLabel + 1); err == nil {
		t.Errorf("Expected an error for %d labels", maxLabel+1)
	}
}

func TestScratchOnDisk(t *testing.T) {
	dir := t.TempDir()
	env := Env{Dir: dir}
	v, err := env.Scratch(models.Shape{2, 2, 2}, volume.Float32)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	if v.InMemory() || v.Path() == "" {
		t.Errorf("Expected a file-backed scratch volume in %s", dir)
	}
}
