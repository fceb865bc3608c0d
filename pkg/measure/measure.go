// Package measure computes per-object properties from a label image.
//
// Each distinct non-zero label is one object. Shape properties come from the
// label image, intensity properties from a separate intensity volume of the
// same shape (the unfiltered chunk).
package measure

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// Centroid is the property that supplies the coordinate of every detection.
const Centroid = "centroid"

type property struct {
	width     int
	intensity bool
	// spatial values are Z, Y, X voxel positions, repeated width/3 times
	spatial bool
}

var properties = map[string]property{
	Centroid:    {width: 3, spatial: true},
	"area":      {width: 1},
	"label":     {width: 1},
	"bbox":      {width: 6, spatial: true},
	"axes":      {width: 3},
	"sum":       {width: 1, intensity: true},
	"mean":      {width: 1, intensity: true},
	"min":       {width: 1, intensity: true},
	"max":       {width: 1, intensity: true},
	"std":       {width: 1, intensity: true},
	"max_coord": {width: 3, intensity: true, spatial: true},
}

// Known lists the supported property names.
func Known() []string {
	names := make([]string, 0, len(properties))
	for n := range properties {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Width returns the number of values a property produces, or 0 if unknown.
func Width(name string) int {
	return properties[name].width
}

// Spatial reports whether the values of a property are voxel positions that
// move with the coordinate frame.
func Spatial(name string) bool {
	return properties[name].spatial
}

// ValidateProperties rejects unknown or repeated property names.
func ValidateProperties(props []string) error {
	seen := make(map[string]bool, len(props))
	for _, p := range props {
		if _, ok := properties[p]; !ok {
			return errs.Configf("properties", "unknown property %q (known: %v)", p, Known())
		}
		if seen[p] {
			return errs.Configf("properties", "property %q requested twice", p)
		}
		seen[p] = true
	}
	return nil
}

// WithCentroid returns props with centroid as the first entry, adding it
// when it is missing.
func WithCentroid(props []string) []string {
	out := []string{Centroid}
	for _, p := range props {
		if p != Centroid {
			out = append(out, p)
		}
	}
	return out
}

type region struct {
	label    float64
	count    int
	coordSum [3]float64
	// second moments, upper triangle used
	coordSq  [3][3]float64
	lo, hi   [3]int
	values   []float64
	maxVal   float64
	maxAt    [3]int
}

// Regions measures every labeled object. Detections are returned in
// increasing label order with Coord set to the centroid. intensity may be nil
// when no intensity property is requested.
func Regions(labels, intensity *volume.Volume, props []string) ([]models.Detection, error) {
	if !labels.DType().IsInteger() {
		return nil, fmt.Errorf("label image must hold integers, got %v", labels.DType())
	}
	needIntensity := false
	for _, p := range props {
		prop, ok := properties[p]
		if !ok {
			return nil, fmt.Errorf("unknown property %q", p)
		}
		needIntensity = needIntensity || prop.intensity
	}
	if needIntensity {
		if intensity == nil {
			return nil, fmt.Errorf("intensity properties requested without an intensity image")
		}
		if intensity.Shape() != labels.Shape() {
			return nil, fmt.Errorf("intensity shape %v does not match labels %v", intensity.Shape(), labels.Shape())
		}
	}

	shape := labels.Shape()
	regions := make(map[float64]*region)
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				i := labels.Index(z, y, x)
				l := labels.At(i)
				if l == 0 {
					continue
				}
				r, ok := regions[l]
				if !ok {
					r = &region{label: l, lo: [3]int{z, y, x}, hi: [3]int{z, y, x}}
					regions[l] = r
				}
				p := [3]int{z, y, x}
				r.count++
				for a := 0; a < 3; a++ {
					r.coordSum[a] += float64(p[a])
					r.lo[a] = min(r.lo[a], p[a])
					r.hi[a] = max(r.hi[a], p[a])
					for b := a; b < 3; b++ {
						r.coordSq[a][b] += float64(p[a] * p[b])
					}
				}
				if needIntensity {
					v := intensity.At(i)
					if len(r.values) == 0 || v > r.maxVal {
						r.maxVal, r.maxAt = v, p
					}
					r.values = append(r.values, v)
				}
			}
		}
	}

	ordered := make([]*region, 0, len(regions))
	for _, r := range regions {
		ordered = append(ordered, r)
	}
	slices.SortFunc(ordered, func(a, b *region) int {
		switch {
		case a.label < b.label:
			return -1
		case a.label > b.label:
			return 1
		}
		return 0
	})

	out := make([]models.Detection, 0, len(ordered))
	for _, r := range ordered {
		var centroid [3]float64
		for a := 0; a < 3; a++ {
			centroid[a] = r.coordSum[a] / float64(r.count)
		}
		d := models.Detection{Coord: centroid, Props: make(map[string]models.Value, len(props))}
		for _, p := range props {
			d.Props[p] = r.value(p, centroid)
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *region) value(p string, centroid [3]float64) models.Value {
	switch p {
	case Centroid:
		return models.Value{centroid[0], centroid[1], centroid[2]}
	case "area":
		return models.Value{float64(r.count)}
	case "label":
		return models.Value{r.label}
	case "bbox":
		// start inclusive, stop exclusive
		return models.Value{float64(r.lo[0]), float64(r.lo[1]), float64(r.lo[2]),
			float64(r.hi[0] + 1), float64(r.hi[1] + 1), float64(r.hi[2] + 1)}
	case "sum":
		return models.Value{floats.Sum(r.values)}
	case "mean":
		return models.Value{stat.Mean(r.values, nil)}
	case "min":
		return models.Value{floats.Min(r.values)}
	case "max":
		return models.Value{floats.Max(r.values)}
	case "std":
		return models.Value{stat.PopStdDev(r.values, nil)}
	case "max_coord":
		return models.Value{float64(r.maxAt[0]), float64(r.maxAt[1]), float64(r.maxAt[2])}
	case "axes":
		return r.axes(centroid)
	}
	return nil
}

// axes returns the standard deviations of the voxel positions along the
// principal axes of the object, largest first.
func (r *region) axes(centroid [3]float64) models.Value {
	n := float64(r.count)
	cov := mat.NewSymDense(3, nil)
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			cov.SetSym(a, b, r.coordSq[a][b]/n-centroid[a]*centroid[b])
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(cov, false) {
		return models.Value{0, 0, 0}
	}
	vals := eig.Values(nil)
	out := make(models.Value, 3)
	for i, v := range vals {
		// ascending order from the factorization
		out[2-i] = math.Sqrt(math.Max(v, 0))
	}
	return out
}
