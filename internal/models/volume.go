package models

import (
	"fmt"
)

// Axis names in storage order. Volumes are stored Z-major: index = z*Y*X + y*X + x.
var AxisNames = [3]string{"z", "y", "x"}

// Shape is the extent of a volume along Z, Y and X, in voxels.
type Shape [3]int

// Voxels returns the number of voxels in the shape
func (s Shape) Voxels() int {
	return s[0] * s[1] * s[2]
}

// String formats the shape as ZxYxX
func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// Range is a half-open interval [Start, Stop) along one axis.
type Range struct {
	Start int `yaml:"start" json:"start"`
	Stop  int `yaml:"stop" json:"stop"`
}

// Len returns the number of voxels covered by the range
func (r Range) Len() int {
	return r.Stop - r.Start
}

// Contains reports whether the coordinate lies in [Start, Stop).
func (r Range) Contains(c float64) bool {
	return c >= float64(r.Start) && c < float64(r.Stop)
}

// Ranges holds one Range per axis, in Z, Y, X order.
type Ranges [3]Range

// Full returns the ranges spanning an entire volume of the given shape
func Full(shape Shape) Ranges {
	return Ranges{{0, shape[0]}, {0, shape[1]}, {0, shape[2]}}
}

// Shape returns the extent of the ranges
func (r Ranges) Shape() Shape {
	return Shape{r[0].Len(), r[1].Len(), r[2].Len()}
}

// Origin returns the start coordinate of each axis
func (r Ranges) Origin() [3]int {
	return [3]int{r[0].Start, r[1].Start, r[2].Start}
}

// Sub translates the ranges so that origin becomes the zero coordinate.
// It converts global ranges into ranges local to a sub-volume starting at origin.
func (r Ranges) Sub(origin [3]int) Ranges {
	var out Ranges
	for a := range r {
		out[a] = Range{r[a].Start - origin[a], r[a].Stop - origin[a]}
	}
	return out
}

// Contains reports whether p lies inside the ranges on every axis.
func (r Ranges) Contains(p [3]float64) bool {
	for a := range r {
		if !r[a].Contains(p[a]) {
			return false
		}
	}
	return true
}

// Covers reports whether o lies completely inside r.
func (r Ranges) Covers(o Ranges) bool {
	for a := range r {
		if o[a].Start < r[a].Start || o[a].Stop > r[a].Stop {
			return false
		}
	}
	return true
}

// Within reports whether the ranges are non-empty and inside a volume of the given shape.
func (r Ranges) Within(shape Shape) bool {
	for a := range r {
		if r[a].Start < 0 || r[a].Stop > shape[a] || r[a].Start >= r[a].Stop {
			return false
		}
	}
	return true
}

// String formats the ranges as z=[a,b) y=[c,d) x=[e,f)
func (r Ranges) String() string {
	return fmt.Sprintf("z=[%d,%d) y=[%d,%d) x=[%d,%d)",
		r[0].Start, r[0].Stop, r[1].Start, r[1].Stop, r[2].Start, r[2].Stop)
}
