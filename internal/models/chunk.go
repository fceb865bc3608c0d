package models

// ChunkDescriptor describes one partition unit of a volume.
// Descriptors are created once per run by the planner and never modified.
type ChunkDescriptor struct {
	// Index is the position of the chunk in the grid, Z outermost
	Index int

	// Unique is the region owned exclusively by this chunk
	Unique Ranges

	// Overlap is Unique grown by the overlap margin and clipped to the volume
	Overlap Ranges
}

// Value is a measured property. Scalars have length 1, tuples are longer.
type Value []float64

// Scalar returns the first element of the value, or 0 for an empty value
func (v Value) Scalar() float64 {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}

// Detection is one extracted object.
type Detection struct {
	// Coord is the object position in voxel space (Z, Y, X).
	// It is chunk-local until the merger converts it to global coordinates.
	Coord [3]float64

	// Props maps a requested property name to its measured value
	Props map[string]Value
}

// ChunkResult is the raw output of running an operator chain on one chunk.
// Detections are in coordinates local to the chunk's overlap range.
type ChunkResult struct {
	Index      int
	Detections []Detection
}

// OperatorSpec is one step of an operator chain as written in a flow file.
type OperatorSpec struct {
	// Name selects the operator from the registry
	Name string `yaml:"name" json:"name"`

	// Params holds the operator attributes, checked against the operator's
	// declared parameter struct when the chain is compiled
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Save is the mosaic file that receives the unique part of this step's
	// output. Empty means the output is not persisted.
	Save string `yaml:"save,omitempty" json:"save,omitempty"`
}
