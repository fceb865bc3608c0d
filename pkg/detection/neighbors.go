package detection

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// NearestNeighbors returns, for every row of t, the Euclidean distance to the
// closest other detection. Two detections at the same position have distance
// 0, which makes leftover duplicates easy to spot. Tables with fewer than two
// rows have no neighbors and yield nil.
func NearestNeighbors(t *Table) []float64 {
	if t.Len() < 2 {
		return nil
	}
	z, y, x := t.Column("z"), t.Column("y"), t.Column("x")
	if z == nil || y == nil || x == nil {
		return nil
	}

	points := make(kdtree.Points, t.Len())
	for i := range points {
		points[i] = kdtree.Point{z[i], y[i], x[i]}
	}
	// kdtree.New reorders its input
	tree := kdtree.New(append(kdtree.Points(nil), points...), false)

	out := make([]float64, len(points))
	for i, p := range points {
		keep := kdtree.NewNKeeper(2)
		tree.NearestSet(keep, p)
		// the query point itself is one of the two kept at distance 0
		out[i] = math.Sqrt(keep.Heap[0].Dist)
	}
	return out
}
