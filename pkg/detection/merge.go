package detection

import (
	"fmt"
	"slices"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/measure"
)

// Merge converts per-chunk detections to global coordinates and keeps each
// one only in the chunk whose unique range contains it. Objects seen in the
// overlap margins of several chunks therefore appear exactly once.
//
// The coordinate columns come first, named z, y, x, followed by the
// remaining properties. A run without detections yields a table with columns
// and no rows.
func Merge(results []models.ChunkResult, chunks []models.ChunkDescriptor, properties []string) (*Table, error) {
	props := measure.WithCentroid(properties)
	table := &Table{Columns: Columns(props)}

	byIndex := make(map[int]models.ChunkDescriptor, len(chunks))
	for _, c := range chunks {
		byIndex[c.Index] = c
	}

	ordered := slices.Clone(results)
	slices.SortFunc(ordered, func(a, b models.ChunkResult) int { return a.Index - b.Index })

	for _, res := range ordered {
		chunk, ok := byIndex[res.Index]
		if !ok {
			return nil, errs.Configf("merge", "result for unknown chunk %d", res.Index)
		}
		origin := chunk.Overlap.Origin()
		for _, d := range res.Detections {
			var global [3]float64
			for a := 0; a < 3; a++ {
				global[a] = d.Coord[a] + float64(origin[a])
			}
			if !chunk.Unique.Contains(global) {
				continue
			}
			row, err := globalRow(d, global, origin, props)
			if err != nil {
				return nil, errs.InChunk(res.Index, errs.Configf("merge", "%v", err))
			}
			table.Rows = append(table.Rows, row)
		}
	}
	return table, nil
}

func globalRow(d models.Detection, global [3]float64, origin [3]int, props []string) ([]float64, error) {
	row := make([]float64, 0, len(props)+2)
	row = append(row, global[:]...)
	for _, p := range props[1:] {
		v, ok := d.Props[p]
		if !ok {
			return nil, fmt.Errorf("detection is missing property %q", p)
		}
		if len(v) != measure.Width(p) {
			return nil, fmt.Errorf("property %q has %d values, expected %d", p, len(v), measure.Width(p))
		}
		if measure.Spatial(p) {
			for i, x := range v {
				row = append(row, x+float64(origin[i%3]))
			}
			continue
		}
		row = append(row, v...)
	}
	return row, nil
}

// Columns returns the table columns for a property list whose first entry is
// the centroid.
func Columns(props []string) []string {
	cols := append([]string{}, models.AxisNames[:]...)
	for _, p := range props {
		if p == measure.Centroid {
			continue
		}
		switch w := measure.Width(p); {
		case w == 1:
			cols = append(cols, p)
		case measure.Spatial(p):
			for i := 0; i < w; i++ {
				suffix := models.AxisNames[i%3]
				if w > 3 {
					suffix += fmt.Sprint(i / 3)
				}
				cols = append(cols, p+"_"+suffix)
			}
		default:
			for i := 0; i < w; i++ {
				cols = append(cols, fmt.Sprintf("%s_%d", p, i))
			}
		}
	}
	return cols
}
