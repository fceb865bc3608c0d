package chunking

import (
	"errors"
	"reflect"
	"testing"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
)

func TestPlanSingleChunk(t *testing.T) {
	shape := models.Shape{40, 40, 40}
	chunks, err := Plan(shape, 2, Constraints{
		Overlap:      10,
		MinSizes:     [3]int{30, 30, 30},
		AspectRatio:  [3]float64{1, 10, 10},
		MemoryBudget: 1 << 30,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	want := models.Ranges{{Start: 0, Stop: 40}, {Start: 0, Stop: 40}, {Start: 0, Stop: 40}}
	if chunks[0].Unique != want || chunks[0].Overlap != want {
		t.Errorf("Expected unique and overlap %v, got %v / %v", want, chunks[0].Unique, chunks[0].Overlap)
	}
}

func TestSplitAxis(t *testing.T) {
	tests := []struct {
		length, maxSize, minSize int
		want                     []int
	}{
		{100, 30, 10, []int{25, 25, 25, 25}},
		{90, 30, 10, []int{30, 30, 30}},
		{101, 30, 10, []int{25, 25, 25, 26}},
		{20, 30, 10, []int{20}},
		{7, 3, 1, []int{2, 2, 3}},
	}
	for _, tt := range tests {
		got, err := SplitAxis(tt.length, tt.maxSize, tt.minSize)
		if err != nil {
			t.Errorf("SplitAxis(%d, %d, %d) failed: %v", tt.length, tt.maxSize, tt.minSize, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitAxis(%d, %d, %d) = %v, expected %v", tt.length, tt.maxSize, tt.minSize, got, tt.want)
		}
		sum := 0
		for _, s := range got {
			sum += s
		}
		if sum != tt.length {
			t.Errorf("sizes %v sum to %d, expected %d", got, sum, tt.length)
		}
	}

	if _, err := SplitAxis(100, 30, 26); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error when the even size falls below min size, got %v", err)
	}
}

func TestPlanUnevenDivision(t *testing.T) {
	// A 40^3 voxel budget with aspect 1:1:1 gives c = 40 and a max unique
	// size of 40 - 2*5 = 30 on every axis.
	shape := models.Shape{100, 100, 100}
	c := Constraints{
		Overlap:      5,
		MinSizes:     [3]int{10, 10, 10},
		AspectRatio:  [3]float64{1, 1, 1},
		MemoryBudget: 40 * 40 * 40,
	}
	if got := MaxSizes(64000, c); got != [3]int{30, 30, 30} {
		t.Fatalf("Expected max sizes 30, got %v", got)
	}

	chunks, err := Plan(shape, 1, c)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(chunks) != 64 {
		t.Fatalf("Expected 4x4x4 chunks, got %d", len(chunks))
	}

	first, last := chunks[0], chunks[len(chunks)-1]
	if first.Unique[2] != (models.Range{Start: 0, Stop: 25}) {
		t.Errorf("first unique x range: %v", first.Unique[2])
	}
	if first.Overlap[2] != (models.Range{Start: 0, Stop: 30}) {
		t.Errorf("first overlap x range: expected [0,30), got %v", first.Overlap[2])
	}
	if last.Unique[2] != (models.Range{Start: 75, Stop: 100}) {
		t.Errorf("last unique x range: %v", last.Unique[2])
	}
	if last.Overlap[2] != (models.Range{Start: 70, Stop: 100}) {
		t.Errorf("last overlap x range: expected [70,100), got %v", last.Overlap[2])
	}
	if chunks[1].Overlap[2] != (models.Range{Start: 20, Stop: 55}) {
		t.Errorf("interior overlap x range: expected [20,55), got %v", chunks[1].Overlap[2])
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
	}
}

func TestPlanRejectsUnsatisfiableConstraints(t *testing.T) {
	tests := []struct {
		name  string
		shape models.Shape
		c     Constraints
	}{
		{
			name:  "overlap exceeds min size",
			shape: models.Shape{100, 100, 100},
			c: Constraints{
				Overlap: 15, MinSizes: [3]int{10, 10, 10},
				AspectRatio: [3]float64{1, 1, 1}, MemoryBudget: 1 << 40,
			},
		},
		{
			name:  "min size above achievable chunk",
			shape: models.Shape{100, 100, 100},
			c: Constraints{
				Overlap: 5, MinSizes: [3]int{35, 10, 10},
				AspectRatio: [3]float64{1, 1, 1}, MemoryBudget: 40 * 40 * 40,
			},
		},
		{
			name:  "budget too small for the overlap",
			shape: models.Shape{100, 100, 100},
			c: Constraints{
				Overlap: 5, MinSizes: [3]int{5, 5, 5},
				AspectRatio: [3]float64{1, 1, 1}, MemoryBudget: 8 * 8 * 8,
			},
		},
		{
			name:  "zero aspect",
			shape: models.Shape{100, 100, 100},
			c: Constraints{
				Overlap: 5, MinSizes: [3]int{10, 10, 10},
				AspectRatio: [3]float64{0, 1, 1}, MemoryBudget: 1 << 20,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.shape, 1, tt.c)
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Fatalf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestConstraintsValidate(t *testing.T) {
	ok := Constraints{
		Overlap: 10, MinSizes: [3]int{10, 20, 20},
		AspectRatio: [3]float64{1, 1, 1}, MemoryBudget: 1 << 20,
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	bad := map[string]func(c *Constraints){
		"overlap exceeds min size": func(c *Constraints) { c.Overlap = 15 },
		"negative overlap":         func(c *Constraints) { c.Overlap = -1 },
		"negative aspect":          func(c *Constraints) { c.AspectRatio[2] = -1 },
		"zero budget":              func(c *Constraints) { c.MemoryBudget = 0 },
	}
	for name, modify := range bad {
		t.Run(name, func(t *testing.T) {
			c := ok
			modify(&c)
			if err := c.Validate(); !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

// TestPlanTiling checks that unique ranges cover every voxel exactly once and
// that overlap ranges contain their unique range without leaving the volume.
func TestPlanTiling(t *testing.T) {
	cases := []struct {
		shape    models.Shape
		itemSize int
		c        Constraints
	}{
		{models.Shape{37, 53, 61}, 1, Constraints{Overlap: 3, MinSizes: [3]int{4, 4, 4}, AspectRatio: [3]float64{1, 1, 1}, MemoryBudget: 20 * 20 * 20}},
		{models.Shape{30, 90, 90}, 2, Constraints{Overlap: 2, MinSizes: [3]int{3, 10, 10}, AspectRatio: [3]float64{1, 4, 4}, MemoryBudget: 8 * 32 * 32 * 2}},
		{models.Shape{64, 64, 64}, 1, Constraints{Overlap: 0, MinSizes: [3]int{1, 1, 1}, AspectRatio: [3]float64{1, 1, 1}, MemoryBudget: 16 * 16 * 16}},
		{models.Shape{11, 200, 13}, 1, Constraints{Overlap: 1, MinSizes: [3]int{2, 2, 2}, AspectRatio: [3]float64{1, 2, 1}, MemoryBudget: 12 * 24 * 12}},
	}

	for _, tc := range cases {
		chunks, err := Plan(tc.shape, tc.itemSize, tc.c)
		if err != nil {
			t.Fatalf("Plan(%v) failed: %v", tc.shape, err)
		}
		if len(chunks) < 2 {
			t.Fatalf("Plan(%v): expected a split, got %d chunk(s)", tc.shape, len(chunks))
		}

		coverage := make([]uint8, tc.shape.Voxels())
		for _, ch := range chunks {
			if !ch.Overlap.Covers(ch.Unique) {
				t.Errorf("chunk %d: overlap %v does not contain unique %v", ch.Index, ch.Overlap, ch.Unique)
			}
			if !ch.Overlap.Within(tc.shape) {
				t.Errorf("chunk %d: overlap %v leaves the volume %v", ch.Index, ch.Overlap, tc.shape)
			}
			u := ch.Unique
			for z := u[0].Start; z < u[0].Stop; z++ {
				for y := u[1].Start; y < u[1].Stop; y++ {
					for x := u[2].Start; x < u[2].Stop; x++ {
						coverage[(z*tc.shape[1]+y)*tc.shape[2]+x]++
					}
				}
			}
		}
		for i, n := range coverage {
			if n != 1 {
				t.Fatalf("Plan(%v): voxel %d covered %d times", tc.shape, i, n)
			}
		}

		if len(UniqueRanges(chunks)) != len(chunks) || len(OverlapRanges(chunks)) != len(chunks) {
			t.Errorf("range helpers returned wrong lengths")
		}
	}
}

func TestAddOverlapClampsWithoutGrowingOppositeEdge(t *testing.T) {
	shape := models.Shape{10, 10, 10}
	got := AddOverlap(models.Ranges{{Start: 0, Stop: 4}, {Start: 3, Stop: 7}, {Start: 8, Stop: 10}}, 3, shape)
	want := models.Ranges{{Start: 0, Stop: 7}, {Start: 0, Stop: 10}, {Start: 5, Stop: 10}}
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}
