package detection

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/chunking"
	"github.com/sunilgandhilab/brainquant3d/pkg/config"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/measure"
	"github.com/sunilgandhilab/brainquant3d/pkg/operators"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// RunStats summarizes a detection run.
type RunStats struct {
	// Shape is the shape of the processed (cropped) volume
	Shape models.Shape

	// Chunks is the number of chunks the volume was split into
	Chunks int

	// Detections counts every object found in any chunk, before merging
	Detections int

	// Kept is the number of rows in the merged table
	Kept int

	// Discarded counts detections dropped because another chunk owns them
	Discarded int

	// MeanPerChunk and StdPerChunk describe kept detections per chunk
	MeanPerChunk float64
	StdPerChunk  float64

	// MinNeighbor and MeanNeighbor describe the distance from each kept
	// detection to its nearest neighbor, in voxels
	MinNeighbor  float64
	MeanNeighbor float64

	Elapsed time.Duration
}

// Detector is the pipeline entry point. It is configured once from a Config
// and runs:
//  1. validation of properties and compilation of the operator chain
//  2. import of the (cropped) source into a run directory
//  3. chunk planning against the memory budget
//  4. chunk processing on the scheduler
//  5. merging and writing of the result table
type Detector struct {
	cfg   *config.Config
	log   zerolog.Logger
	stats RunStats
}

// NewDetector creates a detector for cfg.
func NewDetector(cfg *config.Config, logger zerolog.Logger) *Detector {
	return &Detector{cfg: cfg, log: logger}
}

// Process runs the whole pipeline and returns the merged table. When the
// configuration names a sink, the table is written there as well. The run
// directory is removed whether the run succeeds or fails; mosaics written by
// completed chunks stay.
func (d *Detector) Process(ctx context.Context) (table *Table, err error) {
	start := time.Now()
	cfg := d.cfg
	d.stats = RunStats{}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "detection.run",
		trace.WithAttributes(attribute.String("source", cfg.Source.Path)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Step 1: check everything that can be checked without touching data
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	props := measure.WithCentroid(cfg.Flow.Properties)
	if err := measure.ValidateProperties(props); err != nil {
		return nil, err
	}
	chain, err := operators.Compile(cfg.Flow.Steps, cfg.Flow.Strict, d.log)
	if err != nil {
		return nil, err
	}
	constraints, err := cfg.Constraints()
	if err != nil {
		return nil, err
	}
	if err := checkSaveTargets(chain, cfg.Source.Path); err != nil {
		return nil, err
	}

	runDir, err := volume.NewRunDir(cfg.Processing.TempDir, "bq3d-run-")
	if err != nil {
		return nil, err
	}
	log := d.log.With().Str("run", filepath.Base(runDir)).Logger()
	defer func() {
		if rmErr := volume.RemoveAll(runDir); rmErr != nil {
			log.Warn().Err(rmErr).Msg("Failed to remove run directory")
		}
	}()

	// Step 2: bring the source into the run directory
	source, shape, dtype, err := d.prepareSource(runDir, log)
	if err != nil {
		return nil, err
	}
	d.stats.Shape = shape

	// Step 3: plan chunks
	chunks, err := chunking.Plan(shape, dtype.ItemSize(), constraints)
	if err != nil {
		return nil, err
	}
	d.stats.Chunks = len(chunks)
	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	log.Info().Stringer("shape", shape).Str("dtype", dtype.String()).
		Str("budget", humanize.IBytes(constraints.MemoryBudget)).
		Int("chunks", len(chunks)).Int("processes", cfg.Processing.Processes).
		Msg("Planned chunks")

	if err := checkExistingMosaics(chain, shape, log); err != nil {
		return nil, err
	}

	// Step 4: process chunks
	tasks := make([]Task, len(chunks))
	for i, c := range chunks {
		tasks[i] = Task{
			Chunk:       c,
			Source:      source,
			SourceShape: shape,
			Chain:       chain,
			Properties:  props,
			TempRoot:    runDir,
			Logger:      log,
		}
	}
	sched := &Scheduler{Processes: cfg.Processing.Processes, TempRoot: runDir, Logger: log}
	results, err := sched.Run(ctx, tasks)
	if err != nil {
		return nil, err
	}

	// Step 5: merge and persist
	table, err = Merge(results, chunks, props)
	if err != nil {
		return nil, err
	}
	d.collectStats(results, chunks, table, start)
	log.Info().Int("kept", d.stats.Kept).Int("discarded", d.stats.Discarded).
		Dur("elapsed", d.stats.Elapsed).Msg("Merged detections")

	if cfg.Output.Sink != "" {
		if err := WriteTable(cfg.Output.Sink, table); err != nil {
			return nil, err
		}
		log.Info().Str("sink", cfg.Output.Sink).Int("rows", table.Len()).Msg("Wrote result table")
	}
	return table, nil
}

// GetStats returns the statistics of the last run
func (d *Detector) GetStats() RunStats {
	return d.stats
}

// prepareSource returns the path of a .vol file holding the volume to
// process. A .vol source without a crop is used in place; anything else is
// imported into the run directory.
func (d *Detector) prepareSource(runDir string, log zerolog.Logger) (string, models.Shape, volume.DType, error) {
	src := d.cfg.Source.Path
	crop := d.cfg.CropRanges()

	path := src
	if crop != nil || !strings.EqualFold(filepath.Ext(src), volume.Extension) {
		path = filepath.Join(runDir, "source"+volume.Extension)
		v, err := volume.Import(src, path, crop)
		if err != nil {
			return "", models.Shape{}, volume.Invalid, err
		}
		if err := v.Close(); err != nil {
			return "", models.Shape{}, volume.Invalid, err
		}
		log.Debug().Str("source", src).Str("copy", path).Msg("Imported source")
	}

	v, err := volume.Open(path)
	if err != nil {
		return "", models.Shape{}, volume.Invalid, err
	}
	defer v.Close()
	log.Info().Str("source", src).
		Str("size", humanize.IBytes(uint64(v.Len()*v.DType().ItemSize()))).
		Msg("Source ready")
	return path, v.Shape(), v.DType(), nil
}

// checkSaveTargets rejects save targets that would overwrite the source or
// that two steps share.
func checkSaveTargets(chain *operators.Chain, source string) error {
	src, err := filepath.Abs(source)
	if err != nil {
		return errs.Configf("config", "resolve source %s: %v", source, err)
	}
	seen := make(map[string]string)
	for _, s := range chain.Steps {
		if s.Save == "" {
			continue
		}
		path, err := filepath.Abs(s.Save)
		if err != nil {
			return errs.Configf("config", "resolve save target %s: %v", s.Save, err)
		}
		if path == src {
			return errs.Configf("config", "step %s would save over the source %s", s.Name, source)
		}
		if other, ok := seen[path]; ok {
			return errs.Configf("config", "steps %s and %s both save to %s", other, s.Name, s.Save)
		}
		seen[path] = s.Name
	}
	return nil
}

// checkExistingMosaics makes sure mosaics left by an earlier run match the
// volume shape. Matching mosaics are reused: every chunk rewrites its unique
// range, so no stale voxel survives the run.
func checkExistingMosaics(chain *operators.Chain, shape models.Shape, log zerolog.Logger) error {
	for _, s := range chain.Steps {
		if s.Save == "" {
			continue
		}
		m, err := volume.Open(s.Save)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		got := m.Shape()
		m.Close()
		if got != shape {
			return errs.Storagef("mosaic", nil, "%s holds a %v volume, expected %v", s.Save, got, shape)
		}
		log.Debug().Str("mosaic", s.Save).Msg("Reusing existing mosaic")
	}
	return nil
}

func (d *Detector) collectStats(results []models.ChunkResult, chunks []models.ChunkDescriptor, table *Table, start time.Time) {
	perChunk := make([]float64, len(results))
	total := 0
	for i, r := range results {
		total += len(r.Detections)
		perChunk[i] = float64(countOwned(r, chunks))
	}
	d.stats.Detections = total
	d.stats.Kept = table.Len()
	d.stats.Discarded = total - table.Len()
	if len(perChunk) > 0 {
		d.stats.MeanPerChunk, d.stats.StdPerChunk = stat.PopMeanStdDev(perChunk, nil)
	}
	if nn := NearestNeighbors(table); len(nn) > 0 {
		d.stats.MinNeighbor = floats.Min(nn)
		d.stats.MeanNeighbor = stat.Mean(nn, nil)
	}
	d.stats.Elapsed = time.Since(start)
}

// countOwned counts the detections of r that fall in its own unique range.
func countOwned(r models.ChunkResult, chunks []models.ChunkDescriptor) int {
	for _, c := range chunks {
		if c.Index != r.Index {
			continue
		}
		origin := c.Overlap.Origin()
		n := 0
		for _, det := range r.Detections {
			g := [3]float64{det.Coord[0] + float64(origin[0]), det.Coord[1] + float64(origin[1]), det.Coord[2] + float64(origin[2])}
			if c.Unique.Contains(g) {
				n++
			}
		}
		return n
	}
	return 0
}
