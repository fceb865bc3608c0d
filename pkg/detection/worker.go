// Package detection runs the chunked detection pipeline: it fans chunks out
// to workers, each of which runs the operator chain on one chunk and measures
// the labeled objects, and merges the per-chunk detections into one table.
package detection

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/measure"
	"github.com/sunilgandhilab/brainquant3d/pkg/operators"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

const tracerName = "github.com/sunilgandhilab/brainquant3d/pkg/detection"

// Task is the self-contained description of one chunk's work. Everything a
// worker needs travels in the task; the chain is immutable and shared.
type Task struct {
	Chunk models.ChunkDescriptor

	// Source is the .vol file the chunk is cut from. It is only read.
	Source string

	// SourceShape is the shape of Source, used to size mosaics
	SourceShape models.Shape

	Chain      *operators.Chain
	Properties []string

	// TempRoot is the run directory that holds the chunk directory
	TempRoot string

	Logger zerolog.Logger
}

// RunChunk processes one chunk:
//
//  1. the overlap range is copied out of the source twice, a working copy
//     for the operators and a raw copy for intensity measurements
//  2. the chain runs on the working copy; steps with a save target write the
//     unique part of their output into that mosaic
//  3. labeled objects of the final output are measured in chunk-local
//     coordinates
//
// The chunk directory is removed before RunChunk returns, on success and on
// failure alike. A panic inside the chunk is returned as an error.
func RunChunk(ctx context.Context, task Task) (result models.ChunkResult, err error) {
	chunk := task.Chunk
	log := task.Logger.With().Int("chunk", chunk.Index).Logger()
	result.Index = chunk.Index

	ctx, span := otel.Tracer(tracerName).Start(ctx, "detection.chunk",
		trace.WithAttributes(
			attribute.Int("chunk.index", chunk.Index),
			attribute.Int("chunk.voxels", chunk.Overlap.Shape().Voxels()),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	// operator panics are caught by the chain; this covers the rest
	defer func() {
		if r := recover(); r != nil {
			err = errs.InChunk(chunk.Index, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	dir, err := volume.NewRunDir(task.TempRoot, fmt.Sprintf("chunk-%d-", chunk.Index))
	if err != nil {
		return result, errs.InChunk(chunk.Index, err)
	}
	defer func() {
		if rmErr := volume.RemoveAll(dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", dir).Msg("Failed to remove chunk directory")
		}
	}()

	// Step 1: materialize the working and raw copies
	src, err := volume.Open(task.Source)
	if err != nil {
		return result, errs.InChunk(chunk.Index, err)
	}
	defer src.Close()

	working, err := volume.Materialize(src, chunk.Overlap, volume.TempPath(dir))
	if err != nil {
		return result, errs.InChunk(chunk.Index, err)
	}
	defer working.Close()

	var raw *volume.Volume
	if len(task.Properties) > 0 {
		raw, err = volume.Materialize(src, chunk.Overlap, volume.TempPath(dir))
		if err != nil {
			return result, errs.InChunk(chunk.Index, err)
		}
		defer raw.Close()
	}
	log.Debug().Stringer("overlap", chunk.Overlap).Stringer("unique", chunk.Unique).Msg("Chunk materialized")

	// Step 2: run the operator chain
	env := operators.Env{Chunk: chunk.Index, Dir: dir, Logger: log}
	out, err := task.Chain.Run(ctx, working, env, func(i int, s operators.Step, out *volume.Volume) error {
		if s.Save == "" {
			return nil
		}
		return saveUnique(out, s.Save, chunk, task.SourceShape)
	})
	if err != nil {
		return result, errs.InChunk(chunk.Index, err)
	}
	if out != working {
		defer out.Close()
	}

	// Step 3: measure objects
	if len(task.Properties) > 0 {
		dets, err := measure.Regions(out, raw, task.Properties)
		if err != nil {
			return result, errs.InChunk(chunk.Index, errs.OperatorErr("measure", err))
		}
		result.Detections = dets
	}
	span.SetAttributes(attribute.Int("chunk.detections", len(result.Detections)))
	log.Debug().Int("detections", len(result.Detections)).Msg("Chunk finished")
	return result, nil
}

// saveUnique writes the unique part of a chunk-local output into the mosaic
// at path, creating the mosaic on first use. Neighboring chunks own disjoint
// unique ranges, so concurrent writers never touch the same bytes.
func saveUnique(out *volume.Volume, path string, chunk models.ChunkDescriptor, shape models.Shape) error {
	mosaic, err := volume.OpenOrCreate(path, shape, out.DType())
	if err != nil {
		return err
	}
	local := chunk.Unique.Sub(chunk.Overlap.Origin())
	if err := volume.CopyRegion(mosaic, chunk.Unique.Origin(), out, local); err != nil {
		mosaic.Close()
		return err
	}
	return mosaic.Close()
}
