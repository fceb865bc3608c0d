package detection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
	"github.com/sunilgandhilab/brainquant3d/pkg/volume"
)

// Scheduler runs chunk tasks on a bounded pool of goroutines.
type Scheduler struct {
	// Processes is the number of chunks in flight. 1 runs tasks one after
	// another on the calling goroutine.
	Processes int

	// TempRoot is the run directory. It is deleted when a task fails.
	TempRoot string

	Logger zerolog.Logger
}

// Run executes every task and returns the results in task order. Tasks are
// not retried: the first failure cancels the tasks that have not started,
// removes the run directory and is returned as a task failure carrying the
// chunk index.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) ([]models.ChunkResult, error) {
	for i := range tasks {
		if tasks[i].TempRoot == "" {
			tasks[i].TempRoot = s.TempRoot
		}
	}

	start := time.Now()
	var (
		results []models.ChunkResult
		err     error
	)
	if s.Processes <= 1 {
		results, err = s.runSerial(ctx, tasks)
	} else {
		results, err = s.runPool(ctx, tasks)
	}
	if err != nil {
		s.Logger.Error().Err(err).Msg("Chunk task failed, aborting run")
		if rmErr := volume.RemoveAll(s.TempRoot); rmErr != nil {
			s.Logger.Warn().Err(rmErr).Msg("Failed to remove run directory")
		}
		return nil, err
	}
	s.Logger.Info().Int("chunks", len(tasks)).Int("processes", max(s.Processes, 1)).
		Dur("elapsed", time.Since(start)).Msg("All chunks processed")
	return results, nil
}

func (s *Scheduler) runSerial(ctx context.Context, tasks []Task) ([]models.ChunkResult, error) {
	results := make([]models.ChunkResult, len(tasks))
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, errs.TaskFailure(t.Chunk.Index, err)
		}
		res, err := RunChunk(ctx, t)
		if err != nil {
			return nil, errs.TaskFailure(t.Chunk.Index, err)
		}
		results[i] = res
		s.progress(i+1, len(tasks))
	}
	return results, nil
}

func (s *Scheduler) runPool(ctx context.Context, tasks []Task) ([]models.ChunkResult, error) {
	results := make([]models.ChunkResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Processes)

	var done atomic.Int64
	for i, t := range tasks {
		if gctx.Err() != nil {
			break
		}
		i, t := i, t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errs.TaskFailure(t.Chunk.Index, err)
			}
			res, err := RunChunk(gctx, t)
			if err != nil {
				return errs.TaskFailure(t.Chunk.Index, err)
			}
			results[i] = res
			s.progress(int(done.Add(1)), len(tasks))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.TaskFailure(errs.NoChunk, err)
	}
	return results, nil
}

func (s *Scheduler) progress(done, total int) {
	s.Logger.Debug().Int("done", done).Int("total", total).Msg("Chunk completed")
}
