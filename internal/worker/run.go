// Package worker consumes queued batches and renders them.
package worker

import (
	"context"
	"time"

	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/processor"
)

// popTimeout bounds one queue wait so cancellation is noticed.
const popTimeout = 30 * time.Second

func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	if n, err := processor.SweepWorkspaces(d.Config.WorkRoot, d.Config.SweepAge, log); err != nil {
		log.Warn("workspace sweep failed", "error", err.Error())
	} else if n > 0 {
		log.Info("stale workspaces removed", "count", n)
	}

	p, err := processor.FromConfig(d.Config, processor.Deps{
		Store:  d.Store,
		Scenes: d.Scenes,
		SP:     d.SP,
		Log:    log,
	})
	if err != nil {
		return err
	}

	return consume(ctx, d.Queue, p.ProcessBatch, log)
}

// consume pops batch IDs until ctx ends and hands each to handle. A failed
// batch never stops the loop.
func consume(ctx context.Context, q Popper, handle func(context.Context, string) error, log *logger.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		popCtx, cancel := context.WithTimeout(ctx, popTimeout)
		batchID, err := q.Pop(popCtx)
		waited := popCtx.Err() != nil
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			if !waited {
				log.Warn("queue pop error, retrying", "error", err.Error())
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
			}
			continue
		}

		if batchID == "" {
			continue
		}

		batchCtx := logger.ContextWithBatchID(ctx, batchID)
		batchLog := log.WithBatchID(batchID)

		batchLog.Info("processing batch")
		startTime := time.Now()

		if err := handle(batchCtx, batchID); err != nil {
			batchLog.Error("batch failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			batchLog.Info("batch completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}
