package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/dispatch"
)

func okTask(id string, delay time.Duration) Task {
	return Task{VariationID: id, Run: func(ctx context.Context) dispatch.Outcome {
		time.Sleep(delay)
		return dispatch.Success("/out/" + id + ".png")
	}}
}

func failTask(id string) Task {
	return Task{VariationID: id, Run: func(ctx context.Context) dispatch.Outcome {
		return dispatch.Failure(dispatch.ReasonNonZeroExit, "")
	}}
}

func ids(b *Batch) []string {
	var out []string
	for _, r := range b.Results {
		out = append(out, r.VariationID)
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("", 4)
	require.NoError(t, err)
	assert.Equal(t, Sequential(), p)

	p, err = ParsePolicy("Parallel", 4)
	require.NoError(t, err)
	assert.Equal(t, Parallel(4), p)
	assert.Equal(t, "parallel(4)", p.String())
	assert.Equal(t, "parallel(unbounded)", Parallel(0).String())

	_, err = ParsePolicy("round-robin", 0)
	assert.True(t, errors.IsValidation(err))
}

func TestRunReturnsOneResultPerTaskInOrder(t *testing.T) {
	for _, policy := range []Policy{Sequential(), Parallel(2), Parallel(0)} {
		t.Run(policy.String(), func(t *testing.T) {
			var tasks []Task
			var want []string
			for i := 0; i < 9; i++ {
				id := fmt.Sprintf("v%d", i)
				want = append(want, id)
				if i%3 == 0 {
					tasks = append(tasks, failTask(id))
				} else {
					// Later tasks finish first in parallel mode.
					tasks = append(tasks, okTask(id, time.Duration(9-i)*5*time.Millisecond))
				}
			}

			b := NewCoordinator(logger.Discard(), nil).Run(context.Background(), tasks, policy)

			require.Len(t, b.Results, 9)
			assert.Equal(t, want, ids(b))
			assert.Equal(t, Summary{Total: 9, Succeeded: 6, Failed: 3}, b.Summary)
			assert.Len(t, b.OutputPaths(), 6)
			assert.Equal(t, "/out/v1.png", b.OutputPaths()[0])
			assert.Len(t, b.Failures(), 3)
		})
	}
}

func TestSequentialRunsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	var running, maxRunning atomic.Int32

	var tasks []Task
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("v%d", i)
		tasks = append(tasks, Task{VariationID: id, Run: func(ctx context.Context) dispatch.Outcome {
			n := running.Add(1)
			defer running.Add(-1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			mu.Lock()
			started = append(started, id)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return dispatch.Success(id)
		}})
	}

	NewCoordinator(logger.Discard(), nil).Run(context.Background(), tasks, Sequential())

	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, started)
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestParallelRespectsLimit(t *testing.T) {
	var running, maxRunning atomic.Int32
	var mu sync.Mutex

	var tasks []Task
	for i := 0; i < 12; i++ {
		tasks = append(tasks, Task{VariationID: fmt.Sprint(i), Run: func(ctx context.Context) dispatch.Outcome {
			n := running.Add(1)
			mu.Lock()
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return dispatch.Success("x")
		}})
	}

	b := NewCoordinator(logger.Discard(), nil).Run(context.Background(), tasks, Parallel(3))

	assert.Equal(t, 12, b.Summary.Succeeded)
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
	assert.GreaterOrEqual(t, maxRunning.Load(), int32(2))
}

func TestPanicIsIsolated(t *testing.T) {
	tasks := []Task{
		okTask("a", 0),
		{VariationID: "boom", Run: func(ctx context.Context) dispatch.Outcome { panic("engine adapter bug") }},
		okTask("c", 0),
	}

	b := NewCoordinator(logger.Discard(), nil).Run(context.Background(), tasks, Parallel(0))

	require.Len(t, b.Results, 3)
	assert.True(t, b.Results[0].Outcome.OK())
	assert.Equal(t, dispatch.ReasonInternal, b.Results[1].Outcome.Reason)
	assert.Contains(t, b.Results[1].Outcome.Detail, "engine adapter bug")
	assert.True(t, b.Results[2].Outcome.OK())
}

func TestCancellationReachesEveryTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var tasks []Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, Task{VariationID: fmt.Sprint(i), Run: func(ctx context.Context) dispatch.Outcome {
			<-ctx.Done()
			return dispatch.Failure(dispatch.ReasonCanceled, ctx.Err().Error())
		}})
	}
	time.AfterFunc(50*time.Millisecond, cancel)

	b := NewCoordinator(logger.Discard(), nil).Run(ctx, tasks, Sequential())

	require.Len(t, b.Results, 4)
	for _, r := range b.Results {
		assert.Equal(t, dispatch.ReasonCanceled, r.Outcome.Reason, r.VariationID)
	}
	assert.Equal(t, 4, b.Summary.Failed)
}

func TestAlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	task := Task{VariationID: "x", Run: func(ctx context.Context) dispatch.Outcome {
		ran.Add(1)
		return dispatch.Success("x")
	}}

	b := NewCoordinator(logger.Discard(), nil).Run(ctx, []Task{task, task}, Parallel(0))

	assert.Zero(t, ran.Load())
	assert.Equal(t, 2, b.Summary.Failed)
}

func TestEmptyBatch(t *testing.T) {
	b := NewCoordinator(logger.Discard(), nil).Run(context.Background(), nil, Sequential())
	assert.Empty(t, b.Results)
	assert.Zero(t, b.Summary.Total)
}

func TestProgressEvents(t *testing.T) {
	var events []Event
	c := NewCoordinator(logger.Discard(), func(ev Event) { events = append(events, ev) })

	c.Run(context.Background(), []Task{okTask("a", 0), failTask("b")}, Sequential())

	require.Len(t, events, 4)
	assert.False(t, events[0].Done)
	assert.True(t, events[1].Done)
	assert.True(t, events[1].Outcome.OK())
	assert.Equal(t, "b", events[3].VariationID)
	assert.False(t, events[3].Outcome.OK())
}
