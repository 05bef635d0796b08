// Package batch runs the per-variation render tasks of one orchestration run
// under a concurrency policy and collects exactly one result per task, in
// submission order.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sceneforge/internal/pkg/errors"
	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/dispatch"
)

// Mode names a scheduling policy.
type Mode string

const (
	// ModeSequential runs one task at a time in submission order. Required
	// when tasks share a stateful editing session.
	ModeSequential Mode = "sequential"
	// ModeParallel runs up to Limit tasks at once.
	ModeParallel Mode = "parallel"
)

// Policy controls how many tasks run at once.
type Policy struct {
	Mode Mode `json:"mode" yaml:"mode"`
	// Limit bounds parallel mode; zero or negative means no bound.
	Limit int `json:"limit,omitempty" yaml:"limit"`
}

// Sequential returns the one-at-a-time policy.
func Sequential() Policy { return Policy{Mode: ModeSequential} }

// Parallel returns a bounded-parallel policy.
func Parallel(limit int) Policy { return Policy{Mode: ModeParallel, Limit: limit} }

// ParsePolicy parses a policy name as found in configuration.
func ParsePolicy(name string, limit int) (Policy, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(name))) {
	case "", ModeSequential:
		return Sequential(), nil
	case ModeParallel:
		return Parallel(limit), nil
	default:
		return Policy{}, errors.ValidationField("policy", fmt.Sprintf("unknown batch policy %q", name))
	}
}

func (p Policy) limit(n int) int {
	if p.Mode != ModeParallel {
		return 1
	}
	if p.Limit <= 0 || p.Limit > n {
		return n
	}
	return p.Limit
}

func (p Policy) String() string {
	if p.Mode == ModeParallel {
		if p.Limit > 0 {
			return fmt.Sprintf("parallel(%d)", p.Limit)
		}
		return "parallel(unbounded)"
	}
	return string(ModeSequential)
}

// Task is one variation's unit of work. Run must return the terminal
// outcome of the job; it is never retried.
type Task struct {
	VariationID string
	Run         func(ctx context.Context) dispatch.Outcome
}

// Result pairs a variation with its outcome.
type Result struct {
	VariationID string           `json:"variation_id"`
	Outcome     dispatch.Outcome `json:"outcome"`
}

// Summary counts outcomes.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Batch is the ordered result of one run.
type Batch struct {
	Results  []Result      `json:"results"`
	Summary  Summary       `json:"summary"`
	Duration time.Duration `json:"-"`
}

// OutputPaths returns the outputs of successful results in batch order.
func (b *Batch) OutputPaths() []string {
	var paths []string
	for _, r := range b.Results {
		if r.Outcome.OK() {
			paths = append(paths, r.Outcome.OutputPath)
		}
	}
	return paths
}

// Failures returns the failed results in batch order.
func (b *Batch) Failures() []Result {
	var out []Result
	for _, r := range b.Results {
		if !r.Outcome.OK() {
			out = append(out, r)
		}
	}
	return out
}

func summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Outcome.OK() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}

// Event reports task progress.
type Event struct {
	VariationID string
	Index       int
	Done        bool
	Outcome     dispatch.Outcome
}

// Coordinator runs batches.
type Coordinator struct {
	log        *logger.Logger
	onProgress func(Event)
	mu         sync.Mutex
}

// NewCoordinator returns a Coordinator. onProgress may be nil; it is called
// from task goroutines.
func NewCoordinator(log *logger.Logger, onProgress func(Event)) *Coordinator {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Coordinator{log: log.WithComponent("batch"), onProgress: onProgress}
}

// Run executes tasks under policy and waits for all of them. A failing or
// panicking task never stops its siblings. Tasks that have not started when
// ctx is canceled get a canceled outcome.
func (c *Coordinator) Run(ctx context.Context, tasks []Task, policy Policy) *Batch {
	start := time.Now()
	log := c.log.FromContext(ctx)
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return &Batch{Results: results}
	}

	log.Info("batch started", "tasks", len(tasks), "policy", policy.String())

	// Plain Group, not WithContext: one failure must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(policy.limit(len(tasks)))

	for i, task := range tasks {
		results[i] = Result{
			VariationID: task.VariationID,
			Outcome:     dispatch.Failure(dispatch.ReasonCanceled, "not started"),
		}
		if ctx.Err() != nil {
			continue
		}
		g.Go(func() error {
			c.emit(Event{VariationID: task.VariationID, Index: i})
			o := c.runTask(ctx, task)
			results[i].Outcome = o
			c.emit(Event{VariationID: task.VariationID, Index: i, Done: true, Outcome: o})
			return nil
		})
	}
	_ = g.Wait()

	b := &Batch{Results: results, Summary: summarize(results), Duration: time.Since(start)}
	log.Info("batch finished",
		"total", b.Summary.Total,
		"succeeded", b.Summary.Succeeded,
		"failed", b.Summary.Failed,
		"duration_ms", b.Duration.Milliseconds(),
	)
	return b
}

func (c *Coordinator) runTask(ctx context.Context, task Task) (o dispatch.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.FromContext(ctx).WithVariation(task.VariationID).Error("render task panicked",
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			o = dispatch.Failure(dispatch.ReasonInternal, fmt.Sprintf("panic: %v", rec))
		}
	}()

	if err := ctx.Err(); err != nil {
		return dispatch.Failure(dispatch.ReasonCanceled, err.Error())
	}
	return task.Run(ctx)
}

func (c *Coordinator) emit(ev Event) {
	if c.onProgress == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProgress(ev)
}
