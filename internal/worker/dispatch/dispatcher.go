// Package dispatch runs one render engine invocation per descriptor and
// reports a single Outcome for it.
//
// Two strategies share the same runner: ProcessDispatcher launches the
// engine binary directly, ContainerDispatcher launches it through a container
// runtime CLI. Both enforce the descriptor timeout, honour context
// cancellation with a graceful-then-forced stop, cap captured output and
// only report success when the engine exited 0 and the output file exists.
package dispatch

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/jobspec"
)

// runtimeCallTimeout bounds the stop/kill calls made to the container runtime.
const runtimeCallTimeout = 15 * time.Second

// Dispatcher renders one descriptor.
type Dispatcher interface {
	Dispatch(ctx context.Context, d jobspec.Descriptor) Outcome
	Mode() jobspec.Mode
}

// New returns the dispatcher selected by cfg.Mode.
func New(cfg jobspec.Config, log *logger.Logger) (Dispatcher, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case jobspec.ModeContainer:
		return NewContainerDispatcher(log), nil
	default:
		return NewProcessDispatcher(log), nil
	}
}

// ProcessDispatcher runs the engine as a direct child process.
type ProcessDispatcher struct {
	r   *runner
	log *logger.Logger
}

// NewProcessDispatcher returns a ProcessDispatcher.
func NewProcessDispatcher(log *logger.Logger) *ProcessDispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("dispatch").WithFields(map[string]any{"mode": string(jobspec.ModeProcess)})
	return &ProcessDispatcher{r: newRunner(log), log: log}
}

// Mode implements Dispatcher.
func (p *ProcessDispatcher) Mode() jobspec.Mode { return jobspec.ModeProcess }

// Dispatch implements Dispatcher.
func (p *ProcessDispatcher) Dispatch(ctx context.Context, d jobspec.Descriptor) Outcome {
	if d.Mode != jobspec.ModeProcess {
		return Failure(ReasonSpawnFailed, fmt.Sprintf("descriptor mode %q sent to process dispatcher", d.Mode))
	}
	o := p.r.run(ctx, d, processTerminator{})
	report(p.log.FromContext(ctx), d, o)
	return o
}

type processTerminator struct{}

func (processTerminator) interrupt(cmd *exec.Cmd, _ jobspec.Descriptor) error {
	return interruptGroup(cmd)
}

func (processTerminator) kill(cmd *exec.Cmd, _ jobspec.Descriptor) error {
	return killGroup(cmd)
}

// ContainerDispatcher runs the engine through "<runtime> run". Stopping a
// render stops the named container as well as the runtime CLI.
type ContainerDispatcher struct {
	r   *runner
	log *logger.Logger
}

// NewContainerDispatcher returns a ContainerDispatcher.
func NewContainerDispatcher(log *logger.Logger) *ContainerDispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("dispatch").WithFields(map[string]any{"mode": string(jobspec.ModeContainer)})
	return &ContainerDispatcher{r: newRunner(log), log: log}
}

// Mode implements Dispatcher.
func (c *ContainerDispatcher) Mode() jobspec.Mode { return jobspec.ModeContainer }

// Dispatch implements Dispatcher.
func (c *ContainerDispatcher) Dispatch(ctx context.Context, d jobspec.Descriptor) Outcome {
	if d.Mode != jobspec.ModeContainer || d.ContainerName == "" {
		return Failure(ReasonSpawnFailed, fmt.Sprintf("descriptor mode %q sent to container dispatcher", d.Mode))
	}
	o := c.r.run(ctx, d, containerTerminator{log: c.log})
	report(c.log.FromContext(ctx), d, o)
	return o
}

type containerTerminator struct {
	log *logger.Logger
}

func (t containerTerminator) interrupt(cmd *exec.Cmd, d jobspec.Descriptor) error {
	grace := int(d.Grace / time.Second)
	if grace < 1 {
		grace = 1
	}
	t.runtime(d, "stop", "--time", strconv.Itoa(grace), d.ContainerName)
	return interruptGroup(cmd)
}

func (t containerTerminator) kill(cmd *exec.Cmd, d jobspec.Descriptor) error {
	t.runtime(d, "kill", d.ContainerName)
	return killGroup(cmd)
}

// runtime issues a control command to the container runtime in the
// background. The container may already be gone, so failures are only
// logged.
func (t containerTerminator) runtime(d jobspec.Descriptor, args ...string) {
	program := d.Runtime
	if program == "" {
		program = d.Program
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runtimeCallTimeout)
		defer cancel()
		if out, err := exec.CommandContext(ctx, program, args...).CombinedOutput(); err != nil {
			t.log.Debug("container runtime call failed",
				"args", args,
				"error", err.Error(),
				"output", string(out),
			)
		}
	}()
}

func report(log *logger.Logger, d jobspec.Descriptor, o Outcome) {
	log = log.WithVariation(d.VariationID)
	if o.OK() {
		log.Info("render succeeded", "output", o.OutputPath, "duration_ms", o.DurationMS)
		return
	}
	log.Warn("render failed",
		"reason", string(o.Reason),
		"exit_code", o.ExitCode,
		"signal", o.Signal,
		"detail", o.Detail,
		"stderr", tail(o.Stderr, 512),
		"duration_ms", o.DurationMS,
	)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
