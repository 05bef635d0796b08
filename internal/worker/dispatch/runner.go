package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"sceneforge/internal/pkg/logger"
	"sceneforge/internal/worker/jobspec"
	"sceneforge/internal/worker/util"
)

// terminator stops a running engine. interrupt is the graceful request,
// kill the forced one.
type terminator interface {
	interrupt(cmd *exec.Cmd, d jobspec.Descriptor) error
	kill(cmd *exec.Cmd, d jobspec.Descriptor) error
}

// runner owns the lifecycle of one engine process: start, bounded output
// capture, timeout and cancellation, escalation and reaping.
type runner struct {
	log *logger.Logger
	// environ is the parent environment the descriptor overlay is applied to.
	environ func() []string
}

func newRunner(log *logger.Logger) *runner {
	return &runner{log: log, environ: os.Environ}
}

func (r *runner) run(ctx context.Context, d jobspec.Descriptor, term terminator) Outcome {
	start := time.Now()
	out := r.exec(ctx, d, term)
	out.DurationMS = time.Since(start).Milliseconds()
	return out
}

func (r *runner) exec(ctx context.Context, d jobspec.Descriptor, term terminator) Outcome {
	log := r.log.FromContext(ctx).WithVariation(d.VariationID)

	if err := ctx.Err(); err != nil {
		return Failure(ReasonCanceled, err.Error())
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = jobspec.DefaultTimeout
	}
	grace := d.Grace
	if grace <= 0 {
		grace = jobspec.DefaultGrace
	}
	max := d.MaxOutputBytes
	if max <= 0 {
		max = jobspec.DefaultMaxOutputBytes
	}

	// A leftover file from an earlier attempt must not count as output.
	if err := os.Remove(d.OutputPath); err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return Failure(ReasonSpawnFailed, fmt.Sprintf("clear output path: %v", err))
	}

	stdout, stderr := util.NewBoundedBuffer(max), util.NewBoundedBuffer(max)

	// Not CommandContext: termination is escalated by hand below.
	cmd := exec.Command(d.Program, d.Args...)
	cmd.Dir = d.Dir
	cmd.Env = d.Environ(r.environ())
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	log.Debug("spawning render engine", "program", d.Program, "args", d.Args, "timeout", timeout.String())

	if err := cmd.Start(); err != nil {
		return Failure(ReasonSpawnFailed, err.Error())
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var reason Reason
	select {
	case err := <-waitErr:
		// Helpers the engine left behind in its group go with it.
		_ = killGroup(cmd)
		return interpret(d, err, stdout, stderr)
	case <-timer.C:
		reason = ReasonTimeout
		log.Warn("render timed out, terminating", "timeout", timeout.String())
	case <-ctx.Done():
		reason = ReasonCanceled
		log.Warn("render canceled, terminating")
	}

	r.terminate(log, cmd, d, term, grace, waitErr)

	o := Failure(reason, "")
	if reason == ReasonTimeout {
		o.Detail = "exceeded " + timeout.String()
	}
	o.ExitCode = -1
	o.Stdout, o.Stderr = stdout.String(), stderr.String()
	o.Truncated = stdout.Truncated() || stderr.Truncated()
	return o
}

// terminate asks the engine to stop, escalates after grace and always reaps.
func (r *runner) terminate(log *logger.Logger, cmd *exec.Cmd, d jobspec.Descriptor, term terminator, grace time.Duration, waitErr <-chan error) {
	if err := term.interrupt(cmd, d); err != nil {
		log.Error("failed to interrupt render engine", "error", err.Error())
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-waitErr:
		log.Info("render engine exited after interrupt")
		_ = killGroup(cmd)
		return
	case <-graceTimer.C:
	}

	log.Warn("render engine did not exit in time, killing", "grace", grace.String())
	if err := term.kill(cmd, d); err != nil {
		log.Error("failed to kill render engine", "error", err.Error())
	}
	<-waitErr
}

func interpret(d jobspec.Descriptor, err error, stdout, stderr *util.BoundedBuffer) Outcome {
	if stderrors.Is(err, exec.ErrWaitDelay) {
		// The engine exited but something kept its pipes open; its own
		// status is what counts.
		err = nil
	}

	if err == nil {
		if info, serr := os.Stat(d.OutputPath); serr == nil && info.Mode().IsRegular() {
			return Success(d.OutputPath)
		}
		o := Failure(ReasonOutputMissing, d.OutputPath)
		o.Stdout, o.Stderr = stdout.String(), stderr.String()
		o.Truncated = stdout.Truncated() || stderr.Truncated()
		return o
	}

	var exitErr *exec.ExitError
	if !stderrors.As(err, &exitErr) {
		return Failure(ReasonInternal, fmt.Sprintf("wait for engine: %v", err))
	}

	o := Failure(ReasonNonZeroExit, "")
	o.ExitCode = exitErr.ExitCode()
	if sig, ok := exitSignal(exitErr); ok {
		o.Signal = sig
		o.ExitCode = -1
	}
	o.Stdout, o.Stderr = stdout.String(), stderr.String()
	o.Truncated = stdout.Truncated() || stderr.Truncated()
	return o
}
