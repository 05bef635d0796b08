package dispatch

import (
	"fmt"

	"sceneforge/internal/pkg/errors"
)

// Status is the terminal state of one render.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Reason explains a failed render.
type Reason string

const (
	ReasonTimeout         Reason = "timeout"
	ReasonCanceled        Reason = "canceled"
	ReasonOutputMissing   Reason = "output not produced"
	ReasonNonZeroExit     Reason = "non-zero exit"
	ReasonSpawnFailed     Reason = "spawn failed"
	ReasonMaterialization Reason = "materialization failed"
	ReasonInternal        Reason = "internal error"
)

// Outcome is the result of one render. Stdout and Stderr are only kept on
// failure and are capped at the descriptor's MaxOutputBytes.
type Outcome struct {
	Status     Status `json:"status"`
	OutputPath string `json:"output_path,omitempty"`

	Reason    Reason `json:"reason,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Detail    string `json:"detail,omitempty"`

	DurationMS int64 `json:"duration_ms"`
}

// Success returns a successful outcome for path.
func Success(path string) Outcome {
	return Outcome{Status: StatusSuccess, OutputPath: path}
}

// Failure returns a failed outcome.
func Failure(reason Reason, detail string) Outcome {
	return Outcome{Status: StatusFailure, Reason: reason, Detail: detail}
}

// OK reports whether the render succeeded.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// Code maps the failure reason to an error code. Successful outcomes have
// no code.
func (o Outcome) Code() errors.Code {
	if o.OK() {
		return ""
	}
	switch o.Reason {
	case ReasonTimeout:
		return errors.CodeDispatchTimeout
	case ReasonCanceled:
		return errors.CodeCanceled
	case ReasonOutputMissing:
		return errors.CodeOutputMissing
	case ReasonNonZeroExit:
		return errors.CodeNonZeroExit
	case ReasonSpawnFailed:
		return errors.CodeSpawnFailed
	case ReasonMaterialization:
		return errors.CodeMaterialization
	default:
		return errors.CodeInternal
	}
}

// Err returns the failure as a coded error, or nil on success.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	e := errors.New(o.Code(), o.Summary())
	if o.Stderr != "" {
		e = e.WithField("stderr", o.Stderr)
	}
	return e
}

// Summary is a one-line description suitable for logs and API responses.
func (o Outcome) Summary() string {
	if o.OK() {
		return string(StatusSuccess)
	}
	msg := string(o.Reason)
	switch {
	case o.Signal != "":
		msg = fmt.Sprintf("%s (signal %s)", msg, o.Signal)
	case o.Reason == ReasonNonZeroExit:
		msg = fmt.Sprintf("%s (code %d)", msg, o.ExitCode)
	}
	if o.Detail != "" {
		msg += ": " + o.Detail
	}
	return msg
}
