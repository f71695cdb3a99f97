// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmdrunner runs external conversion and provisioning tools
// with a hard timeout. Stage executors never shell out directly; they
// build a command line and hand it here, which keeps timeout and
// cancellation handling in one place and lets tests substitute a fake.
package cmdrunner

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4/exec"
)

var logger = loggo.GetLogger("vmmigrator.cmdrunner")

// ErrTimedOut reports that the command exceeded its timeout and was
// killed.
const ErrTimedOut = errors.ConstError("command timed out")

// Params describes one command invocation.
type Params struct {
	// Commands is the shell command line to run.
	Commands string

	WorkingDir  string
	Environment []string

	// Timeout kills the command when exceeded; zero means no limit.
	Timeout time.Duration
}

// Result is the outcome of a finished command.
type Result struct {
	Code     int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Runner runs commands. Stage executors depend on this interface so
// tests can record command lines instead of executing them.
type Runner interface {
	Run(ctx context.Context, params Params) (Result, error)
}

// New returns a Runner backed by the local shell.
func New(clk clock.Clock) Runner {
	return &shellRunner{clock: clk}
}

type shellRunner struct {
	clock clock.Clock
}

// Run executes the command, honouring both the context and the
// timeout. A non-zero exit code is not an error; callers decide what a
// failed tool means for their stage. ErrTimedOut and context
// cancellation are errors.
func (r *shellRunner) Run(ctx context.Context, params Params) (Result, error) {
	logger.Debugf("running command: %s", params.Commands)
	started := r.clock.Now()

	run := exec.RunParams{
		Commands:    params.Commands,
		WorkingDir:  params.WorkingDir,
		Environment: params.Environment,
		Clock:       r.clock,
	}
	if err := run.Run(); err != nil {
		return Result{}, errors.Annotate(err, "starting command")
	}

	cancel := make(chan struct{})
	var timedOut bool
	done := make(chan struct{})
	defer close(done)
	if params.Timeout > 0 {
		timer := r.clock.NewTimer(params.Timeout)
		defer timer.Stop()
		go func() {
			select {
			case <-timer.Chan():
				timedOut = true
				close(cancel)
			case <-ctx.Done():
				close(cancel)
			case <-done:
			}
		}()
	} else {
		go func() {
			select {
			case <-ctx.Done():
				close(cancel)
			case <-done:
			}
		}()
	}

	resp, err := run.WaitWithCancel(cancel)
	duration := r.clock.Now().Sub(started)
	if errors.Is(err, exec.ErrCancelled) {
		if timedOut {
			result := Result{Duration: duration, TimedOut: true}
			if resp != nil {
				result.Stdout = string(resp.Stdout)
				result.Stderr = string(resp.Stderr)
			}
			return result, errors.Annotatef(ErrTimedOut, "after %s", params.Timeout)
		}
		return Result{Duration: duration}, errors.Trace(ctx.Err())
	}
	if err != nil {
		return Result{Duration: duration}, errors.Annotate(err, "waiting for command")
	}
	return Result{
		Code:     resp.Code,
		Stdout:   string(resp.Stdout),
		Stderr:   string(resp.Stderr),
		Duration: duration,
	}, nil
}
