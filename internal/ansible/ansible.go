// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ansible drives ansible-playbook for the remote conversion
// path, where the disk conversion runs on another machine instead of
// in-process.
package ansible

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kballard/go-shellquote"

	"github.com/amineammari/vm-migrator/internal/cmdrunner"
	"github.com/amineammari/vm-migrator/internal/config"
)

var logger = loggo.GetLogger("vmmigrator.ansible")

// Runner executes one playbook run per conversion.
type Runner struct {
	cfg    config.AnsibleConfig
	runner cmdrunner.Runner
}

// NewRunner returns a configured runner.
func NewRunner(cfg config.AnsibleConfig, runner cmdrunner.Runner) (*Runner, error) {
	if cfg.Binary == "" {
		return nil, errors.NotValidf("empty Binary")
	}
	if cfg.Playbook == "" {
		return nil, errors.NotValidf("empty Playbook")
	}
	if cfg.Inventory == "" {
		return nil, errors.NotValidf("empty Inventory")
	}
	return &Runner{cfg: cfg, runner: runner}, nil
}

// Command renders the full command line for one conversion run. The
// extra vars are passed as a single JSON blob so values with spaces
// survive the shell.
func (r *Runner) Command(extraVars map[string]interface{}) (string, error) {
	args := []string{r.cfg.Binary, "-i", r.cfg.Inventory}
	if r.cfg.Limit != "" {
		args = append(args, "--limit", r.cfg.Limit)
	}
	if len(extraVars) > 0 {
		blob, err := json.Marshal(extraVars)
		if err != nil {
			return "", errors.Trace(err)
		}
		args = append(args, "--extra-vars", string(blob))
	}
	args = append(args, r.cfg.Playbook)
	return shellquote.Join(args...), nil
}

// Run executes the playbook, returning the command result. A non-zero
// exit code is reported in the result, not as an error.
func (r *Runner) Run(ctx context.Context, extraVars map[string]interface{}) (cmdrunner.Result, error) {
	command, err := r.Command(extraVars)
	if err != nil {
		return cmdrunner.Result{}, errors.Trace(err)
	}
	logger.Infof("running playbook: %s", command)
	result, err := r.runner.Run(ctx, cmdrunner.Params{
		Commands: command,
		Timeout:  r.cfg.Timeout,
	})
	return result, errors.Trace(err)
}
