// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package terraform runs the out-of-band infrastructure provisioning
// that prepares the target project before any deployment: networks,
// routers, security groups and the like, owned by a terraform module
// rather than by this service.
package terraform

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/kballard/go-shellquote"

	"github.com/amineammari/vm-migrator/internal/cmdrunner"
	"github.com/amineammari/vm-migrator/internal/config"
)

var logger = loggo.GetLogger("vmmigrator.terraform")

// ErrApplyFailed reports a non-zero exit from terraform.
const ErrApplyFailed = errors.ConstError("terraform apply failed")

// Runner wraps the terraform binary in a working directory.
type Runner struct {
	cfg    config.TerraformConfig
	runner cmdrunner.Runner
}

// NewRunner returns a configured runner.
func NewRunner(cfg config.TerraformConfig, runner cmdrunner.Runner) (*Runner, error) {
	if cfg.Binary == "" {
		return nil, errors.NotValidf("empty Binary")
	}
	if cfg.WorkingDir == "" {
		return nil, errors.NotValidf("empty WorkingDir")
	}
	return &Runner{cfg: cfg, runner: runner}, nil
}

// applyCommand renders "init && apply" with -var flags in stable order.
func (r *Runner) applyCommand() string {
	init := shellquote.Join(r.cfg.Binary, "init", "-input=false", "-no-color")
	apply := []string{r.cfg.Binary, "apply", "-auto-approve", "-input=false", "-no-color"}
	keys := make([]string, 0, len(r.cfg.Vars))
	for k := range r.cfg.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		apply = append(apply, "-var", k+"="+r.cfg.Vars[k])
	}
	return init + " && " + shellquote.Join(apply...)
}

// Apply runs init and apply, then collects the module outputs. Both
// init and apply must succeed before outputs are read.
func (r *Runner) Apply(ctx context.Context) (map[string]interface{}, error) {
	result, err := r.runner.Run(ctx, cmdrunner.Params{
		Commands:   r.applyCommand(),
		WorkingDir: r.cfg.WorkingDir,
		Timeout:    r.cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if result.Code != 0 {
		logger.Errorf("terraform failed: %s", result.Stderr)
		return nil, errors.Annotatef(ErrApplyFailed, "exit code %d", result.Code)
	}
	return r.Outputs(ctx)
}

// Outputs reads "terraform output -json" into a flat map of output
// name to value.
func (r *Runner) Outputs(ctx context.Context) (map[string]interface{}, error) {
	result, err := r.runner.Run(ctx, cmdrunner.Params{
		Commands:   shellquote.Join(r.cfg.Binary, "output", "-json", "-no-color"),
		WorkingDir: r.cfg.WorkingDir,
		Timeout:    r.cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if result.Code != 0 {
		return nil, errors.Annotatef(ErrApplyFailed, "reading outputs, exit code %d", result.Code)
	}
	var raw map[string]struct {
		Value interface{} `json:"value"`
	}
	if err := json.Unmarshal([]byte(result.Stdout), &raw); err != nil {
		return nil, errors.Annotate(err, "decoding terraform outputs")
	}
	outputs := make(map[string]interface{}, len(raw))
	for name, out := range raw {
		outputs[name] = out.Value
	}
	return outputs, nil
}
