// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package migration

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/openstack"
)

// errServerNotReady keeps the verify poll looping.
const errServerNotReady = errors.ConstError("server not ready")

// VerifyExecutor polls the deployed server until nova reports it
// ACTIVE. A server in ERROR fails immediately; anything else is
// retried until the verify timeout.
type VerifyExecutor struct {
	cfg     config.Config
	session openstack.Session
	clock   clock.Clock
}

// NewVerifyExecutor returns a verify executor.
func NewVerifyExecutor(cfg config.Config, session openstack.Session, clk clock.Clock) (*VerifyExecutor, error) {
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	if cfg.EnableDeployment && session == nil {
		return nil, errors.NotValidf("deployment enabled with nil session")
	}
	return &VerifyExecutor{cfg: cfg, session: session, clock: clk}, nil
}

// Stage is part of StageExecutor.
func (e *VerifyExecutor) Stage() string {
	return coremigration.StageVerify
}

// Run is part of StageExecutor.
func (e *VerifyExecutor) Run(ctx context.Context, job coremigration.Job) (StageResult, error) {
	deploy, err := job.DeployResult()
	if err != nil {
		return StageResult{}, errors.Annotate(err, "job has no deploy record")
	}
	if deploy.Skipped {
		logger.Infof("deployment was skipped, nothing to verify for job %q", job.ID)
		return StageResult{Metadata: map[string]interface{}{
			"skipped":     true,
			"skip_reason": "deployment was skipped",
		}}, nil
	}
	if deploy.ServerID == "" {
		return StageResult{}, errors.NotValidf("deploy record with no server")
	}

	var server openstack.Server
	attempts := int(e.cfg.VerifyTimeout/e.cfg.VerifyPollInterval) + 1
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			server, err = e.session.Server(ctx, deploy.ServerID)
			if err != nil {
				return errors.Trace(err)
			}
			switch server.Status {
			case openstack.ServerStatusActive:
				return nil
			case openstack.ServerStatusError:
				return errors.Errorf("server %q entered ERROR state", deploy.ServerID)
			}
			return errServerNotReady
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errServerNotReady)
		},
		Attempts: attempts,
		Delay:    e.cfg.VerifyPollInterval,
		Clock:    e.clock,
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("verify poll %d for server %q: %v", attempt, deploy.ServerID, err)
		},
		Stop: ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsDurationExceeded(err) {
			err = retry.LastError(err)
		}
		if errors.Is(err, errServerNotReady) {
			return StageResult{Metadata: map[string]interface{}{
				"server_status": server.Status,
			}}, errors.Errorf("server %q not ACTIVE after %s", deploy.ServerID, e.cfg.VerifyTimeout)
		}
		return StageResult{}, errors.Annotatef(err, "verifying server %q", deploy.ServerID)
	}

	logger.Infof("server %q verified ACTIVE", deploy.ServerID)
	return StageResult{Metadata: map[string]interface{}{
		"server_status": server.Status,
		"verified_at":   e.clock.Now().UTC().Format(time.RFC3339),
	}}, nil
}
