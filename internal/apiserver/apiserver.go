// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the REST surface of the migration service:
// creating and inspecting jobs, browsing the discovered inventory,
// kicking inventory refreshes and provisioning runs, and polling the
// tasks those produce.
package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/openstack"
	"github.com/amineammari/vm-migrator/internal/queue"
	"github.com/amineammari/vm-migrator/internal/state"
	"github.com/amineammari/vm-migrator/internal/vmware"
)

var logger = loggo.GetLogger("vmmigrator.apiserver")

const shutdownTimeout = 10 * time.Second

// Store is the persistence surface the API reads and writes.
type Store interface {
	ListJobs(ctx context.Context) ([]coremigration.Job, error)
	Job(ctx context.Context, id string) (coremigration.Job, error)
	CreateOrSkip(ctx context.Context, vmName string, source coremigration.Source) (coremigration.Job, bool, error)
	ListDiscoveredVMs(ctx context.Context, source coremigration.Source) ([]coremigration.VMDescriptor, error)
	CreateTask(ctx context.Context, kind, jobID string) (state.TaskRecord, error)
	Task(ctx context.Context, id string) (state.TaskRecord, error)
}

// Enqueuer is the queue surface the API needs.
type Enqueuer interface {
	Enqueue(task queue.Task) error
}

// Config holds everything the API server works against.
type Config struct {
	Listener net.Listener
	Store    Store
	Queue    Enqueuer

	// Clients serve the live listing behind job creation; absent
	// sources simply cannot be migrated from.
	Clients map[coremigration.Source]vmware.Client

	// Session may be nil when no cloud is configured; the openstack
	// endpoints then answer 503.
	Session openstack.Session

	Clock clock.Clock

	EnableRollback          bool
	EnableProvisioning      bool
	AllowQueuedProvisioning bool
}

// Validate is part of the worker config convention.
func (c Config) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Queue == nil {
		return errors.NotValidf("nil Queue")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

type apiWorker struct {
	catacomb catacomb.Catacomb
	cfg      Config
	server   *http.Server
}

// NewWorker starts serving the API on the configured listener.
func NewWorker(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	handler := newHandler(handlerConfig{
		Store:                   cfg.Store,
		Queue:                   cfg.Queue,
		Clients:                 cfg.Clients,
		Session:                 cfg.Session,
		Clock:                   cfg.Clock,
		EnableRollback:          cfg.EnableRollback,
		EnableProvisioning:      cfg.EnableProvisioning,
		AllowQueuedProvisioning: cfg.AllowQueuedProvisioning,
	})
	w := &apiWorker{
		cfg:    cfg,
		server: &http.Server{Handler: handler},
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *apiWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *apiWorker) Wait() error {
	return w.catacomb.Wait()
}

func (w *apiWorker) loop() error {
	served := make(chan error, 1)
	go func() {
		logger.Infof("api listening on %s", w.cfg.Listener.Addr())
		served <- w.server.Serve(w.cfg.Listener)
	}()

	select {
	case <-w.catacomb.Dying():
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			logger.Warningf("api shutdown: %v", err)
		}
		<-served
		return w.catacomb.ErrDying()
	case err := <-served:
		if err == http.ErrServerClosed {
			return w.catacomb.ErrDying()
		}
		return errors.Trace(err)
	}
}
