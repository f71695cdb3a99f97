// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// vm-migrator runs the migration service: the HTTP API, the worker
// pool draining the task queue, and the SQLite job store underneath
// both.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"

	coremigration "github.com/amineammari/vm-migrator/core/migration"
	"github.com/amineammari/vm-migrator/internal/ansible"
	"github.com/amineammari/vm-migrator/internal/apiserver"
	"github.com/amineammari/vm-migrator/internal/cmdrunner"
	"github.com/amineammari/vm-migrator/internal/config"
	"github.com/amineammari/vm-migrator/internal/migration"
	"github.com/amineammari/vm-migrator/internal/openstack"
	"github.com/amineammari/vm-migrator/internal/queue"
	"github.com/amineammari/vm-migrator/internal/state"
	"github.com/amineammari/vm-migrator/internal/terraform"
	"github.com/amineammari/vm-migrator/internal/vmware"
	"github.com/amineammari/vm-migrator/internal/worker/migrationworker"
)

var logger = loggo.GetLogger("vmmigrator")

func main() {
	configPath := flag.String("config", "/etc/vm-migrator.yaml", "path to the configuration file")
	logConfig := flag.String("log-config", "<root>=INFO", "loggo configuration string")
	flag.Parse()

	if err := loggo.ConfigureLoggers(*logConfig); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(2)
	}
	if err := run(*configPath); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	clk := clock.WallClock
	ctx := context.Background()

	store, err := state.Open(cfg.DataDir, clk)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = store.Close() }()

	tasks, err := queue.New(queue.Config{
		Clock:             clk,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		MaxRedeliveries:   cfg.QueueMaxRedeliveries,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer tasks.Close()

	clients, closeClients, err := dialSources(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeClients()

	var session openstack.Session
	if cfg.OpenStack.AuthURL != "" {
		if session, err = openstack.Dial(cfg.OpenStack); err != nil {
			return errors.Trace(err)
		}
	}

	runner := cmdrunner.New(clk)

	var ansibleRunner *ansible.Runner
	if cfg.EnableAnsibleConversion {
		if ansibleRunner, err = ansible.NewRunner(cfg.Ansible, runner); err != nil {
			return errors.Trace(err)
		}
	}

	discover, err := migration.NewDiscoverExecutor(store, clients)
	if err != nil {
		return errors.Trace(err)
	}
	convert, err := migration.NewConvertExecutor(cfg, store, runner, ansibleRunner)
	if err != nil {
		return errors.Trace(err)
	}
	upload, err := migration.NewUploadExecutor(cfg, store, session, clk)
	if err != nil {
		return errors.Trace(err)
	}
	deploy, err := migration.NewDeployExecutor(cfg, session)
	if err != nil {
		return errors.Trace(err)
	}
	verify, err := migration.NewVerifyExecutor(cfg, session, clk)
	if err != nil {
		return errors.Trace(err)
	}

	orchestrator, err := migration.NewOrchestrator(migration.OrchestratorConfig{
		Store:          store,
		Queue:          tasks,
		Executors:      []migration.StageExecutor{discover, convert, upload, deploy, verify},
		Clock:          clk,
		EnableRollback: cfg.EnableRollback,
	})
	if err != nil {
		return errors.Trace(err)
	}
	rollbacker, err := migration.NewRollbacker(store, session, clk)
	if err != nil {
		return errors.Trace(err)
	}
	refresher, err := migration.NewInventoryRefresher(store, clients)
	if err != nil {
		return errors.Trace(err)
	}

	var provisioner migrationworker.Provisioner
	if cfg.EnableProvisioning {
		tf, err := terraform.NewRunner(cfg.Terraform, runner)
		if err != nil {
			return errors.Trace(err)
		}
		provisioner = tf
	}

	pool, err := migrationworker.NewWorker(migrationworker.Config{
		Queue:       tasks,
		Tasks:       store,
		Stepper:     orchestrator,
		Rollbacker:  rollbacker,
		Refresher:   refresher,
		Provisioner: provisioner,
		Clock:       clk,
		Workers:     cfg.Workers,
	})
	if err != nil {
		return errors.Trace(err)
	}

	listener, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		return errors.Annotatef(err, "listening on %q", cfg.APIAddr)
	}
	api, err := apiserver.NewWorker(apiserver.Config{
		Listener:                listener,
		Store:                   store,
		Queue:                   tasks,
		Clients:                 clients,
		Session:                 session,
		Clock:                   clk,
		EnableRollback:          cfg.EnableRollback,
		EnableProvisioning:      cfg.EnableProvisioning,
		AllowQueuedProvisioning: cfg.AllowQueuedProvisioning,
	})
	if err != nil {
		return errors.Trace(err)
	}

	logger.Infof("vm-migrator started, api on %s, %d workers", cfg.APIAddr, cfg.Workers)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Infof("received %s, shutting down", sig)

	api.Kill()
	pool.Kill()
	err = stopWorkers(api, pool)
	return errors.Trace(err)
}

func stopWorkers(workers ...worker.Worker) error {
	var firstErr error
	for _, w := range workers {
		if err := w.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dialSources connects the configured VMware sources. At least one
// source must be configured for the pipeline to have anything to
// migrate.
func dialSources(ctx context.Context, cfg config.Config) (map[coremigration.Source]vmware.Client, func(), error) {
	clients := make(map[coremigration.Source]vmware.Client)
	closers := []func(){}
	closeAll := func() {
		for _, f := range closers {
			f()
		}
	}

	if len(cfg.VMware.WorkstationPaths) > 0 {
		client, err := vmware.NewWorkstationClient(cfg.VMware.WorkstationPaths)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		clients[coremigration.SourceWorkstation] = client
	}
	if cfg.VMware.Host != "" {
		client, err := vmware.DialESXi(ctx, vmware.ESXiConfig{
			Host:     cfg.VMware.Host,
			Username: cfg.VMware.Username,
			Password: cfg.VMware.Password,
			Port:     cfg.VMware.Port,
			Insecure: cfg.VMware.Insecure,
		})
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		clients[coremigration.SourceESXi] = client
		closers = append(closers, func() { _ = client.Close(context.Background()) })
	}
	if len(clients) == 0 {
		return nil, nil, errors.NotValidf("no vmware sources configured")
	}
	return clients, closeAll, nil
}
