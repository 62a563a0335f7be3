// Copyright 2025 RPA Global
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The docker-watcher binary is the control plane for dockerized robots
// on a remote single-node Kubernetes cluster: it polls cluster and
// queue state into an in-process cache, drains pending executions into
// Jobs, captures failed pods, and serves the REST API the frontend
// consumes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rpaglobal/docker-watcher/internal/api"
	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/config"
	"github.com/rpaglobal/docker-watcher/internal/harvest"
	"github.com/rpaglobal/docker-watcher/internal/hostres"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/mysqlq"
	"github.com/rpaglobal/docker-watcher/internal/poll"
	"github.com/rpaglobal/docker-watcher/internal/reconcile"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
	"github.com/rpaglobal/docker-watcher/internal/sshc"
)

func main() {
	var (
		configFile = kingpin.Flag("config-file", "Path to the INI configuration file.").
				Default("config.ini").String()
		catalogPath = kingpin.Flag("catalog-path", "Path to the SQLite catalog database.").
				Default("watcher.db").String()
		listenAddr = kingpin.Flag("web.listen-address", "Address to serve the API on; overrides the [API] config section.").
				Default("").String()
		clusterInterval = kingpin.Flag("poll.cluster-interval", "Period of the cluster snapshot loop.").
				Default("5s").Duration()
		queueInterval = kingpin.Flag("poll.queue-interval", "Period of the execution-queue snapshot loop.").
				Default("10s").Duration()
		reconcileInterval = kingpin.Flag("reconcile.interval", "Period of the pending-execution drain loop.").
					Default("10s").Duration()
		harvestInterval = kingpin.Flag("harvest.interval", "Period of the failed-pod capture loop; runs in step with the cluster loop.").
				Default("5s").Duration()
		logLevel = kingpin.Flag("log.level", "Log filtering level (debug, info, warn, error).").
				Default("info").Enum("debug", "info", "warn", "error")
	)
	kingpin.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	switch *logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := config.Load(*configFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration", "err", err)
		os.Exit(1)
	}

	store, err := catalog.Open(*catalogPath)
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening catalog", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	sshClient := sshc.New(log.With(logger, "component", "ssh"), cfg.SSH)
	defer sshClient.Close()
	queue := mysqlq.New(log.With(logger, "component", "mysql"), cfg.MySQL)
	defer queue.Close()

	cluster := kube.New(log.With(logger, "component", "kubectl"), sshClient)
	prober := hostres.New(log.With(logger, "component", "hostres"), sshClient)

	cache := snapshot.New()
	status := poll.NewStatusBoard(cache)

	clusterPoller := poll.NewClusterPoller(log.With(logger, "component", "cluster-poll"),
		cluster, prober, store, cache, status, *clusterInterval)
	queuePoller := poll.NewQueuePoller(log.With(logger, "component", "queue-poll"),
		queue, store, cache, status, *queueInterval)
	reconciler := reconcile.New(log.With(logger, "component", "reconcile"),
		cluster, store, cache, *reconcileInterval)
	harvester := harvest.New(log.With(logger, "component", "harvest"),
		cluster, store, *harvestInterval)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	poll.RegisterMetrics(reg)
	reconcile.RegisterMetrics(reg)
	harvest.RegisterMetrics(reg)
	mysqlq.RegisterMetrics(reg)
	api.RegisterMetrics(reg)

	facade := api.New(api.Options{
		Logger:     log.With(logger, "component", "api"),
		Cache:      cache,
		Store:      store,
		Cluster:    cluster,
		SSH:        sshClient,
		MySQL:      queue,
		Remote:     sshClient,
		Reconciler: reconciler,
		Host:       prober,
		ConfigPath: *configFile,
		Reload: func() error {
			fresh, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			sshClient.Reset(fresh.SSH)
			queue.Reset(fresh.MySQL)
			return nil
		},
		CronjobsPath: cfg.Paths.CronjobsPath,
	})

	addr := cfg.ListenAddr()
	if *listenAddr != "" {
		addr = *listenAddr
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      facade.Router(reg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	var g run.Group
	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case sig := <-term:
				_ = level.Info(logger).Log("msg", "received signal, exiting gracefully", "signal", fmt.Sprint(sig))
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}
	// Cluster snapshot loop.
	{
		stopc := make(chan struct{})
		g.Add(func() error {
			clusterPoller.Run(stopc)
			return nil
		}, func(error) {
			close(stopc)
		})
	}
	// Execution-queue snapshot loop.
	{
		stopc := make(chan struct{})
		g.Add(func() error {
			queuePoller.Run(stopc)
			return nil
		}, func(error) {
			close(stopc)
		})
	}
	// Pending-execution drain loop.
	{
		stopc := make(chan struct{})
		g.Add(func() error {
			reconciler.Run(stopc)
			return nil
		}, func(error) {
			close(stopc)
		})
	}
	// Failed-pod capture loop.
	{
		stopc := make(chan struct{})
		g.Add(func() error {
			harvester.Run(stopc)
			return nil
		}, func(error) {
			close(stopc)
		})
	}
	// REST API.
	{
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "serving API", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "exiting")
}
