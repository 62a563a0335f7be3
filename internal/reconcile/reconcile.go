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

// Package reconcile drains the pending-execution queue: each tick it
// walks the active RPAs and materializes capacity-bounded Jobs for
// those with pending work. Failures are logged and skipped; the next
// tick re-observes whatever is still pending.
package reconcile

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/poll"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

// DefaultInterval is the reconciler loop period.
const DefaultInterval = 10 * time.Second

var (
	jobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docker_watcher_reconcile_jobs_created_total",
		Help: "Kubernetes Jobs created to drain pending executions.",
	})
	robotErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docker_watcher_reconcile_robot_errors_total",
		Help: "Per-robot reconcile attempts that failed and were skipped.",
	})
)

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(jobsCreated, robotErrors)
}

// JobCreator is the slice of the kubectl adapter the reconciler uses.
type JobCreator interface {
	CreateJob(ctx context.Context, p kube.JobParams, maxInstances int) (int, error)
}

// Catalog lists the active RPAs.
type Catalog interface {
	ActiveRobots(ctx context.Context, tipo string) ([]catalog.Robot, error)
}

// Reconciler turns pending executions into Jobs.
type Reconciler struct {
	logger   log.Logger
	creator  JobCreator
	store    Catalog
	cache    *snapshot.Cache
	interval time.Duration
}

// New wires a reconciler.
func New(logger log.Logger, creator JobCreator, store Catalog, cache *snapshot.Cache, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{logger: logger, creator: creator, store: store, cache: cache, interval: interval}
}

// Run loops until stopc closes.
func (r *Reconciler) Run(stopc <-chan struct{}) {
	_ = level.Info(r.logger).Log("msg", "reconciler started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Tick(context.Background())
		select {
		case <-stopc:
			_ = level.Info(r.logger).Log("msg", "reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one full pass over the active RPAs.
func (r *Reconciler) Tick(ctx context.Context) {
	robots, err := r.store.ActiveRobots(ctx, catalog.TipoRPA)
	if err != nil {
		_ = level.Warn(r.logger).Log("msg", "listing active robots", "err", err)
		return
	}
	execs := r.executionsSnapshot()
	for i := range robots {
		if err := r.ReconcileRobot(ctx, &robots[i], execs); err != nil {
			robotErrors.Inc()
			_ = level.Warn(r.logger).Log("msg", "reconcile failed", "robot", robots[i].Nome, "err", err)
		}
	}
}

// ReconcileRobot creates Jobs for one RPA if its queue has pending
// rows. Zero free capacity is a successful no-op inside CreateJob.
func (r *Reconciler) ReconcileRobot(ctx context.Context, robot *catalog.Robot, execs snapshot.Executions) error {
	pending := poll.PendingFor(robot.Nome, execs)
	if pending == 0 {
		return nil
	}
	created, err := r.creator.CreateJob(ctx, kube.JobParams{
		RobotName:     robot.Nome,
		ImageTag:      robot.DockerTag,
		MemLimitMB:    robot.RAMMaximaMB,
		ExternalFiles: robot.UtilizaArquivosExternos,
		LifetimeSec:   robot.TempoMaximoDeVida,
	}, robot.MaxInstancias)
	if err != nil {
		return err
	}
	if created > 0 {
		jobsCreated.Add(float64(created))
		_ = level.Info(r.logger).Log("msg", "drained pending executions", "robot", robot.Nome,
			"pending", pending, "created", created)
	}
	return nil
}

func (r *Reconciler) executionsSnapshot() snapshot.Executions {
	if e, ok := r.cache.Get(snapshot.KeyExecutions); ok {
		if m, ok := e.Data.(snapshot.Executions); ok {
			return m
		}
	}
	return snapshot.Executions{}
}
