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

// Package poll runs the two background refresh loops: the cluster loop
// snapshots Kubernetes state and host telemetry over SSH, the queue
// loop snapshots the pending-execution queue from MySQL. Both write
// into the snapshot cache and never propagate errors.
package poll

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/hostres"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/mysqlq"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

const (
	// DefaultClusterInterval is the cluster-loop period.
	DefaultClusterInterval = 5 * time.Second
	// DefaultQueueInterval is the DB-loop period.
	DefaultQueueInterval = 10 * time.Second

	// sleepStep bounds how long a stop request can go unnoticed.
	sleepStep = 500 * time.Millisecond
)

var (
	tickDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docker_watcher_poll_tick_duration_seconds",
		Help:    "Duration of one full poll tick.",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})
	tickErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_watcher_poll_tick_errors_total",
		Help: "Poll steps that failed and retained the previous snapshot.",
	}, []string{"loop"})
)

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(tickDuration, tickErrors)
}

// ClusterClient is the slice of the kubectl adapter the cluster loop
// needs.
type ClusterClient interface {
	ListJobs(ctx context.Context, selector string) ([]kube.Job, error)
	ListPods(ctx context.Context, selector string) ([]kube.Pod, error)
	ListCronJobs(ctx context.Context) ([]kube.CronJob, error)
	ListDeployments(ctx context.Context) ([]kube.Deployment, error)
}

// HostProber collects host telemetry.
type HostProber interface {
	Fetch(ctx context.Context) hostres.Resources
}

// Catalog is the slice of the store the loops need.
type Catalog interface {
	ListRobots(ctx context.Context, tipo string) ([]catalog.Robot, error)
	ActiveRobots(ctx context.Context, tipo string) ([]catalog.Robot, error)
}

// QueueClient reads the pending-execution queue.
type QueueClient interface {
	ExecutionsFor(ctx context.Context, names []string) map[string][]mysqlq.Execution
	Probe(ctx context.Context) (bool, string)
}

// StatusBoard maintains the CONNECTION_STATUS entry. The two loops own
// one half each.
type StatusBoard struct {
	cache *snapshot.Cache
}

// NewStatusBoard seeds the connection entry so the UI has something to
// render before the first tick completes.
func NewStatusBoard(cache *snapshot.Cache) *StatusBoard {
	b := &StatusBoard{cache: cache}
	cache.Set(snapshot.KeyConnectionStatus, snapshot.ConnectionStatus{
		SSHError:   "not checked yet",
		MySQLError: "not checked yet",
		LastCheck:  time.Now().Format(time.RFC3339),
	})
	return b
}

func (b *StatusBoard) current() snapshot.ConnectionStatus {
	if e, ok := b.cache.Get(snapshot.KeyConnectionStatus); ok {
		if s, ok := e.Data.(snapshot.ConnectionStatus); ok {
			return s
		}
	}
	return snapshot.ConnectionStatus{}
}

// SetSSH updates the SSH half of the connection status.
func (b *StatusBoard) SetSSH(ok bool, msg string) {
	s := b.current()
	s.SSHConnected = ok
	s.SSHError = msg
	s.LastCheck = time.Now().Format(time.RFC3339)
	b.cache.Set(snapshot.KeyConnectionStatus, s)
}

// SetMySQL updates the MySQL half of the connection status.
func (b *StatusBoard) SetMySQL(ok bool, msg string) {
	s := b.current()
	s.MySQLConnected = ok
	s.MySQLError = msg
	s.LastCheck = time.Now().Format(time.RFC3339)
	b.cache.Set(snapshot.KeyConnectionStatus, s)
}

// sleepUntil sleeps for the remainder of the period, checking the stop
// channel every half second. Returns false when stopped.
func sleepUntil(stopc <-chan struct{}, period, elapsed time.Duration) bool {
	remaining := period - elapsed
	for remaining > 0 {
		step := sleepStep
		if remaining < step {
			step = remaining
		}
		select {
		case <-stopc:
			return false
		case <-time.After(step):
		}
		remaining -= step
	}
	select {
	case <-stopc:
		return false
	default:
		return true
	}
}

// ClusterPoller refreshes the cluster-side snapshots.
type ClusterPoller struct {
	logger   log.Logger
	cluster  ClusterClient
	prober   HostProber
	store    Catalog
	cache    *snapshot.Cache
	status   *StatusBoard
	interval time.Duration
}

// NewClusterPoller wires the cluster loop.
func NewClusterPoller(logger log.Logger, cluster ClusterClient, prober HostProber, store Catalog, cache *snapshot.Cache, status *StatusBoard, interval time.Duration) *ClusterPoller {
	if interval <= 0 {
		interval = DefaultClusterInterval
	}
	return &ClusterPoller{
		logger: logger, cluster: cluster, prober: prober,
		store: store, cache: cache, status: status, interval: interval,
	}
}

// Run loops until stopc closes.
func (p *ClusterPoller) Run(stopc <-chan struct{}) {
	_ = level.Info(p.logger).Log("msg", "cluster poll loop started", "interval", p.interval)
	for {
		start := time.Now()
		p.Tick(context.Background())
		tickDuration.WithLabelValues("cluster").Observe(time.Since(start).Seconds())
		if !sleepUntil(stopc, p.interval, time.Since(start)) {
			_ = level.Info(p.logger).Log("msg", "cluster poll loop stopped")
			return
		}
	}
}

// Tick runs one full cluster refresh. Write order is fixed: JOBS, PODS,
// CRONJOBS, DEPLOYMENTS, VM_RESOURCES, with derived views strictly
// after their inputs.
func (p *ClusterPoller) Tick(ctx context.Context) {
	var errSSH error

	jobs, err := p.cluster.ListJobs(ctx, "")
	if err != nil {
		errSSH = multierr.Append(errSSH, err)
		tickErrors.WithLabelValues("cluster").Inc()
		p.cache.Fail(snapshot.KeyJobs, err)
		_ = level.Warn(p.logger).Log("msg", "listing jobs", "err", err)
	} else {
		p.cache.Set(snapshot.KeyJobs, snapshot.Jobs(jobs))
	}

	pods, err := p.cluster.ListPods(ctx, "")
	if err != nil {
		errSSH = multierr.Append(errSSH, err)
		tickErrors.WithLabelValues("cluster").Inc()
		p.cache.Fail(snapshot.KeyPods, err)
		_ = level.Warn(p.logger).Log("msg", "listing pods", "err", err)
	} else {
		running := make([]kube.Pod, 0, len(pods))
		for _, pod := range pods {
			if pod.Phase == "Running" {
				running = append(running, pod)
			}
		}
		p.cache.Set(snapshot.KeyPods, snapshot.Pods(running))
	}

	execs := p.executionsSnapshot()

	cronjobs, err := p.cluster.ListCronJobs(ctx)
	if err != nil {
		errSSH = multierr.Append(errSSH, err)
		tickErrors.WithLabelValues("cluster").Inc()
		p.cache.Fail(snapshot.KeyCronJobs, err)
		_ = level.Warn(p.logger).Log("msg", "listing cronjobs", "err", err)
	} else {
		p.cache.Set(snapshot.KeyCronJobs, snapshot.CronJobs(cronjobs))
		if robots, rerr := p.store.ListRobots(ctx, catalog.TipoCronJob); rerr == nil {
			p.cache.Set(snapshot.KeyCronJobsProcessed, BuildCronJobViews(cronjobs, robots, execs))
		}
	}

	deployments, err := p.cluster.ListDeployments(ctx)
	if err != nil {
		errSSH = multierr.Append(errSSH, err)
		tickErrors.WithLabelValues("cluster").Inc()
		p.cache.Fail(snapshot.KeyDeployments, err)
		_ = level.Warn(p.logger).Log("msg", "listing deployments", "err", err)
	} else {
		p.cache.Set(snapshot.KeyDeployments, snapshot.Deployments(deployments))
		if robots, rerr := p.store.ListRobots(ctx, catalog.TipoDeployment); rerr == nil {
			p.cache.Set(snapshot.KeyDeploymentsProcessed, BuildDeploymentViews(deployments, robots, execs))
		}
	}

	p.cache.Set(snapshot.KeyVMResources, p.prober.Fetch(ctx))

	if errSSH != nil {
		p.status.SetSSH(false, errSSH.Error())
	} else {
		p.status.SetSSH(true, "")
	}
}

func (p *ClusterPoller) executionsSnapshot() snapshot.Executions {
	if e, ok := p.cache.Get(snapshot.KeyExecutions); ok {
		if m, ok := e.Data.(snapshot.Executions); ok {
			return m
		}
	}
	return snapshot.Executions{}
}

// QueuePoller refreshes the pending-execution snapshot and the RPA
// derived view.
type QueuePoller struct {
	logger   log.Logger
	queue    QueueClient
	store    Catalog
	cache    *snapshot.Cache
	status   *StatusBoard
	interval time.Duration
}

// NewQueuePoller wires the DB loop.
func NewQueuePoller(logger log.Logger, queue QueueClient, store Catalog, cache *snapshot.Cache, status *StatusBoard, interval time.Duration) *QueuePoller {
	if interval <= 0 {
		interval = DefaultQueueInterval
	}
	return &QueuePoller{logger: logger, queue: queue, store: store, cache: cache, status: status, interval: interval}
}

// Run loops until stopc closes.
func (p *QueuePoller) Run(stopc <-chan struct{}) {
	_ = level.Info(p.logger).Log("msg", "queue poll loop started", "interval", p.interval)
	for {
		start := time.Now()
		p.Tick(context.Background())
		tickDuration.WithLabelValues("queue").Observe(time.Since(start).Seconds())
		if !sleepUntil(stopc, p.interval, time.Since(start)) {
			_ = level.Info(p.logger).Log("msg", "queue poll loop stopped")
			return
		}
	}
}

// Tick runs one queue refresh: query names are the union of active
// catalog RPAs and job-inferred names that match one, then the RPA view
// is rebuilt.
func (p *QueuePoller) Tick(ctx context.Context) {
	active, err := p.store.ActiveRobots(ctx, catalog.TipoRPA)
	if err != nil {
		tickErrors.WithLabelValues("queue").Inc()
		_ = level.Warn(p.logger).Log("msg", "listing active robots", "err", err)
		return
	}
	names := p.collectNames(active)

	execs := snapshot.Executions(p.queue.ExecutionsFor(ctx, names))
	p.cache.Set(snapshot.KeyExecutions, execs)

	if ok, msg := p.queue.Probe(ctx); ok {
		p.status.SetMySQL(true, "")
	} else {
		p.status.SetMySQL(false, msg)
	}

	robots, err := p.store.ListRobots(ctx, catalog.TipoRPA)
	if err != nil {
		tickErrors.WithLabelValues("queue").Inc()
		_ = level.Warn(p.logger).Log("msg", "listing robots for view", "err", err)
		return
	}
	jobs := snapshot.Jobs{}
	if e, ok := p.cache.Get(snapshot.KeyJobs); ok {
		if js, ok := e.Data.(snapshot.Jobs); ok {
			jobs = js
		}
	}
	p.cache.Set(snapshot.KeyRPAsProcessed, BuildRPAViews(robots, execs, jobs))
}

// collectNames unions active catalog names with spellings observed in
// the executions snapshot and job labels that normalize to an active
// robot, so the IN clause hits whichever form the business DB uses.
func (p *QueuePoller) collectNames(active []catalog.Robot) []string {
	seen := map[string]struct{}{}
	normalizedActive := map[string]struct{}{}
	var names []string
	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for _, r := range active {
		add(r.Nome)
		normalizedActive[kube.Normalize(r.Nome)] = struct{}{}
	}

	if e, ok := p.cache.Get(snapshot.KeyExecutions); ok {
		if execs, ok := e.Data.(snapshot.Executions); ok {
			for dbName := range execs {
				if _, ok := normalizedActive[kube.Normalize(dbName)]; ok {
					add(dbName)
				}
			}
		}
	}
	if e, ok := p.cache.Get(snapshot.KeyJobs); ok {
		if jobs, ok := e.Data.(snapshot.Jobs); ok {
			for _, j := range jobs {
				slug := kube.Slug(j.Name, j.Labels)
				slug = strings.TrimPrefix(slug, "rpa-job-")
				if _, ok := normalizedActive[kube.Normalize(slug)]; ok {
					add(slug)
				}
			}
		}
	}
	return names
}
