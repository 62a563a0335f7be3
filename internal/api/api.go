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

// Package api is the REST facade. List endpoints are read-through of
// the snapshot cache; mutating endpoints write the catalog, drive
// kubectl, and invalidate the affected cache entries so the next poll
// tick repopulates them.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/errs"
	"github.com/rpaglobal/docker-watcher/internal/hostres"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

// Cluster is the kubectl surface the handlers drive.
type Cluster interface {
	ListJobs(ctx context.Context, selector string) ([]kube.Job, error)
	ListPods(ctx context.Context, selector string) ([]kube.Pod, error)
	ListCronJobs(ctx context.Context) ([]kube.CronJob, error)
	ListDeployments(ctx context.Context) ([]kube.Deployment, error)
	CreateJob(ctx context.Context, p kube.JobParams, maxInstances int) (int, error)
	CreateFromStdin(ctx context.Context, manifest []byte) error
	DeleteJob(ctx context.Context, name string) error
	DeletePod(ctx context.Context, name string) error
	DeleteCronJob(ctx context.Context, name string) error
	DeleteDeployment(ctx context.Context, name string) error
	SuspendCronJob(ctx context.Context, name string) error
	UnsuspendCronJob(ctx context.Context, name string) error
	RunCronJobNow(ctx context.Context, name string) error
	CronJobExists(ctx context.Context, name string) bool
	PodLogs(ctx context.Context, name string, tail int) (string, error)
}

// Catalog is the store surface the handlers use.
type Catalog interface {
	CreateRobot(ctx context.Context, r *catalog.Robot) error
	UpdateRobot(ctx context.Context, r *catalog.Robot) error
	GetRobot(ctx context.Context, nome string) (*catalog.Robot, error)
	ListRobots(ctx context.Context, tipo string) ([]catalog.Robot, error)
	ActiveRobots(ctx context.Context, tipo string) ([]catalog.Robot, error)
	SetActive(ctx context.Context, nome string, active bool) error
	SetSuspended(ctx context.Context, nome string, suspended bool) error
	DeleteRobot(ctx context.Context, nome string) error
	ListFailures(ctx context.Context) ([]catalog.FailedPod, error)
	FailuresForRobot(ctx context.Context, nomeRobo string) ([]catalog.FailedPod, error)
	GetFailure(ctx context.Context, podName string) (*catalog.FailedPod, error)
}

// Prober reports transport liveness with a human message.
type Prober interface {
	Probe(ctx context.Context) (bool, string)
}

// Remote runs ad-hoc commands on the cluster host (manifest cleanup).
type Remote interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (int, string, string, error)
}

// Reconciler runs one synchronous drain pass for a robot.
type Reconciler interface {
	ReconcileRobot(ctx context.Context, robot *catalog.Robot, execs snapshot.Executions) error
}

// HostProber collects host telemetry on demand.
type HostProber interface {
	Fetch(ctx context.Context) hostres.Resources
}

// Options wires the facade.
type Options struct {
	Logger     log.Logger
	Cache      *snapshot.Cache
	Store      Catalog
	Cluster    Cluster
	SSH        Prober
	MySQL      Prober
	Remote     Remote
	Reconciler Reconciler
	Host       HostProber
	// ConfigPath is the INI file served and replaced by the config
	// endpoints.
	ConfigPath string
	// Reload rebuilds transports from a freshly read config file.
	Reload func() error
	// CronjobsPath is the optional remote manifest directory; empty
	// disables the SSH-side file cleanup.
	CronjobsPath string
}

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "docker_watcher_http_request_duration_seconds",
	Help:    "REST request latencies.",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "method"})

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(requestDuration)
}

// API carries the handler dependencies.
type API struct {
	opts Options
}

// New returns the facade.
func New(opts Options) *API {
	return &API{opts: opts}
}

// Router builds the chi mux with all routes mounted. The metrics
// handler for reg is served beside the API.
func (a *API) Router(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(a.observe)

	r.Route("/rpas", func(r chi.Router) {
		r.Get("/", a.listRPAs)
		r.Post("/", a.createRPA)
		r.Get("/{name}", a.getRPA)
		r.Put("/{name}", a.updateRPA)
		r.Delete("/{name}", a.deleteRPA)
		r.Post("/{name}/standby", a.standbyRPA)
		r.Post("/{name}/activate", a.activateRPA)
	})
	r.Route("/cronjobs", func(r chi.Router) {
		r.Get("/", a.listCronJobs)
		r.Post("/", a.createCronJob)
		r.Get("/{name}", a.getCronJob)
		r.Delete("/{name}", a.deleteCronJob)
		r.Post("/{name}/standby", a.standbyCronJob)
		r.Post("/{name}/activate", a.activateCronJob)
		r.Post("/{name}/run_now", a.runCronJobNow)
	})
	r.Route("/deployments", func(r chi.Router) {
		r.Get("/", a.listDeployments)
		r.Post("/", a.createDeployment)
		r.Get("/{name}", a.getDeployment)
		r.Delete("/{name}", a.deleteDeployment)
		r.Post("/{name}/standby", a.standbyDeployment)
		r.Post("/{name}/activate", a.activateDeployment)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.listJobs)
		r.Post("/", a.createJob)
		r.Get("/status", a.jobsStatus)
		r.Get("/unknown", a.unknownJobs)
		r.Delete("/{name}", a.deleteJob)
	})
	r.Route("/pods", func(r chi.Router) {
		r.Get("/", a.listPods)
		r.Delete("/{name}", a.deletePod)
		r.Get("/{name}/logs", a.podLogs)
	})
	r.Get("/executions", a.listExecutions)
	r.Get("/resources/vm", a.vmResources)
	r.Route("/connection", func(r chi.Router) {
		r.Get("/status", a.connectionStatus)
		r.Post("/reload", a.connectionReload)
		r.Get("/mysql", a.mysqlStatus)
		r.Get("/ssh", a.sshStatus)
	})
	r.Route("/failures", func(r chi.Router) {
		r.Get("/", a.listFailures)
		r.Get("/{name}", a.getFailure)
		r.Get("/{name}/logs", a.failureLogs)
	})
	r.Get("/config", a.getConfig)
	r.Put("/config", a.putConfig)
	r.Get("/diagnostics/executions", a.diagnoseExecutions)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = level.Warn(a.opts.Logger).Log("msg", "encoding response", "err", err)
	}
}

// writeError maps error kinds to HTTP codes: Validation/AlreadyExists
// to 400/409, NotFound to 404, the rest to 500 with the kubectl stderr
// or error text.
func (a *API) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Validation:
		code = http.StatusBadRequest
	case errs.AlreadyExists:
		code = http.StatusConflict
	case errs.NotFound:
		code = http.StatusNotFound
	}
	a.writeJSON(w, code, map[string]string{"error": errs.ExitStderr(err)})
}

// cachedEntry returns the cache entry for key, or synthesizes it with
// build on a cold start.
func (a *API) cachedEntry(key snapshot.Key, build func() (snapshot.Cloner, error)) (snapshot.Entry, error) {
	if e, ok := a.opts.Cache.Get(key); ok {
		return e, nil
	}
	if build == nil {
		return snapshot.Entry{UpdatedAt: time.Now()}, nil
	}
	data, err := build()
	if err != nil {
		return snapshot.Entry{}, err
	}
	a.opts.Cache.Set(key, data)
	e, _ := a.opts.Cache.Get(key)
	return e, nil
}

func (a *API) executionsSnapshot() snapshot.Executions {
	if e, ok := a.opts.Cache.Get(snapshot.KeyExecutions); ok {
		if m, ok := e.Data.(snapshot.Executions); ok {
			return m
		}
	}
	return snapshot.Executions{}
}

func (a *API) jobsSnapshot(ctx context.Context) snapshot.Jobs {
	if e, ok := a.opts.Cache.Get(snapshot.KeyJobs); ok {
		if js, ok := e.Data.(snapshot.Jobs); ok {
			return js
		}
	}
	jobs, err := a.opts.Cluster.ListJobs(ctx, "")
	if err != nil {
		return nil
	}
	a.opts.Cache.Set(snapshot.KeyJobs, snapshot.Jobs(jobs))
	return jobs
}
