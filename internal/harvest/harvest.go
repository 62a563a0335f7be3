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

// Package harvest detects failed pods, persists them with their final
// logs, and sweeps records past the retention window. It lists pods
// itself rather than reading the cache: the pods snapshot is filtered
// to Running and would hide exactly what the harvester looks for.
package harvest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/kube"
)

const (
	// DefaultInterval matches the cluster poll period.
	DefaultInterval = 10 * time.Second
	// Retention is how long failure records are kept.
	Retention = 7 * 24 * time.Hour
	// LogTail is how many final log lines are captured per failed pod.
	LogTail = 1000

	// seenTTL bounds the in-memory memo of already-persisted pod
	// names; after expiry the store's existence check is consulted
	// again.
	seenTTL = 30 * time.Minute
)

var (
	failuresCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docker_watcher_harvest_failures_captured_total",
		Help: "Failed pods persisted with logs.",
	})
	failuresSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docker_watcher_harvest_failures_swept_total",
		Help: "Failure records removed by the retention sweep.",
	})
)

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(failuresCaptured, failuresSwept)
}

// Cluster is the slice of the kubectl adapter the harvester uses.
type Cluster interface {
	ListPods(ctx context.Context, selector string) ([]kube.Pod, error)
	PodLogs(ctx context.Context, name string, tail int) (string, error)
}

// Store persists failure records.
type Store interface {
	FailureExists(ctx context.Context, podName string) (bool, error)
	InsertFailure(ctx context.Context, f *catalog.FailedPod) error
	DeleteFailuresBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Harvester scans for failed pods on a fixed period.
type Harvester struct {
	logger   log.Logger
	cluster  Cluster
	store    Store
	seen     *gocache.Cache
	interval time.Duration
}

// New wires a harvester.
func New(logger log.Logger, cluster Cluster, store Store, interval time.Duration) *Harvester {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Harvester{
		logger:   logger,
		cluster:  cluster,
		store:    store,
		seen:     gocache.New(seenTTL, 2*seenTTL),
		interval: interval,
	}
}

// Run loops until stopc closes.
func (h *Harvester) Run(stopc <-chan struct{}) {
	_ = level.Info(h.logger).Log("msg", "failure harvester started", "interval", h.interval)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.Tick(context.Background())
		select {
		case <-stopc:
			_ = level.Info(h.logger).Log("msg", "failure harvester stopped")
			return
		case <-ticker.C:
		}
	}
}

// IsFailed is the single failure rule: pod phase Failed, a derived
// status in the failure set, or any container terminated non-zero or
// waiting on CrashLoopBackOff/Error.
func IsFailed(p kube.Pod) bool {
	if p.Phase == "Failed" {
		return true
	}
	switch p.Status {
	case kube.StatusFailed, kube.StatusError, kube.StatusCrashLoopBackOff:
		return true
	}
	for _, c := range p.Containers {
		if c.State.Type == "terminated" && c.State.ExitCode != 0 {
			return true
		}
		if c.State.Type == "waiting" &&
			(c.State.Reason == "CrashLoopBackOff" || c.State.Reason == "Error") {
			return true
		}
	}
	return false
}

// Tick runs one capture pass followed by the retention sweep.
func (h *Harvester) Tick(ctx context.Context) {
	pods, err := h.cluster.ListPods(ctx, "")
	if err != nil {
		_ = level.Warn(h.logger).Log("msg", "listing pods for harvest", "err", err)
	} else {
		for _, p := range pods {
			if !IsFailed(p) || p.Name == "" {
				continue
			}
			if err := h.capture(ctx, p); err != nil {
				_ = level.Warn(h.logger).Log("msg", "capturing failed pod", "pod", p.Name, "err", err)
			}
		}
	}

	swept, err := h.store.DeleteFailuresBefore(ctx, time.Now().Add(-Retention))
	if err != nil {
		_ = level.Warn(h.logger).Log("msg", "retention sweep failed", "err", err)
		return
	}
	if swept > 0 {
		failuresSwept.Add(float64(swept))
		_ = level.Info(h.logger).Log("msg", "swept old failure records", "count", swept)
	}
}

func (h *Harvester) capture(ctx context.Context, p kube.Pod) error {
	if _, memoized := h.seen.Get(p.Name); memoized {
		return nil
	}
	exists, err := h.store.FailureExists(ctx, p.Name)
	if err != nil {
		return err
	}
	if exists {
		h.seen.SetDefault(p.Name, struct{}{})
		return nil
	}

	logs, err := h.cluster.PodLogs(ctx, p.Name, LogTail)
	if err != nil {
		// A reaped pod has no logs anymore; persist the record anyway.
		_ = level.Warn(h.logger).Log("msg", "fetching logs for failed pod", "pod", p.Name, "err", err)
		logs = ""
	}

	containers, err := json.Marshal(p.Containers)
	if err != nil {
		containers = []byte("[]")
	}
	rec := &catalog.FailedPod{
		Name:       p.Name,
		Namespace:  p.Namespace,
		Labels:     catalog.JSONMap(p.Labels),
		Phase:      p.Phase,
		Status:     p.Status,
		StartTime:  p.StartTime,
		Containers: string(containers),
		Logs:       logs,
		NomeRobo:   kube.Slug(p.Name, p.Labels),
	}
	if err := h.store.InsertFailure(ctx, rec); err != nil {
		return err
	}
	h.seen.SetDefault(p.Name, struct{}{})
	failuresCaptured.Inc()
	_ = level.Info(h.logger).Log("msg", "failed pod captured", "pod", p.Name, "robot", rec.NomeRobo)
	return nil
}
