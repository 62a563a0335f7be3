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

// Package snapshot holds the in-process cache the poll loops write and
// the API reads. Entries are whole snapshots; freshness is the polling
// interval, not a TTL. Reads hand out deep copies so request handlers
// never race the writers.
package snapshot

import (
	"sync"
	"time"

	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/mysqlq"
)

// Key names one cache slot.
type Key string

const (
	KeyJobs                 Key = "JOBS"
	KeyPods                 Key = "PODS"
	KeyCronJobs             Key = "CRONJOBS"
	KeyDeployments          Key = "DEPLOYMENTS"
	KeyExecutions           Key = "EXECUTIONS"
	KeyVMResources          Key = "VM_RESOURCES"
	KeyConnectionStatus     Key = "CONNECTION_STATUS"
	KeyRPAsProcessed        Key = "RPAS_PROCESSED"
	KeyCronJobsProcessed    Key = "CRONJOBS_PROCESSED"
	KeyDeploymentsProcessed Key = "DEPLOYMENTS_PROCESSED"
)

// Cloner is what a stored snapshot must implement: Clone returns a
// fully independent copy of the data.
type Cloner interface {
	Clone() any
}

// Entry is one cache slot's state. Err holds the last poll error when
// the previous Data was retained; it clears on the next good write.
type Entry struct {
	Data      any               `json:"data"`
	UpdatedAt time.Time         `json:"updated_at"`
	Err       string            `json:"error,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Cache is the process-wide snapshot map. One coarse lock; reads copy
// out under it.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]Entry)}
}

// Set stores a fresh snapshot, stamping now and clearing any error.
func (c *Cache) Set(key Key, data Cloner) {
	c.SetWithMeta(key, data, nil)
}

// SetWithMeta stores a fresh snapshot with auxiliary metadata.
func (c *Cache) SetWithMeta(key Key, data Cloner, meta map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if prev, ok := c.entries[key]; ok && now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt
	}
	c.entries[key] = Entry{Data: data, UpdatedAt: now, Meta: meta}
}

// Fail records a poll error, retaining the previous data and timestamp
// so readers keep seeing the last good snapshot.
func (c *Cache) Fail(key Key, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.entries[key]
	prev.Err = err.Error()
	c.entries[key] = prev
}

// Get returns a deep copy of the entry and whether the slot is
// populated.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	out := e
	if cl, ok := e.Data.(Cloner); ok && cl != nil {
		out.Data = cl.Clone()
	}
	if e.Meta != nil {
		out.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			out.Meta[k] = v
		}
	}
	return out, true
}

// Invalidate drops entries so the next poll tick repopulates them.
func (c *Cache) Invalidate(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Keys returns the populated keys, for diagnostics.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// Snapshot list types. They wrap the normalized DTO slices so the cache
// can clone them without knowing the element types.

type Jobs []kube.Job

func (j Jobs) Clone() any { return Jobs(kube.CopyJobs(j)) }

type Pods []kube.Pod

func (p Pods) Clone() any { return Pods(kube.CopyPods(p)) }

type CronJobs []kube.CronJob

func (c CronJobs) Clone() any { return CronJobs(kube.CopyCronJobs(c)) }

type Deployments []kube.Deployment

func (d Deployments) Clone() any { return Deployments(kube.CopyDeployments(d)) }

// Executions is the pending-queue snapshot, keyed by robot name as the
// business database spells it.
type Executions map[string][]mysqlq.Execution

func (e Executions) Clone() any {
	out := make(Executions, len(e))
	for k, v := range e {
		rows := make([]mysqlq.Execution, len(v))
		copy(rows, v)
		out[k] = rows
	}
	return out
}

// ConnectionStatus is the transport health snapshot the UI uses to tell
// which side is degraded.
type ConnectionStatus struct {
	SSHConnected   bool   `json:"ssh_connected"`
	MySQLConnected bool   `json:"mysql_connected"`
	SSHError       string `json:"ssh_error,omitempty"`
	MySQLError     string `json:"mysql_error,omitempty"`
	LastCheck      string `json:"last_check"`
}

func (s ConnectionStatus) Clone() any { return s }
