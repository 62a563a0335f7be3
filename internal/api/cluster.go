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

package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/errs"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/poll"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

// --- Jobs ---

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	if sel := r.URL.Query().Get("label_selector"); sel != "" {
		jobs, err := a.opts.Cluster.ListJobs(r.Context(), sel)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, jobs)
		return
	}
	e, err := a.cachedEntry(snapshot.KeyJobs, func() (snapshot.Cloner, error) {
		jobs, err := a.opts.Cluster.ListJobs(r.Context(), "")
		if err != nil {
			return nil, err
		}
		return snapshot.Jobs(jobs), nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nome string `json:"nome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Nome == "" {
		a.writeError(w, errs.New(errs.Validation, "nome is required"))
		return
	}
	robot, err := a.opts.Store.GetRobot(r.Context(), req.Nome)
	if err != nil {
		a.writeError(w, err)
		return
	}
	created, err := a.opts.Cluster.CreateJob(r.Context(), kube.JobParams{
		RobotName:     robot.Nome,
		ImageTag:      robot.DockerTag,
		MemLimitMB:    robot.RAMMaximaMB,
		ExternalFiles: robot.UtilizaArquivosExternos,
		LifetimeSec:   robot.TempoMaximoDeVida,
	}, robot.MaxInstancias)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyJobs)
	a.writeJSON(w, http.StatusCreated, map[string]any{"nome": robot.Nome, "jobs_criados": created})
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.DeleteJob(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyJobs)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
}

// JobGroup is one dashboard row: every run of a robot folded into a
// single set of counters keyed by the human display name.
type JobGroup struct {
	Nome               string `json:"nome"`
	Apelido            string `json:"apelido,omitempty"`
	Tipo               string `json:"tipo"`
	Status             string `json:"status"`
	Running            int    `json:"running"`
	Pending            int    `json:"pending"`
	Error              int    `json:"error"`
	Failed             int    `json:"failed"`
	Succeeded          int    `json:"succeeded"`
	ExecucoesPendentes int    `json:"execucoes_pendentes"`
}

func groupStatus(g *JobGroup) string {
	switch {
	case g.Running > 0:
		return "running"
	case g.Error > 0 || g.Failed > 0:
		return "failed"
	case g.Pending > 0 || g.ExecucoesPendentes > 0:
		return "pending"
	case g.Succeeded > 0:
		return "succeeded"
	default:
		return "stopped"
	}
}

// jobsStatus is the dashboard aggregate: jobs grouped per robot, plus
// long-running pods as Deploy rows, plus queue-only robots that have
// pending work but nothing in the cluster yet.
func (a *API) jobsStatus(w http.ResponseWriter, r *http.Request) {
	jobs := a.jobsSnapshot(r.Context())
	execs := a.executionsSnapshot()

	groups := map[string]*JobGroup{}
	group := func(name string, labels map[string]string, tipo string) *JobGroup {
		slug := kube.Slug(name, labels)
		display := kube.DisplayName(slug)
		if display == "" {
			display = "Unknown"
		}
		g, ok := groups[display]
		if !ok {
			g = &JobGroup{Nome: display, Tipo: tipo}
			groups[display] = g
		}
		return g
	}

	for _, j := range jobs {
		tipo := "RPA"
		if strings.Contains(j.Name, "cronjob") {
			tipo = "Cronjob"
		}
		g := group(j.Name, j.Labels, tipo)
		g.Running += j.Active
		g.Failed += j.Failed
		g.Succeeded += j.Completions
	}

	// Pods not owned by a Job are long-running workloads.
	if e, ok := a.opts.Cache.Get(snapshot.KeyPods); ok {
		if pods, ok := e.Data.(snapshot.Pods); ok {
			for _, p := range pods {
				if _, owned := p.Labels["job-name"]; owned {
					continue
				}
				g := group(p.Name, p.Labels, "Deploy")
				switch p.Status {
				case kube.StatusPending:
					g.Pending++
				case kube.StatusError, kube.StatusCrashLoopBackOff:
					g.Error++
				default:
					g.Running++
				}
			}
		}
	}

	for display, g := range groups {
		g.ExecucoesPendentes = poll.PendingFor(display, execs)
	}

	// Robots with queued work but no cluster presence still belong on
	// the board.
	for dbName, rows := range execs {
		if len(rows) == 0 {
			continue
		}
		want := kube.Normalize(dbName)
		found := false
		for display := range groups {
			if kube.Normalize(display) == want {
				found = true
				break
			}
		}
		if !found {
			groups[kube.DisplayName(dbName)] = &JobGroup{
				Nome:               kube.DisplayName(dbName),
				Tipo:               "RPA",
				ExecucoesPendentes: len(rows),
			}
		}
	}

	a.overlayCatalog(r, groups)

	out := make([]JobGroup, 0, len(groups))
	for display, g := range groups {
		// Slugless leftovers are noise unless something is actually
		// running or failing under them.
		if display == "Unknown" && g.Running == 0 && g.Error == 0 && g.Failed == 0 {
			continue
		}
		g.Status = groupStatus(g)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nome < out[j].Nome })
	a.writeJSON(w, http.StatusOK, out)
}

// overlayCatalog stamps apelido and the authoritative tipo onto groups
// that match a catalog row.
func (a *API) overlayCatalog(r *http.Request, groups map[string]*JobGroup) {
	robots, err := a.opts.Store.ListRobots(r.Context(), "")
	if err != nil {
		return
	}
	tipoLabel := map[string]string{
		catalog.TipoRPA:        "RPA",
		catalog.TipoCronJob:    "Cronjob",
		catalog.TipoDeployment: "Deploy",
	}
	for i := range robots {
		want := kube.Normalize(robots[i].Nome)
		for display, g := range groups {
			if kube.Normalize(display) != want {
				continue
			}
			g.Apelido = robots[i].Apelido
			if t, ok := tipoLabel[robots[i].Tipo]; ok {
				g.Tipo = t
			}
		}
	}
}

// unknownJobs lists cluster jobs that map to no catalog robot.
func (a *API) unknownJobs(w http.ResponseWriter, r *http.Request) {
	jobs := a.jobsSnapshot(r.Context())
	robots, err := a.opts.Store.ListRobots(r.Context(), "")
	if err != nil {
		a.writeError(w, err)
		return
	}
	known := map[string]bool{}
	for i := range robots {
		known[kube.Normalize(robots[i].Nome)] = true
	}
	unknown := make([]kube.Job, 0)
	for _, j := range jobs {
		slug := kube.Slug(j.Name, j.Labels)
		if slug == "" || !known[kube.Normalize(slug)] {
			unknown = append(unknown, j)
		}
	}
	a.writeJSON(w, http.StatusOK, unknown)
}

// --- Pods ---

func (a *API) listPods(w http.ResponseWriter, r *http.Request) {
	if sel := r.URL.Query().Get("label_selector"); sel != "" {
		pods, err := a.opts.Cluster.ListPods(r.Context(), sel)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, pods)
		return
	}
	e, err := a.cachedEntry(snapshot.KeyPods, func() (snapshot.Cloner, error) {
		pods, err := a.opts.Cluster.ListPods(r.Context(), "")
		if err != nil {
			return nil, err
		}
		running := make(snapshot.Pods, 0, len(pods))
		for _, p := range pods {
			if p.Phase == "Running" {
				running = append(running, p)
			}
		}
		return running, nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

func (a *API) deletePod(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.DeletePod(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyPods)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
}

func (a *API) podLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tail := 0
	if s := r.URL.Query().Get("tail"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			a.writeError(w, errs.New(errs.Validation, "tail must be a positive integer"))
			return
		}
		tail = n
	}
	logs, err := a.opts.Cluster.PodLogs(r.Context(), name, tail)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"name": name, "logs": logs})
}
