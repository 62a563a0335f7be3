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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log/level"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/errs"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/poll"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

const remoteFileTimeout = 15 * time.Second

func (a *API) invalidate(keys ...snapshot.Key) {
	for _, k := range keys {
		a.opts.Cache.Invalidate(k)
	}
}

func decodeRobot(r *http.Request, tipo string) (*catalog.Robot, error) {
	var robot catalog.Robot
	if err := json.NewDecoder(r.Body).Decode(&robot); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decoding request body")
	}
	robot.Tipo = tipo
	return &robot, nil
}

// robotImage resolves the container image for a catalog row: an explicit
// repository wins, otherwise the org-standard rpaglobal/<slug>:<tag>.
func robotImage(r *catalog.Robot) string {
	tag := r.DockerTag
	if tag == "" {
		tag = "latest"
	}
	if r.DockerRepository != "" {
		return fmt.Sprintf("%s:%s", r.DockerRepository, tag)
	}
	return fmt.Sprintf("rpaglobal/%s:%s", kube.JobSlug(r.Nome), tag)
}

func robotMemLimit(r *catalog.Robot) string {
	if r.MemoryLimit != "" {
		return r.MemoryLimit
	}
	if r.RAMMaximaMB > 0 {
		return fmt.Sprintf("%dMi", kube.MemLimitMi(r.RAMMaximaMB))
	}
	return ""
}

// --- RPAs ---

func (a *API) listRPAs(w http.ResponseWriter, r *http.Request) {
	e, err := a.cachedEntry(snapshot.KeyRPAsProcessed, func() (snapshot.Cloner, error) {
		robots, err := a.opts.Store.ActiveRobots(r.Context(), catalog.TipoRPA)
		if err != nil {
			return nil, err
		}
		return poll.BuildRPAViews(robots, a.executionsSnapshot(), a.jobsSnapshot(r.Context())), nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

func (a *API) createRPA(w http.ResponseWriter, r *http.Request) {
	robot, err := decodeRobot(r, catalog.TipoRPA)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.opts.Store.CreateRobot(r.Context(), robot); err != nil {
		a.writeError(w, err)
		return
	}
	// One synchronous drain pass so pending executions queued before
	// registration start immediately instead of on the next tick.
	if a.opts.Reconciler != nil {
		if err := a.opts.Reconciler.ReconcileRobot(r.Context(), robot, a.executionsSnapshot()); err != nil {
			_ = level.Warn(a.opts.Logger).Log("msg", "initial reconcile after create", "robot", robot.Nome, "err", err)
		}
	}
	a.invalidate(snapshot.KeyRPAsProcessed)
	a.writeJSON(w, http.StatusCreated, robot)
}

func (a *API) getRPA(w http.ResponseWriter, r *http.Request) {
	robot, err := a.opts.Store.GetRobot(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	execs := a.executionsSnapshot()
	view := poll.RPAView{
		Robot:              *robot,
		ExecucoesPendentes: poll.PendingFor(robot.Nome, execs),
		JobsAtivos:         poll.ActiveJobsByRobot(a.jobsSnapshot(r.Context()))[kube.Normalize(robot.Nome)],
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *API) updateRPA(w http.ResponseWriter, r *http.Request) {
	robot, err := decodeRobot(r, catalog.TipoRPA)
	if err != nil {
		a.writeError(w, err)
		return
	}
	robot.Nome = chi.URLParam(r, "name")
	if err := a.opts.Store.UpdateRobot(r.Context(), robot); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyRPAsProcessed)
	a.writeJSON(w, http.StatusOK, robot)
}

func (a *API) deleteRPA(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Store.DeleteRobot(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyRPAsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "nome": name})
}

func (a *API) standbyRPA(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Store.SetActive(r.Context(), name, false); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyRPAsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "standby", "nome": name})
}

func (a *API) activateRPA(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Store.SetActive(r.Context(), name, true); err != nil {
		a.writeError(w, err)
		return
	}
	if a.opts.Reconciler != nil {
		if robot, err := a.opts.Store.GetRobot(r.Context(), name); err == nil {
			if err := a.opts.Reconciler.ReconcileRobot(r.Context(), robot, a.executionsSnapshot()); err != nil {
				_ = level.Warn(a.opts.Logger).Log("msg", "reconcile after activate", "robot", name, "err", err)
			}
		}
	}
	a.invalidate(snapshot.KeyRPAsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "active", "nome": name})
}

// --- CronJobs ---

func (a *API) cronJobViews(r *http.Request) (snapshot.Entry, error) {
	return a.cachedEntry(snapshot.KeyCronJobsProcessed, func() (snapshot.Cloner, error) {
		cjs, err := a.opts.Cluster.ListCronJobs(r.Context())
		if err != nil {
			return nil, err
		}
		robots, err := a.opts.Store.ListRobots(r.Context(), catalog.TipoCronJob)
		if err != nil {
			return nil, err
		}
		return poll.BuildCronJobViews(cjs, robots, a.executionsSnapshot()), nil
	})
}

func (a *API) listCronJobs(w http.ResponseWriter, r *http.Request) {
	e, err := a.cronJobViews(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

func (a *API) getCronJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, err := a.cronJobViews(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if views, ok := e.Data.(poll.CronJobViews); ok {
		for _, v := range views {
			if v.Name == name {
				a.writeJSON(w, http.StatusOK, v)
				return
			}
		}
	}
	a.writeError(w, errs.Newf(errs.NotFound, "cronjob %q not found", name))
}

func (a *API) createCronJob(w http.ResponseWriter, r *http.Request) {
	robot, err := decodeRobot(r, catalog.TipoCronJob)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := catalog.ValidateSchedule(robot.Schedule); err != nil {
		a.writeError(w, err)
		return
	}
	// Uniqueness is checked against the live cluster, not just the
	// catalog: a cronjob applied by hand must not be shadowed.
	if a.opts.Cluster.CronJobExists(r.Context(), robot.Nome) {
		a.writeError(w, errs.Newf(errs.AlreadyExists, "cronjob %q already exists in the cluster", robot.Nome))
		return
	}

	manifest, err := kube.RenderCronJob(kube.CronJobParams{
		Name:       robot.Nome,
		Schedule:   robot.Schedule,
		TimeZone:   robot.Timezone,
		RobotName:  kube.JobSlug(robot.Nome),
		Image:      robotImage(robot),
		MemLimit:   robotMemLimit(robot),
		TTLSeconds: robot.TTLSecondsAfterFinished,
	})
	if err != nil {
		a.writeError(w, errs.Wrap(errs.Internal, err, "rendering cronjob manifest"))
		return
	}
	if err := a.opts.Cluster.CreateFromStdin(r.Context(), manifest); err != nil {
		a.writeError(w, err)
		return
	}
	a.saveRemoteManifest(r, robot.Nome, manifest)

	if err := a.opts.Store.CreateRobot(r.Context(), robot); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyCronJobs, snapshot.KeyCronJobsProcessed)
	a.writeJSON(w, http.StatusCreated, robot)
}

// saveRemoteManifest mirrors the applied manifest to the cluster host so
// operators can re-apply it without this service. Best effort.
func (a *API) saveRemoteManifest(r *http.Request, name string, manifest []byte) {
	if a.opts.CronjobsPath == "" || a.opts.Remote == nil {
		return
	}
	path := fmt.Sprintf("%s/%s.yaml", strings.TrimRight(a.opts.CronjobsPath, "/"), name)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'EOF'\n%s\nEOF",
		strings.TrimRight(a.opts.CronjobsPath, "/"), path, strings.TrimRight(string(manifest), "\n"))
	if _, _, stderr, err := a.opts.Remote.Exec(r.Context(), cmd, remoteFileTimeout); err != nil {
		_ = level.Warn(a.opts.Logger).Log("msg", "mirroring manifest to host", "path", path, "err", err, "stderr", stderr)
	}
}

func (a *API) removeRemoteManifest(r *http.Request, name string) {
	if a.opts.CronjobsPath == "" || a.opts.Remote == nil {
		return
	}
	path := fmt.Sprintf("%s/%s.yaml", strings.TrimRight(a.opts.CronjobsPath, "/"), name)
	if _, _, stderr, err := a.opts.Remote.Exec(r.Context(), "rm -f "+path, remoteFileTimeout); err != nil {
		_ = level.Warn(a.opts.Logger).Log("msg", "removing manifest from host", "path", path, "err", err, "stderr", stderr)
	}
}

func (a *API) deleteCronJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.DeleteCronJob(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.removeRemoteManifest(r, name)
	// A cluster-only cronjob has no catalog row; that is not an error.
	if err := a.opts.Store.DeleteRobot(r.Context(), name); err != nil && !errs.IsKind(err, errs.NotFound) {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyCronJobs, snapshot.KeyCronJobsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "nome": name})
}

// standbyCronJob suspends the schedule and kills whatever it already
// started: suspension alone would let an in-flight run keep going.
func (a *API) standbyCronJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.SuspendCronJob(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}

	deleted := 0
	jobs, err := a.opts.Cluster.ListJobs(r.Context(), "")
	if err != nil {
		_ = level.Warn(a.opts.Logger).Log("msg", "listing jobs for cronjob standby", "cronjob", name, "err", err)
	} else {
		for _, j := range jobs {
			if !strings.HasPrefix(j.Name, name+"-") {
				continue
			}
			if err := a.opts.Cluster.DeleteJob(r.Context(), j.Name); err != nil {
				_ = level.Warn(a.opts.Logger).Log("msg", "deleting in-flight job", "job", j.Name, "err", err)
				continue
			}
			deleted++
		}
	}

	if err := a.opts.Store.SetSuspended(r.Context(), name, true); err != nil {
		_ = level.Warn(a.opts.Logger).Log("msg", "recording suspension", "cronjob", name, "err", err)
	}
	a.invalidate(snapshot.KeyJobs, snapshot.KeyCronJobs, snapshot.KeyCronJobsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status": "standby", "nome": name, "jobs_deletados": deleted,
	})
}

func (a *API) activateCronJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.UnsuspendCronJob(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.opts.Store.SetSuspended(r.Context(), name, false); err != nil {
		_ = level.Warn(a.opts.Logger).Log("msg", "recording resume", "cronjob", name, "err", err)
	}
	a.invalidate(snapshot.KeyCronJobs, snapshot.KeyCronJobsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "active", "nome": name})
}

func (a *API) runCronJobNow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.RunCronJobNow(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyJobs)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "triggered", "nome": name})
}

// --- Deployments ---

func (a *API) deploymentViews(r *http.Request) (snapshot.Entry, error) {
	return a.cachedEntry(snapshot.KeyDeploymentsProcessed, func() (snapshot.Cloner, error) {
		deps, err := a.opts.Cluster.ListDeployments(r.Context())
		if err != nil {
			return nil, err
		}
		robots, err := a.opts.Store.ListRobots(r.Context(), catalog.TipoDeployment)
		if err != nil {
			return nil, err
		}
		return poll.BuildDeploymentViews(deps, robots, a.executionsSnapshot()), nil
	})
}

func (a *API) listDeployments(w http.ResponseWriter, r *http.Request) {
	e, err := a.deploymentViews(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

func (a *API) getDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	e, err := a.deploymentViews(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if views, ok := e.Data.(poll.DeploymentViews); ok {
		for _, v := range views {
			if v.Name == name {
				a.writeJSON(w, http.StatusOK, v)
				return
			}
		}
	}
	a.writeError(w, errs.Newf(errs.NotFound, "deployment %q not found", name))
}

func (a *API) applyDeployment(r *http.Request, robot *catalog.Robot) error {
	manifest, err := kube.RenderDeployment(kube.DeploymentParams{
		Name:      robot.Nome,
		RobotName: robot.Nome,
		Image:     robotImage(robot),
		MemLimit:  robotMemLimit(robot),
		Replicas:  robot.Replicas,
	})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "rendering deployment manifest")
	}
	return a.opts.Cluster.CreateFromStdin(r.Context(), manifest)
}

func (a *API) createDeployment(w http.ResponseWriter, r *http.Request) {
	robot, err := decodeRobot(r, catalog.TipoDeployment)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.opts.Store.CreateRobot(r.Context(), robot); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.applyDeployment(r, robot); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyDeployments, snapshot.KeyDeploymentsProcessed)
	a.writeJSON(w, http.StatusCreated, robot)
}

func (a *API) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.DeleteDeployment(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.opts.Store.DeleteRobot(r.Context(), name); err != nil && !errs.IsKind(err, errs.NotFound) {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyDeployments, snapshot.KeyDeploymentsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "nome": name})
}

// standbyDeployment removes the workload from the cluster but keeps the
// catalog row so activate can re-apply it with the stored replica count.
func (a *API) standbyDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.opts.Cluster.DeleteDeployment(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.opts.Store.SetActive(r.Context(), name, false); err != nil && !errs.IsKind(err, errs.NotFound) {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyDeployments, snapshot.KeyDeploymentsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "standby", "nome": name})
}

func (a *API) activateDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	robot, err := a.opts.Store.GetRobot(r.Context(), name)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.applyDeployment(r, robot); err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.opts.Store.SetActive(r.Context(), name, true); err != nil {
		a.writeError(w, err)
		return
	}
	a.invalidate(snapshot.KeyDeployments, snapshot.KeyDeploymentsProcessed)
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "active", "nome": name})
}
