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

package poll

import (
	"github.com/samber/lo"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

// Derived views join cluster snapshots with catalog rows and the
// pending-execution counts. The API serves them verbatim; the poll
// loops rebuild them each tick, and the facade can synthesize them once
// on demand before the first tick lands.

// RPAView is one catalog RPA enriched with live counts.
type RPAView struct {
	catalog.Robot
	ExecucoesPendentes int `json:"execucoes_pendentes"`
	JobsAtivos         int `json:"jobs_ativos"`
}

// RPAViews implements the snapshot clone contract.
type RPAViews []RPAView

func (v RPAViews) Clone() any {
	out := make(RPAViews, len(v))
	for i, r := range v {
		out[i] = r
		out[i].Tags = append(catalog.Tags(nil), r.Tags...)
		if r.InativadoEm != nil {
			t := *r.InativadoEm
			out[i].InativadoEm = &t
		}
	}
	return out
}

// CronJobView is one cluster cronjob overlaid with catalog metadata.
type CronJobView struct {
	kube.CronJob
	Apelido               string       `json:"apelido"`
	Tags                  catalog.Tags `json:"tags"`
	DependenteDeExecucoes bool         `json:"dependente_de_execucoes"`
	ExecucoesPendentes    int          `json:"execucoes_pendentes"`
}

// CronJobViews implements the snapshot clone contract.
type CronJobViews []CronJobView

func (v CronJobViews) Clone() any {
	out := make(CronJobViews, len(v))
	for i, c := range v {
		out[i] = c
		out[i].CronJob = c.CronJob.DeepCopy()
		out[i].Tags = append(catalog.Tags(nil), c.Tags...)
	}
	return out
}

// DeploymentView is one cluster deployment overlaid with catalog
// metadata.
type DeploymentView struct {
	kube.Deployment
	Apelido               string       `json:"apelido"`
	Tags                  catalog.Tags `json:"tags"`
	DependenteDeExecucoes bool         `json:"dependente_de_execucoes"`
	ExecucoesPendentes    int          `json:"execucoes_pendentes"`
}

// DeploymentViews implements the snapshot clone contract.
type DeploymentViews []DeploymentView

func (v DeploymentViews) Clone() any {
	out := make(DeploymentViews, len(v))
	for i, d := range v {
		out[i] = d
		out[i].Deployment = d.Deployment.DeepCopy()
		out[i].Tags = append(catalog.Tags(nil), d.Tags...)
	}
	return out
}

// PendingFor counts pending executions for a robot name: exact key
// first, then the tolerant normalized comparison.
func PendingFor(name string, execs snapshot.Executions) int {
	if rows, ok := execs[name]; ok && len(rows) > 0 {
		return len(rows)
	}
	want := kube.Normalize(name)
	for dbName, rows := range execs {
		if kube.Normalize(dbName) == want {
			return len(rows)
		}
	}
	return 0
}

// ActiveJobsByRobot sums the active count of jobs per robot slug
// (lowercased label value).
func ActiveJobsByRobot(jobs snapshot.Jobs) map[string]int {
	out := map[string]int{}
	for _, j := range jobs {
		slug := kube.SlugFromLabels(j.Labels)
		if slug == "" {
			continue
		}
		if j.Active > 0 {
			out[kube.Normalize(slug)] += j.Active
		}
	}
	return out
}

// BuildRPAViews joins catalog RPAs with the executions and jobs
// snapshots.
func BuildRPAViews(robots []catalog.Robot, execs snapshot.Executions, jobs snapshot.Jobs) RPAViews {
	active := ActiveJobsByRobot(jobs)
	return lo.Map(robots, func(r catalog.Robot, _ int) RPAView {
		return RPAView{
			Robot:              r,
			ExecucoesPendentes: PendingFor(r.Nome, execs),
			JobsAtivos:         active[kube.Normalize(r.Nome)],
		}
	})
}

// BuildCronJobViews overlays catalog metadata on the cluster cronjob
// snapshot. Cluster cronjobs without a catalog row get defaults.
func BuildCronJobViews(cjs snapshot.CronJobs, robots []catalog.Robot, execs snapshot.Executions) CronJobViews {
	byName := lo.KeyBy(robots, func(r catalog.Robot) string { return r.Nome })
	views := make(CronJobViews, 0, len(cjs))
	for _, cj := range cjs {
		if cj.Name == "" {
			continue
		}
		v := CronJobView{CronJob: cj, DependenteDeExecucoes: true}
		if r, ok := byName[cj.Name]; ok {
			v.Apelido = r.Apelido
			v.Tags = append(catalog.Tags(nil), r.Tags...)
			v.DependenteDeExecucoes = r.DependenteDeExecucoes
		}
		if !lo.Contains(v.Tags, catalog.AutoTag(catalog.TipoCronJob)) {
			v.Tags = append(v.Tags, catalog.AutoTag(catalog.TipoCronJob))
		}
		if v.DependenteDeExecucoes {
			v.ExecucoesPendentes = PendingFor(kube.CronJobRobotName(cj.Name), execs)
		}
		views = append(views, v)
	}
	return views
}

// BuildDeploymentViews overlays catalog metadata on the cluster
// deployment snapshot.
func BuildDeploymentViews(deps snapshot.Deployments, robots []catalog.Robot, execs snapshot.Executions) DeploymentViews {
	byName := lo.KeyBy(robots, func(r catalog.Robot) string { return r.Nome })
	views := make(DeploymentViews, 0, len(deps))
	for _, d := range deps {
		if d.Name == "" {
			continue
		}
		v := DeploymentView{Deployment: d, DependenteDeExecucoes: true}
		if r, ok := byName[d.Name]; ok {
			v.Apelido = r.Apelido
			v.Tags = append(catalog.Tags(nil), r.Tags...)
			v.DependenteDeExecucoes = r.DependenteDeExecucoes
		}
		if !lo.Contains(v.Tags, catalog.AutoTag(catalog.TipoDeployment)) {
			v.Tags = append(v.Tags, catalog.AutoTag(catalog.TipoDeployment))
		}
		if v.DependenteDeExecucoes {
			v.ExecucoesPendentes = PendingFor(kube.DeploymentRobotName(d.Name), execs)
		}
		views = append(views, v)
	}
	return views
}
