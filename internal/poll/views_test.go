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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/mysqlq"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

func executions(counts map[string]int) snapshot.Executions {
	out := snapshot.Executions{}
	for name, n := range counts {
		rows := make([]mysqlq.Execution, n)
		for i := range rows {
			rows[i] = mysqlq.Execution{ID: int64(i + 1), Status: mysqlq.StatusPending, RobotName: name}
		}
		out[name] = rows
	}
	return out
}

func TestPendingFor(t *testing.T) {
	t.Parallel()
	execs := executions(map[string]int{
		"Consulta_CNPJ": 3,
		"emissor-nf":    1,
	})
	cases := []struct {
		name string
		want int
	}{
		{name: "Consulta_CNPJ", want: 3}, // exact
		{name: "consulta-cnpj", want: 3}, // normalized
		{name: "Consulta CNPJ", want: 3}, // spaces fold too
		{name: "emissor_nf", want: 1},    // separator style differs
		{name: "desconhecido", want: 0},  // absent
	}
	for _, c := range cases {
		require.Equal(t, c.want, PendingFor(c.name, execs), c.name)
	}
}

func TestActiveJobsByRobot(t *testing.T) {
	t.Parallel()
	jobs := snapshot.Jobs{
		{Name: "rpa-job-emissor-a1", Labels: map[string]string{"nome_robo": "emissor"}, Active: 1},
		{Name: "rpa-job-emissor-a2", Labels: map[string]string{"nome_robo": "emissor"}, Active: 1},
		{Name: "rpa-job-emissor-done", Labels: map[string]string{"nome_robo": "emissor"}, Active: 0},
		{Name: "unlabeled-job", Active: 1},
	}
	active := ActiveJobsByRobot(jobs)
	require.Equal(t, 2, active["emissor"])
	require.Len(t, active, 1)
}

func TestBuildRPAViews(t *testing.T) {
	t.Parallel()
	robots := []catalog.Robot{
		{Nome: "Consulta_CNPJ", Tipo: catalog.TipoRPA, MaxInstancias: 2},
		{Nome: "ocioso", Tipo: catalog.TipoRPA, MaxInstancias: 1},
	}
	execs := executions(map[string]int{"Consulta_CNPJ": 2})
	jobs := snapshot.Jobs{
		{Name: "rpa-job-consulta-cnpj-x", Labels: map[string]string{"nome_robo": "consulta_cnpj"}, Active: 1},
	}

	views := BuildRPAViews(robots, execs, jobs)
	require.Len(t, views, 2)
	require.Equal(t, 2, views[0].ExecucoesPendentes)
	require.Equal(t, 1, views[0].JobsAtivos)
	require.Equal(t, 0, views[1].ExecucoesPendentes)
	require.Equal(t, 0, views[1].JobsAtivos)
}

func TestBuildCronJobViews(t *testing.T) {
	t.Parallel()
	cjs := snapshot.CronJobs{
		{Name: "fechamento", Schedule: "0 6 * * *"},
		{Name: "avulso", Schedule: "0 0 * * *"},
		{Name: ""},
	}
	robots := []catalog.Robot{{
		Nome:                  "fechamento",
		Tipo:                  catalog.TipoCronJob,
		Apelido:               "Fechamento Mensal",
		Tags:                  catalog.Tags{"Financeiro"},
		DependenteDeExecucoes: false,
	}}
	execs := executions(map[string]int{"fechamento": 5, "avulso": 2})

	views := BuildCronJobViews(cjs, robots, execs)
	require.Len(t, views, 2)

	require.Equal(t, "Fechamento Mensal", views[0].Apelido)
	require.Contains(t, views[0].Tags, "Agendado")
	require.Contains(t, views[0].Tags, "Financeiro")
	// Not execution-dependent: pending count suppressed.
	require.Equal(t, 0, views[0].ExecucoesPendentes)

	// No catalog row: defaults apply and the pending count shows.
	require.True(t, views[1].DependenteDeExecucoes)
	require.Equal(t, 2, views[1].ExecucoesPendentes)
}

func TestBuildDeploymentViews(t *testing.T) {
	t.Parallel()
	deps := snapshot.Deployments{{Name: "atendimento", Replicas: 2, ReadyReplicas: 2}}
	execs := executions(map[string]int{"atendimento": 4})

	views := BuildDeploymentViews(deps, nil, execs)
	require.Len(t, views, 1)
	require.Contains(t, views[0].Tags, "24/7")
	require.Equal(t, 4, views[0].ExecucoesPendentes)
}

func TestRPAViewsCloneIndependence(t *testing.T) {
	t.Parallel()
	views := RPAViews{{Robot: catalog.Robot{Nome: "r", Tags: catalog.Tags{"a"}}}}
	clone := views.Clone().(RPAViews)
	clone[0].Tags[0] = "mutated"
	require.Equal(t, "a", views[0].Tags[0])
}
