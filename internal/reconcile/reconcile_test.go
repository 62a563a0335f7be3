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

package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/mysqlq"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

type fakeCreator struct {
	calls []kube.JobParams
	maxes []int
	ret   int
	err   error
}

func (f *fakeCreator) CreateJob(_ context.Context, p kube.JobParams, maxInstances int) (int, error) {
	f.calls = append(f.calls, p)
	f.maxes = append(f.maxes, maxInstances)
	return f.ret, f.err
}

type fakeStore struct{ robots []catalog.Robot }

func (f *fakeStore) ActiveRobots(context.Context, string) ([]catalog.Robot, error) {
	return f.robots, nil
}

func pending(name string, n int) snapshot.Executions {
	rows := make([]mysqlq.Execution, n)
	for i := range rows {
		rows[i] = mysqlq.Execution{ID: int64(i + 1), Status: mysqlq.StatusPending}
	}
	return snapshot.Executions{name: rows}
}

func TestReconcileRobotNoPending(t *testing.T) {
	t.Parallel()
	creator := &fakeCreator{}
	r := New(log.NewNopLogger(), creator, &fakeStore{}, snapshot.New(), 0)

	robot := &catalog.Robot{Nome: "ocioso", MaxInstancias: 2}
	require.NoError(t, r.ReconcileRobot(context.Background(), robot, snapshot.Executions{}))
	require.Empty(t, creator.calls)
}

func TestReconcileRobotCreatesJobs(t *testing.T) {
	t.Parallel()
	creator := &fakeCreator{ret: 2}
	r := New(log.NewNopLogger(), creator, &fakeStore{}, snapshot.New(), 0)

	robot := &catalog.Robot{
		Nome:                    "Consulta_CNPJ",
		DockerTag:               "v2",
		RAMMaximaMB:             512,
		UtilizaArquivosExternos: true,
		TempoMaximoDeVida:       900,
		MaxInstancias:           3,
	}
	require.NoError(t, r.ReconcileRobot(context.Background(), robot, pending("Consulta_CNPJ", 5)))

	require.Len(t, creator.calls, 1)
	p := creator.calls[0]
	require.Equal(t, "Consulta_CNPJ", p.RobotName)
	require.Equal(t, "v2", p.ImageTag)
	require.Equal(t, 512, p.MemLimitMB)
	require.True(t, p.ExternalFiles)
	require.Equal(t, 900, p.LifetimeSec)
	require.Equal(t, 3, creator.maxes[0])
}

func TestReconcileRobotNormalizedPending(t *testing.T) {
	t.Parallel()
	creator := &fakeCreator{ret: 1}
	r := New(log.NewNopLogger(), creator, &fakeStore{}, snapshot.New(), 0)

	// The DB spells the name differently; the normalized lookup still
	// finds the pending rows.
	robot := &catalog.Robot{Nome: "consulta-cnpj", MaxInstancias: 1}
	require.NoError(t, r.ReconcileRobot(context.Background(), robot, pending("Consulta_CNPJ", 1)))
	require.Len(t, creator.calls, 1)
}

func TestTickContinuesPastFailures(t *testing.T) {
	t.Parallel()
	cache := snapshot.New()
	cache.Set(snapshot.KeyExecutions, snapshot.Executions{
		"a": {{ID: 1}},
		"b": {{ID: 2}},
	})
	creator := &fakeCreator{err: errors.New("kubectl: connection refused")}
	store := &fakeStore{robots: []catalog.Robot{
		{Nome: "a", MaxInstancias: 1},
		{Nome: "b", MaxInstancias: 1},
	}}
	r := New(log.NewNopLogger(), creator, store, cache, 0)
	r.Tick(context.Background())

	// Both robots were attempted despite the first failing.
	require.Len(t, creator.calls, 2)
}
