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

package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/kube"
)

type fakeCluster struct {
	pods    []kube.Pod
	logs    string
	logsErr error
}

func (f *fakeCluster) ListPods(context.Context, string) ([]kube.Pod, error) {
	return f.pods, nil
}

func (f *fakeCluster) PodLogs(context.Context, string, int) (string, error) {
	return f.logs, f.logsErr
}

type fakeStore struct {
	existing map[string]bool
	inserted []*catalog.FailedPod
	swept    int64
	cutoff   time.Time
}

func (f *fakeStore) FailureExists(_ context.Context, name string) (bool, error) {
	return f.existing[name], nil
}

func (f *fakeStore) InsertFailure(_ context.Context, rec *catalog.FailedPod) error {
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeStore) DeleteFailuresBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.swept, nil
}

func TestIsFailed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		pod  kube.Pod
		want bool
	}{
		{
			name: "phase failed",
			pod:  kube.Pod{Phase: "Failed"},
			want: true,
		},
		{
			name: "derived crashloop",
			pod:  kube.Pod{Phase: "Running", Status: kube.StatusCrashLoopBackOff},
			want: true,
		},
		{
			name: "derived error",
			pod:  kube.Pod{Phase: "Running", Status: kube.StatusError},
			want: true,
		},
		{
			name: "container exited non-zero",
			pod: kube.Pod{Phase: "Running", Status: kube.StatusRunning, Containers: []kube.Container{
				{State: kube.ContainerState{Type: "terminated", ExitCode: 1}},
			}},
			want: true,
		},
		{
			name: "container waiting on crashloop",
			pod: kube.Pod{Phase: "Pending", Status: kube.StatusPending, Containers: []kube.Container{
				{State: kube.ContainerState{Type: "waiting", Reason: "CrashLoopBackOff"}},
			}},
			want: true,
		},
		{
			name: "healthy running",
			pod: kube.Pod{Phase: "Running", Status: kube.StatusRunning, Containers: []kube.Container{
				{State: kube.ContainerState{Type: "running"}},
			}},
			want: false,
		},
		{
			name: "clean success",
			pod: kube.Pod{Phase: "Succeeded", Status: kube.StatusSucceeded, Containers: []kube.Container{
				{State: kube.ContainerState{Type: "terminated", ExitCode: 0}},
			}},
			want: false,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, c.want, IsFailed(c.pod))
		})
	}
}

func TestTickCapturesFailedPods(t *testing.T) {
	t.Parallel()
	cluster := &fakeCluster{
		pods: []kube.Pod{
			{Name: "healthy", Phase: "Running", Status: kube.StatusRunning},
			{
				Name:   "rpa-job-emissor-abc12-x9",
				Phase:  "Failed",
				Status: kube.StatusFailed,
				Labels: map[string]string{"nome_robo": "emissor"},
			},
		},
		logs: "Traceback (most recent call last)",
	}
	store := &fakeStore{existing: map[string]bool{}}
	h := New(log.NewNopLogger(), cluster, store, 0)
	h.Tick(context.Background())

	require.Len(t, store.inserted, 1)
	rec := store.inserted[0]
	require.Equal(t, "rpa-job-emissor-abc12-x9", rec.Name)
	require.Equal(t, "emissor", rec.NomeRobo)
	require.Equal(t, "Traceback (most recent call last)", rec.Logs)

	// Retention cutoff sits a week back.
	require.WithinDuration(t, time.Now().Add(-Retention), store.cutoff, time.Minute)

	// The memo prevents a second insert within the tick cadence.
	h.Tick(context.Background())
	require.Len(t, store.inserted, 1)
}

func TestTickSkipsAlreadyPersisted(t *testing.T) {
	t.Parallel()
	cluster := &fakeCluster{pods: []kube.Pod{{Name: "known", Phase: "Failed"}}}
	store := &fakeStore{existing: map[string]bool{"known": true}}
	h := New(log.NewNopLogger(), cluster, store, 0)
	h.Tick(context.Background())
	require.Empty(t, store.inserted)
}

func TestCaptureToleratesMissingLogs(t *testing.T) {
	t.Parallel()
	cluster := &fakeCluster{
		pods:    []kube.Pod{{Name: "reaped", Phase: "Failed"}},
		logsErr: errors.New("pod not found"),
	}
	store := &fakeStore{existing: map[string]bool{}}
	h := New(log.NewNopLogger(), cluster, store, 0)
	h.Tick(context.Background())

	require.Len(t, store.inserted, 1)
	require.Empty(t, store.inserted[0].Logs)
}
