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

package snapshot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/mysqlq"
)

func TestCacheSetGet(t *testing.T) {
	t.Parallel()
	c := New()

	_, ok := c.Get(KeyJobs)
	require.False(t, ok)

	c.Set(KeyJobs, Jobs{{Name: "a", Labels: map[string]string{"nome_robo": "a"}}})
	e, ok := c.Get(KeyJobs)
	require.True(t, ok)
	require.False(t, e.UpdatedAt.IsZero())
	require.Empty(t, e.Err)

	jobs := e.Data.(Jobs)
	require.Len(t, jobs, 1)
	require.Equal(t, "a", jobs[0].Name)
}

func TestCacheGetReturnsDeepCopy(t *testing.T) {
	t.Parallel()
	c := New()
	c.Set(KeyJobs, Jobs{{Name: "a", Labels: map[string]string{"nome_robo": "a"}}})

	e, _ := c.Get(KeyJobs)
	e.Data.(Jobs)[0].Labels["nome_robo"] = "mutated"

	again, _ := c.Get(KeyJobs)
	require.Equal(t, "a", again.Data.(Jobs)[0].Labels["nome_robo"])
}

func TestCacheFailRetainsData(t *testing.T) {
	t.Parallel()
	c := New()
	c.Set(KeyPods, Pods{{Name: "p"}})
	before, _ := c.Get(KeyPods)

	c.Fail(KeyPods, errors.New("ssh transport failure"))

	e, ok := c.Get(KeyPods)
	require.True(t, ok)
	require.Equal(t, "ssh transport failure", e.Err)
	require.Equal(t, before.UpdatedAt, e.UpdatedAt)
	require.Len(t, e.Data.(Pods), 1)

	// The next good write clears the error.
	c.Set(KeyPods, Pods{{Name: "q"}})
	e, _ = c.Get(KeyPods)
	require.Empty(t, e.Err)
}

func TestCacheFailOnEmptySlot(t *testing.T) {
	t.Parallel()
	c := New()
	c.Fail(KeyCronJobs, errors.New("boom"))
	e, ok := c.Get(KeyCronJobs)
	require.True(t, ok)
	require.Equal(t, "boom", e.Err)
	require.Nil(t, e.Data)
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()
	c := New()
	c.Set(KeyJobs, Jobs{})
	c.Set(KeyPods, Pods{})
	c.Invalidate(KeyJobs)
	_, ok := c.Get(KeyJobs)
	require.False(t, ok)
	_, ok = c.Get(KeyPods)
	require.True(t, ok)
}

func TestExecutionsClone(t *testing.T) {
	t.Parallel()
	orig := Executions{"Robo": {{ID: 1, Status: mysqlq.StatusPending}}}
	clone := orig.Clone().(Executions)
	clone["Robo"][0].ID = 99
	clone["Outro"] = nil
	require.Equal(t, int64(1), orig["Robo"][0].ID)
	require.Len(t, orig, 1)
}

func TestPodsClone(t *testing.T) {
	t.Parallel()
	orig := Pods{{Name: "p", Containers: []kube.Container{{Name: "c"}}}}
	clone := orig.Clone().(Pods)
	clone[0].Containers[0].Name = "mutated"
	require.Equal(t, "c", orig[0].Containers[0].Name)
}
