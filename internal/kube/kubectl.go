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

// Package kube drives the cluster through kubectl on the remote host.
// There is deliberately no Kubernetes API client here: the host owns
// the cluster credentials and kubectl output is the contract.
package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/rpaglobal/docker-watcher/internal/errs"
)

const (
	listTimeout   = 30 * time.Second
	mutateTimeout = 30 * time.Second
	existsTimeout = 10 * time.Second
)

// Runner executes a shell command on the cluster host. Satisfied by
// sshc.Client; tests substitute a canned implementation.
type Runner interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (exitCode int, stdout, stderr string, err error)
}

// Adapter issues kubectl commands and normalizes their JSON output.
type Adapter struct {
	logger log.Logger
	runner Runner
}

// New returns an adapter bound to the given runner.
func New(logger log.Logger, runner Runner) *Adapter {
	return &Adapter{logger: logger, runner: runner}
}

// run executes a kubectl command, translating non-zero exits into
// KubectlExit errors with the stderr preserved.
func (a *Adapter) run(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	code, stdout, stderr, err := a.runner.Exec(ctx, cmd, timeout)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return stdout, errs.NewExit(cmd, code, stderr)
	}
	return stdout, nil
}

// Raw kubectl JSON shapes, kept private: only the normalized DTOs
// leave this package.

type objectMeta struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels"`
}

type containerStateRaw struct {
	Running *struct {
		StartedAt string `json:"startedAt"`
	} `json:"running"`
	Waiting *struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"waiting"`
	Terminated *struct {
		ExitCode   int    `json:"exitCode"`
		Reason     string `json:"reason"`
		FinishedAt string `json:"finishedAt"`
	} `json:"terminated"`
}

type containerStatusRaw struct {
	Name         string            `json:"name"`
	Ready        bool              `json:"ready"`
	RestartCount int               `json:"restartCount"`
	State        containerStateRaw `json:"state"`
}

type podItem struct {
	Metadata objectMeta `json:"metadata"`
	Status   struct {
		Phase             string               `json:"phase"`
		StartTime         string               `json:"startTime"`
		ContainerStatuses []containerStatusRaw `json:"containerStatuses"`
	} `json:"status"`
}

type podList struct {
	Items []podItem `json:"items"`
}

func flattenState(s containerStateRaw) ContainerState {
	switch {
	case s.Running != nil:
		return ContainerState{Type: "running", Started: s.Running.StartedAt}
	case s.Waiting != nil:
		return ContainerState{Type: "waiting", Reason: s.Waiting.Reason, Message: s.Waiting.Message}
	case s.Terminated != nil:
		return ContainerState{
			Type:     "terminated",
			ExitCode: s.Terminated.ExitCode,
			Reason:   s.Terminated.Reason,
			Finished: s.Terminated.FinishedAt,
		}
	default:
		return ContainerState{Type: "unknown"}
	}
}

// derivedStatus refines the pod phase with container introspection. A
// phase-Running pod whose container is crash-looping or exited non-zero
// reports that instead.
func derivedStatus(item podItem) string {
	phase := item.Status.Phase
	switch phase {
	case "Failed":
		return StatusFailed
	case "Succeeded":
		return StatusSucceeded
	case "Pending":
		return StatusPending
	case "Running":
		for _, cs := range item.Status.ContainerStatuses {
			if w := cs.State.Waiting; w != nil {
				if strings.Contains(w.Reason, "CrashLoopBackOff") {
					return StatusCrashLoopBackOff
				}
				if strings.Contains(w.Reason, "Error") {
					return StatusError
				}
			}
			if t := cs.State.Terminated; t != nil && t.ExitCode != 0 {
				return StatusError
			}
		}
		return StatusRunning
	default:
		if phase == "" {
			return "Unknown"
		}
		return phase
	}
}

// ListPods lists pods, optionally filtered by a label selector.
func (a *Adapter) ListPods(ctx context.Context, selector string) ([]Pod, error) {
	cmd := "kubectl get pods -o json"
	if selector != "" {
		cmd += " -l " + selector
	}
	out, err := a.run(ctx, cmd, listTimeout)
	if err != nil {
		return nil, err
	}
	var list podList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "parsing pod list")
	}
	pods := make([]Pod, 0, len(list.Items))
	for _, item := range list.Items {
		p := Pod{
			Name:      item.Metadata.Name,
			Namespace: lo.CoalesceOrEmpty(item.Metadata.Namespace, "default"),
			Labels:    item.Metadata.Labels,
			Phase:     lo.CoalesceOrEmpty(item.Status.Phase, "Unknown"),
			Status:    derivedStatus(item),
			StartTime: item.Status.StartTime,
		}
		for _, cs := range item.Status.ContainerStatuses {
			p.Containers = append(p.Containers, Container{
				Name:         cs.Name,
				Ready:        cs.Ready,
				RestartCount: cs.RestartCount,
				State:        flattenState(cs.State),
			})
		}
		pods = append(pods, p)
	}
	return pods, nil
}

type jobItem struct {
	Metadata objectMeta `json:"metadata"`
	Status   struct {
		Succeeded      int    `json:"succeeded"`
		Active         int    `json:"active"`
		Failed         int    `json:"failed"`
		StartTime      string `json:"startTime"`
		CompletionTime string `json:"completionTime"`
	} `json:"status"`
}

// ListJobs lists jobs, optionally filtered by a label selector.
func (a *Adapter) ListJobs(ctx context.Context, selector string) ([]Job, error) {
	cmd := "kubectl get jobs -o json"
	if selector != "" {
		cmd += " -l " + selector
	}
	out, err := a.run(ctx, cmd, listTimeout)
	if err != nil {
		return nil, err
	}
	var list struct {
		Items []jobItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "parsing job list")
	}
	return lo.Map(list.Items, func(item jobItem, _ int) Job {
		return Job{
			Name:           item.Metadata.Name,
			Namespace:      lo.CoalesceOrEmpty(item.Metadata.Namespace, "default"),
			Labels:         item.Metadata.Labels,
			Completions:    item.Status.Succeeded,
			Active:         item.Status.Active,
			Failed:         item.Status.Failed,
			StartTime:      item.Status.StartTime,
			CompletionTime: item.Status.CompletionTime,
		}
	}), nil
}

type cronJobItem struct {
	Metadata objectMeta `json:"metadata"`
	Spec     struct {
		Schedule    string `json:"schedule"`
		Suspend     bool   `json:"suspend"`
		JobTemplate struct {
			Spec struct {
				Template struct {
					Spec struct {
						Containers []struct {
							Image string `json:"image"`
							Env   []struct {
								Name  string `json:"name"`
								Value string `json:"value"`
							} `json:"env"`
						} `json:"containers"`
					} `json:"spec"`
				} `json:"template"`
			} `json:"spec"`
		} `json:"jobTemplate"`
	} `json:"spec"`
	Status struct {
		LastScheduleTime   string `json:"lastScheduleTime"`
		LastSuccessfulTime string `json:"lastSuccessfulTime"`
	} `json:"status"`
}

// ListCronJobs lists all cronjobs.
func (a *Adapter) ListCronJobs(ctx context.Context) ([]CronJob, error) {
	out, err := a.run(ctx, "kubectl get cronjobs -o json", listTimeout)
	if err != nil {
		return nil, err
	}
	var list struct {
		Items []cronJobItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "parsing cronjob list")
	}
	return lo.Map(list.Items, func(item cronJobItem, _ int) CronJob {
		cj := CronJob{
			Name:               item.Metadata.Name,
			Namespace:          lo.CoalesceOrEmpty(item.Metadata.Namespace, "default"),
			Labels:             item.Metadata.Labels,
			Schedule:           item.Spec.Schedule,
			Suspended:          item.Spec.Suspend,
			LastScheduleTime:   item.Status.LastScheduleTime,
			LastSuccessfulTime: item.Status.LastSuccessfulTime,
		}
		if cs := item.Spec.JobTemplate.Spec.Template.Spec.Containers; len(cs) > 0 {
			cj.Image = cs[0].Image
			cj.Env = map[string]string{}
			for _, e := range cs[0].Env {
				cj.Env[e.Name] = e.Value
			}
		}
		return cj
	}), nil
}

type deploymentItem struct {
	Metadata objectMeta `json:"metadata"`
	Spec     struct {
		Replicas int `json:"replicas"`
	} `json:"spec"`
	Status struct {
		ReadyReplicas     int `json:"readyReplicas"`
		AvailableReplicas int `json:"availableReplicas"`
	} `json:"status"`
}

// ListDeployments lists all deployments.
func (a *Adapter) ListDeployments(ctx context.Context) ([]Deployment, error) {
	out, err := a.run(ctx, "kubectl get deployments -o json", listTimeout)
	if err != nil {
		return nil, err
	}
	var list struct {
		Items []deploymentItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "parsing deployment list")
	}
	return lo.Map(list.Items, func(item deploymentItem, _ int) Deployment {
		return Deployment{
			Name:              item.Metadata.Name,
			Namespace:         lo.CoalesceOrEmpty(item.Metadata.Namespace, "default"),
			Labels:            item.Metadata.Labels,
			Replicas:          item.Spec.Replicas,
			ReadyReplicas:     item.Status.ReadyReplicas,
			AvailableReplicas: item.Status.AvailableReplicas,
		}
	}), nil
}

// CountActiveInstances counts pods of a robot that still occupy a
// capacity slot: Running, Pending, or just-Succeeded pods whose TTL has
// not reaped them yet.
func (a *Adapter) CountActiveInstances(ctx context.Context, robotName string) (int, error) {
	pods, err := a.ListPods(ctx, "nome_robo="+lowerName(robotName))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range pods {
		if p.Phase == "Running" || p.Phase == "Pending" ||
			(p.Phase == "Succeeded" && p.Status == StatusSucceeded) {
			count++
		}
	}
	return count, nil
}

// CreateJob materializes as many Jobs for the robot as remaining
// capacity allows and reports how many were created. Zero free slots is
// a successful no-op.
func (a *Adapter) CreateJob(ctx context.Context, p JobParams, maxInstances int) (int, error) {
	active, err := a.CountActiveInstances(ctx, p.RobotName)
	if err != nil {
		return 0, err
	}
	slots := maxInstances - active
	if slots <= 0 {
		_ = level.Debug(a.logger).Log("msg", "no free instance slots", "robot", p.RobotName,
			"active", active, "max", maxInstances)
		return 0, nil
	}
	for i := 0; i < slots; i++ {
		p.Instance = i + 1
		manifest, err := RenderJob(p)
		if err != nil {
			return i, errs.Wrap(errs.Internal, err, "rendering job manifest")
		}
		if err := a.CreateFromStdin(ctx, manifest); err != nil {
			return i, err
		}
	}
	_ = level.Info(a.logger).Log("msg", "jobs created", "robot", p.RobotName, "count", slots)
	return slots, nil
}

// CreateFromStdin streams a manifest to kubectl create via heredoc.
func (a *Adapter) CreateFromStdin(ctx context.Context, manifest []byte) error {
	cmd := fmt.Sprintf("kubectl create -f - <<EOF\n%s\nEOF", string(manifest))
	_, err := a.run(ctx, cmd, mutateTimeout)
	return err
}

// ApplyFile applies a manifest already present on the remote host.
func (a *Adapter) ApplyFile(ctx context.Context, remotePath string) error {
	_, err := a.run(ctx, "kubectl apply -f "+remotePath, mutateTimeout)
	return err
}

// DeleteJob removes a job by name.
func (a *Adapter) DeleteJob(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kubectl delete job "+name, mutateTimeout)
	return err
}

// DeletePod removes a pod by name.
func (a *Adapter) DeletePod(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kubectl delete pod "+name, mutateTimeout)
	return err
}

// DeleteCronJob removes a cronjob by name.
func (a *Adapter) DeleteCronJob(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kubectl delete cronjob "+name, mutateTimeout)
	return err
}

// DeleteDeployment removes a deployment by name.
func (a *Adapter) DeleteDeployment(ctx context.Context, name string) error {
	_, err := a.run(ctx, "kubectl delete deployment "+name, mutateTimeout)
	return err
}

// CronJobExists checks for a cronjob without parsing output.
func (a *Adapter) CronJobExists(ctx context.Context, name string) bool {
	code, _, _, err := a.runner.Exec(ctx, "kubectl get cronjob "+name, existsTimeout)
	return err == nil && code == 0
}

// SuspendCronJob patches spec.suspend to true.
func (a *Adapter) SuspendCronJob(ctx context.Context, name string) error {
	return a.patchSuspend(ctx, name, true)
}

// UnsuspendCronJob patches spec.suspend to false.
func (a *Adapter) UnsuspendCronJob(ctx context.Context, name string) error {
	return a.patchSuspend(ctx, name, false)
}

func (a *Adapter) patchSuspend(ctx context.Context, name string, suspend bool) error {
	cmd := fmt.Sprintf(`kubectl patch cronjob %s -p '{"spec":{"suspend":%t}}'`, name, suspend)
	_, err := a.run(ctx, cmd, mutateTimeout)
	return err
}

// RunCronJobNow creates a one-off job from a cronjob template. The
// remote shell expands the epoch so repeated manual runs get unique
// names.
func (a *Adapter) RunCronJobNow(ctx context.Context, name string) error {
	cmd := fmt.Sprintf("kubectl create job --from=cronjob/%s %s-manual-$(date +%%s)", name, name)
	_, err := a.run(ctx, cmd, mutateTimeout)
	return err
}

// PodLogs fetches the last tail lines of a pod's log.
func (a *Adapter) PodLogs(ctx context.Context, name string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	cmd := fmt.Sprintf("kubectl logs %s --tail=%d", name, tail)
	return a.run(ctx, cmd, listTimeout)
}
