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

package kube

// Derived pod statuses. Phase alone does not tell the whole story: a
// pod can be phase Running while its container is crash-looping, and
// the dashboard must show that.
const (
	StatusRunning          = "Running"
	StatusPending          = "Pending"
	StatusFailed           = "Failed"
	StatusSucceeded        = "Succeeded"
	StatusError            = "Error"
	StatusCrashLoopBackOff = "CrashLoopBackOff"
)

// ContainerState is the flattened state of one container.
type ContainerState struct {
	Type     string `json:"type"`
	Started  string `json:"started,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Finished string `json:"finished,omitempty"`
}

// Container is the normalized view of one container status.
type Container struct {
	Name         string         `json:"name"`
	Ready        bool           `json:"ready"`
	RestartCount int            `json:"restart_count"`
	State        ContainerState `json:"state"`
}

// Pod is the normalized pod snapshot entry.
type Pod struct {
	Name       string            `json:"name"`
	Namespace  string            `json:"namespace"`
	Labels     map[string]string `json:"labels"`
	Phase      string            `json:"phase"`
	Status     string            `json:"status"`
	StartTime  string            `json:"start_time"`
	Containers []Container       `json:"containers"`
}

// Job is the normalized job snapshot entry.
type Job struct {
	Name           string            `json:"name"`
	Namespace      string            `json:"namespace"`
	Labels         map[string]string `json:"labels"`
	Completions    int               `json:"completions"`
	Active         int               `json:"active"`
	Failed         int               `json:"failed"`
	StartTime      string            `json:"start_time"`
	CompletionTime string            `json:"completion_time"`
}

// CronJob is the normalized cronjob snapshot entry.
type CronJob struct {
	Name               string            `json:"name"`
	Namespace          string            `json:"namespace"`
	Labels             map[string]string `json:"labels"`
	Schedule           string            `json:"schedule"`
	Suspended          bool              `json:"suspended"`
	LastScheduleTime   string            `json:"last_schedule_time"`
	LastSuccessfulTime string            `json:"last_successful_time"`
	Image              string            `json:"image"`
	Env                map[string]string `json:"env"`
}

// Deployment is the normalized deployment snapshot entry.
type Deployment struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace"`
	Labels            map[string]string `json:"labels"`
	Replicas          int               `json:"replicas"`
	ReadyReplicas     int               `json:"ready_replicas"`
	AvailableReplicas int               `json:"available_replicas"`
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DeepCopy returns an independent copy including labels and containers.
func (p Pod) DeepCopy() Pod {
	out := p
	out.Labels = copyLabels(p.Labels)
	if p.Containers != nil {
		out.Containers = make([]Container, len(p.Containers))
		copy(out.Containers, p.Containers)
	}
	return out
}

// DeepCopy returns an independent copy including labels.
func (j Job) DeepCopy() Job {
	out := j
	out.Labels = copyLabels(j.Labels)
	return out
}

// DeepCopy returns an independent copy including labels and env.
func (c CronJob) DeepCopy() CronJob {
	out := c
	out.Labels = copyLabels(c.Labels)
	out.Env = copyLabels(c.Env)
	return out
}

// DeepCopy returns an independent copy including labels.
func (d Deployment) DeepCopy() Deployment {
	out := d
	out.Labels = copyLabels(d.Labels)
	return out
}

// CopyPods deep-copies a pod slice.
func CopyPods(in []Pod) []Pod {
	if in == nil {
		return nil
	}
	out := make([]Pod, len(in))
	for i := range in {
		out[i] = in[i].DeepCopy()
	}
	return out
}

// CopyJobs deep-copies a job slice.
func CopyJobs(in []Job) []Job {
	if in == nil {
		return nil
	}
	out := make([]Job, len(in))
	for i := range in {
		out[i] = in[i].DeepCopy()
	}
	return out
}

// CopyCronJobs deep-copies a cronjob slice.
func CopyCronJobs(in []CronJob) []CronJob {
	if in == nil {
		return nil
	}
	out := make([]CronJob, len(in))
	for i := range in {
		out[i] = in[i].DeepCopy()
	}
	return out
}

// CopyDeployments deep-copies a deployment slice.
func CopyDeployments(in []Deployment) []Deployment {
	if in == nil {
		return nil
	}
	out := make([]Deployment, len(in))
	for i := range in {
		out[i] = in[i].DeepCopy()
	}
	return out
}
