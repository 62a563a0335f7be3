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

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Manifests are built as structs and marshaled, never templated. The
// field set is the minimum the cluster needs; anything kubectl defaults
// is left out.

const (
	pullSecretName = "docker-hub-secret"
	imageRepo      = "rpaglobal"

	auxVolumeName      = "auxiliar-volume"
	auxMountPath       = "/app/pasta_de_arquivos_auxiliares"
	auxHostPath        = "/mnt/k8s/honorarios/pasta_de_arquivos_auxiliares"
	jobTTLAfterFinish  = 10
	defaultJobLifetime = 600
)

type envVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type containerSpec struct {
	Name            string         `yaml:"name"`
	Image           string         `yaml:"image"`
	ImagePullPolicy string         `yaml:"imagePullPolicy"`
	Env             []envVar       `yaml:"env,omitempty"`
	Resources       *resourcesSpec `yaml:"resources,omitempty"`
	VolumeMounts    []volumeMount  `yaml:"volumeMounts,omitempty"`
}

type resourcesSpec struct {
	Limits map[string]string `yaml:"limits"`
}

type volumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
}

type hostPathVolume struct {
	Name     string `yaml:"name"`
	HostPath struct {
		Path string `yaml:"path"`
		Type string `yaml:"type"`
	} `yaml:"hostPath"`
}

type podSpec struct {
	RestartPolicy    string              `yaml:"restartPolicy"`
	ImagePullSecrets []map[string]string `yaml:"imagePullSecrets"`
	Containers       []containerSpec     `yaml:"containers"`
	Volumes          []hostPathVolume    `yaml:"volumes,omitempty"`
}

type podTemplate struct {
	Spec podSpec `yaml:"spec"`
}

type jobManifest struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		GenerateName string            `yaml:"generateName"`
		Labels       map[string]string `yaml:"labels"`
	} `yaml:"metadata"`
	Spec struct {
		ActiveDeadlineSeconds   int         `yaml:"activeDeadlineSeconds"`
		TTLSecondsAfterFinished int         `yaml:"ttlSecondsAfterFinished"`
		Template                podTemplate `yaml:"template"`
	} `yaml:"spec"`
}

// JobParams carries everything needed to render one RPA job manifest.
type JobParams struct {
	RobotName     string
	ImageTag      string
	MemLimitMB    int
	ExternalFiles bool
	LifetimeSec   int
	Instance      int
}

// MemLimitMi converts the catalog's MB figure to the MiB value the
// manifest carries.
func MemLimitMi(memMB int) int {
	return memMB * 1000 / 1024
}

// RenderJob produces the YAML for one capacity slot.
func RenderJob(p JobParams) ([]byte, error) {
	lifetime := p.LifetimeSec
	if lifetime <= 0 {
		lifetime = defaultJobLifetime
	}
	lower := lowerName(p.RobotName)

	var m jobManifest
	m.APIVersion = "batch/v1"
	m.Kind = "Job"
	m.Metadata.GenerateName = fmt.Sprintf("rpa-job-%s-", JobSlug(p.RobotName))
	m.Metadata.Labels = map[string]string{
		"nome_robo": lower,
		"instancia": fmt.Sprintf("%d", p.Instance),
	}
	m.Spec.ActiveDeadlineSeconds = lifetime
	m.Spec.TTLSecondsAfterFinished = jobTTLAfterFinish

	c := containerSpec{
		Name:            "rpa",
		Image:           fmt.Sprintf("%s/%s:%s", imageRepo, lower, p.ImageTag),
		ImagePullPolicy: "Always",
		Env:             []envVar{{Name: "NOME_ROBO", Value: lower}},
		Resources: &resourcesSpec{
			Limits: map[string]string{"memory": fmt.Sprintf("%dMi", MemLimitMi(p.MemLimitMB))},
		},
	}
	spec := podSpec{
		RestartPolicy:    "Never",
		ImagePullSecrets: []map[string]string{{"name": pullSecretName}},
	}
	if p.ExternalFiles {
		c.VolumeMounts = []volumeMount{{Name: auxVolumeName, MountPath: auxMountPath}}
		var v hostPathVolume
		v.Name = auxVolumeName
		v.HostPath.Path = auxHostPath
		v.HostPath.Type = "Directory"
		spec.Volumes = []hostPathVolume{v}
	}
	spec.Containers = []containerSpec{c}
	m.Spec.Template.Spec = spec

	return yaml.Marshal(&m)
}

type cronJobManifest struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec struct {
		Schedule    string `yaml:"schedule"`
		TimeZone    string `yaml:"timeZone"`
		JobTemplate struct {
			Spec struct {
				TTLSecondsAfterFinished int         `yaml:"ttlSecondsAfterFinished"`
				Template                podTemplate `yaml:"template"`
			} `yaml:"spec"`
		} `yaml:"jobTemplate"`
	} `yaml:"spec"`
}

// CronJobParams carries everything needed to render a cronjob manifest.
type CronJobParams struct {
	Name       string
	Schedule   string
	TimeZone   string
	RobotName  string
	Image      string
	MemLimit   string
	TTLSeconds int
}

// RenderCronJob produces the YAML for a scheduled robot.
func RenderCronJob(p CronJobParams) ([]byte, error) {
	tz := p.TimeZone
	if tz == "" {
		tz = "America/Sao_Paulo"
	}
	ttl := p.TTLSeconds
	if ttl <= 0 {
		ttl = 60
	}
	mem := p.MemLimit
	if mem == "" {
		mem = "256Mi"
	}

	var m cronJobManifest
	m.APIVersion = "batch/v1"
	m.Kind = "CronJob"
	m.Metadata.Name = p.Name
	m.Spec.Schedule = p.Schedule
	m.Spec.TimeZone = tz
	m.Spec.JobTemplate.Spec.TTLSecondsAfterFinished = ttl
	m.Spec.JobTemplate.Spec.Template.Spec = podSpec{
		RestartPolicy:    "Never",
		ImagePullSecrets: []map[string]string{{"name": pullSecretName}},
		Containers: []containerSpec{{
			Name:            "rpa",
			Image:           p.Image,
			ImagePullPolicy: "Always",
			Env:             []envVar{{Name: "NOME_ROBO", Value: p.RobotName}},
			Resources:       &resourcesSpec{Limits: map[string]string{"memory": mem}},
		}},
	}
	return yaml.Marshal(&m)
}

type deploymentManifest struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name   string            `yaml:"name"`
		Labels map[string]string `yaml:"labels"`
	} `yaml:"metadata"`
	Spec struct {
		Replicas int `yaml:"replicas"`
		Selector struct {
			MatchLabels map[string]string `yaml:"matchLabels"`
		} `yaml:"selector"`
		Template struct {
			Metadata struct {
				Labels map[string]string `yaml:"labels"`
			} `yaml:"metadata"`
			Spec podSpec `yaml:"spec"`
		} `yaml:"template"`
	} `yaml:"spec"`
}

// DeploymentParams carries everything needed to render a long-running
// robot manifest.
type DeploymentParams struct {
	Name      string
	RobotName string
	Image     string
	MemLimit  string
	Replicas  int
}

// RenderDeployment produces the YAML for a 24/7 robot.
func RenderDeployment(p DeploymentParams) ([]byte, error) {
	replicas := p.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	mem := p.MemLimit
	if mem == "" {
		mem = "256Mi"
	}
	labels := map[string]string{"app": p.Name, "nome_robo": lowerName(p.RobotName)}

	var m deploymentManifest
	m.APIVersion = "apps/v1"
	m.Kind = "Deployment"
	m.Metadata.Name = p.Name
	m.Metadata.Labels = labels
	m.Spec.Replicas = replicas
	m.Spec.Selector.MatchLabels = map[string]string{"app": p.Name}
	m.Spec.Template.Metadata.Labels = labels
	m.Spec.Template.Spec = podSpec{
		RestartPolicy:    "Always",
		ImagePullSecrets: []map[string]string{{"name": pullSecretName}},
		Containers: []containerSpec{{
			Name:            "rpa",
			Image:           p.Image,
			ImagePullPolicy: "Always",
			Env:             []envVar{{Name: "NOME_ROBO", Value: lowerName(p.RobotName)}},
			Resources:       &resourcesSpec{Limits: map[string]string{"memory": mem}},
		}},
	}
	return yaml.Marshal(&m)
}
