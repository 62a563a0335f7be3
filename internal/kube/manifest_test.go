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
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMemLimitMi(t *testing.T) {
	t.Parallel()
	require.Equal(t, 500, MemLimitMi(512))
	require.Equal(t, 1000, MemLimitMi(1024))
	require.Equal(t, 0, MemLimitMi(0))
}

func TestRenderJob(t *testing.T) {
	t.Parallel()
	out, err := RenderJob(JobParams{
		RobotName:   "Consulta_CNPJ",
		ImageTag:    "v3",
		MemLimitMB:  512,
		LifetimeSec: 900,
		Instance:    2,
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, yaml.Unmarshal(out, &m))
	require.Equal(t, "batch/v1", m["apiVersion"])
	require.Equal(t, "Job", m["kind"])

	s := string(out)
	require.Contains(t, s, "generateName: rpa-job-consulta-cnpj-")
	require.Contains(t, s, "nome_robo: consulta_cnpj")
	require.Contains(t, s, `instancia: "2"`)
	require.Contains(t, s, "activeDeadlineSeconds: 900")
	require.Contains(t, s, "ttlSecondsAfterFinished: 10")
	require.Contains(t, s, "image: rpaglobal/consulta_cnpj:v3")
	require.Contains(t, s, "memory: 500Mi")
	require.Contains(t, s, "name: NOME_ROBO")
	require.Contains(t, s, "name: docker-hub-secret")
	require.NotContains(t, s, "hostPath")
}

func TestRenderJobExternalFiles(t *testing.T) {
	t.Parallel()
	out, err := RenderJob(JobParams{
		RobotName:     "honorarios",
		ImageTag:      "latest",
		MemLimitMB:    256,
		ExternalFiles: true,
		Instance:      1,
	})
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, "path: /mnt/k8s/honorarios/pasta_de_arquivos_auxiliares")
	require.Contains(t, s, "mountPath: /app/pasta_de_arquivos_auxiliares")
	require.Contains(t, s, "type: Directory")
	// Zero lifetime falls back to the default deadline.
	require.Contains(t, s, "activeDeadlineSeconds: 600")
}

func TestRenderCronJobDefaults(t *testing.T) {
	t.Parallel()
	out, err := RenderCronJob(CronJobParams{
		Name:      "rpa-cronjob-fechamento",
		Schedule:  "0 6 * * *",
		RobotName: "fechamento",
		Image:     "rpaglobal/fechamento:latest",
	})
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, "kind: CronJob")
	require.Contains(t, s, "schedule: 0 6 * * *")
	require.Contains(t, s, "timeZone: America/Sao_Paulo")
	require.Contains(t, s, "ttlSecondsAfterFinished: 60")
	require.Contains(t, s, "memory: 256Mi")
	require.Contains(t, s, "restartPolicy: Never")
}

func TestRenderDeployment(t *testing.T) {
	t.Parallel()
	out, err := RenderDeployment(DeploymentParams{
		Name:      "atendimento",
		RobotName: "Atendimento",
		Image:     "rpaglobal/atendimento:stable",
		Replicas:  3,
	})
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, "kind: Deployment")
	require.Contains(t, s, "replicas: 3")
	require.Contains(t, s, "app: atendimento")
	require.Contains(t, s, "nome_robo: atendimento")
	require.Contains(t, s, "restartPolicy: Always")
}
