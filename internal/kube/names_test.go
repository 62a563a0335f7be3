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
)

func TestSlugFromName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "job with controller double hash",
			in:   "rpa-job-consulta-cnpj-7b49d9c8b-x2v9q",
			want: "consulta-cnpj",
		},
		{
			name: "deployment-style double hash without prefix",
			in:   "consulta-cnpj-66df9c7b8d-abcde",
			want: "consulta-cnpj",
		},
		{
			name: "trailing word plus timestamp keeps the word",
			in:   "rpa-job-painel-de-processos-acessorias-29387700",
			want: "painel-de-processos-acessorias",
		},
		{
			name: "single random suffix",
			in:   "rpa-job-emissor-nf-k8x2p",
			want: "emissor-nf",
		},
		{
			name: "cronjob prefix wins over rpa prefix",
			in:   "rpa-cronjob-fechamento-mensal-29012345",
			want: "fechamento-mensal",
		},
		{
			name: "uppercase folded",
			in:   "RPA-JOB-Consulta-CNPJ-abc12",
			want: "consulta-cnpj",
		},
		{
			name: "no prefix no suffix",
			in:   "standalone",
			want: "standalone",
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, c.want, SlugFromName(c.in))
		})
	}
}

func TestSlugLabelsWin(t *testing.T) {
	t.Parallel()
	require.Equal(t, "meu-robo", Slug("rpa-job-outro-nome-abc12", map[string]string{"nome_robo": "meu-robo"}))
	require.Equal(t, "via-app", Slug("whatever", map[string]string{"app": "via-app"}))
	require.Equal(t, "outro-nome", Slug("rpa-job-outro-nome-abc12", nil))
}

func TestNormalizeAndMatch(t *testing.T) {
	t.Parallel()
	cases := []struct {
		a, b  string
		match bool
	}{
		{"Consulta_CNPJ", "consulta-cnpj", true},
		{"Consulta CNPJ", "consultacnpj", true},
		{"consulta-cnpj", "consulta-cpf", false},
		{"", "", true},
	}
	for _, c := range cases {
		require.Equal(t, c.match, Match(c.a, c.b), "%q vs %q", c.a, c.b)
	}
}

func TestJobSlug(t *testing.T) {
	t.Parallel()
	require.Equal(t, "consulta-cnpj", JobSlug("Consulta_CNPJ"))
}

func TestCronJobRobotName(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"rpa-cronjob-fechamento-mensal", "fechamento-mensal"},
		{"fechamento-mensal-cronjob", "fechamento-mensal"},
		{"rpa-cronjob-fechamento-2", "fechamento"},
		{"fechamento", "fechamento"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CronJobRobotName(c.in))
	}
}

func TestDeploymentRobotName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "atendimento", DeploymentRobotName("deployment-atendimento"))
	require.Equal(t, "atendimento", DeploymentRobotName("atendimento-deployment"))
}

func TestDisplayName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Consulta Cnpj", DisplayName("consulta-cnpj"))
	require.Equal(t, "Painel De Processos", DisplayName("painel_de_processos"))
	require.Equal(t, "", DisplayName(""))
}
