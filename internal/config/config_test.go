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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpaglobal/docker-watcher/internal/errs"
)

const sample = `[SSH]
host = 10.0.0.5
username = operador
password = secreta

[MySQL]
host = 10.0.0.6
user = leitor
password = outra
database = registros

[PATHS]
cronjobs_path = /opt/k8s/cronjobs

[API]
port = 9000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	require.Equal(t, "10.0.0.5", cfg.SSH.Host)
	require.Equal(t, DefaultSSHPort, cfg.SSH.Port)
	require.Equal(t, "operador", cfg.SSH.Username)
	require.False(t, cfg.SSH.UseKey)

	require.Equal(t, "registros", cfg.MySQL.Database)
	require.Equal(t, DefaultMySQLPort, cfg.MySQL.Port)
	require.Equal(t, DefaultPoolSize, cfg.MySQL.PoolSize)

	require.Equal(t, "/opt/k8s/cronjobs", cfg.Paths.CronjobsPath)
	require.Equal(t, ":9000", cfg.ListenAddr())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.Config))
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			SSH:   SSH{Host: "h", Username: "u", Password: "p"},
			MySQL: MySQL{Host: "h", Database: "d", PoolSize: 5},
			API:   API{Port: 8000},
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no ssh host", mutate: func(c *Config) { c.SSH.Host = "" }},
		{name: "no ssh user", mutate: func(c *Config) { c.SSH.Username = "" }},
		{name: "no ssh credential", mutate: func(c *Config) { c.SSH.Password = "" }},
		{name: "use_key without key_path", mutate: func(c *Config) { c.SSH.UseKey = true }},
		{name: "no mysql database", mutate: func(c *Config) { c.MySQL.Database = "" }},
		{name: "port out of range", mutate: func(c *Config) { c.API.Port = 70000 }},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			c.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, valid().Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, sample)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.SSH.Host = "10.0.0.99"
	cfg.MySQL.PoolSize = 10
	cfg.API.Port = 8080
	require.NoError(t, cfg.Save(path))

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.99", again.SSH.Host)
	require.Equal(t, 10, again.MySQL.PoolSize)
	require.Equal(t, 8080, again.API.Port)
	require.Equal(t, cfg.Paths.CronjobsPath, again.Paths.CronjobsPath)
}
