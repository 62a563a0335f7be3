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

// Package config reads and writes the INI configuration file shared
// with the operators of the environment. The file is the single source
// of truth for the SSH host, the business-records MySQL database, the
// optional remote manifest paths and the API listen address.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/rpaglobal/docker-watcher/internal/errs"
)

const (
	DefaultSSHPort   = 22
	DefaultMySQLPort = 3306
	DefaultAPIPort   = 8000
	DefaultPoolSize  = 5
)

// SSH configures the transport to the cluster host. When both a key
// path and a password are present, the key wins only if UseKey is set.
type SSH struct {
	Host     string
	Port     int
	Username string
	UseKey   bool
	KeyPath  string
	Password string
}

// MySQL configures read-only access to the business-records database.
type MySQL struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	PoolSize int
}

// Paths enumerates optional remote directories. Absent values disable
// the corresponding SSH-side file operations rather than erroring.
type Paths struct {
	RPAConfigPath   string
	CronjobsPath    string
	DeploymentsPath string
}

// API configures the REST listener.
type API struct {
	Host string
	Port int
}

type Config struct {
	SSH   SSH
	MySQL MySQL
	Paths Paths
	API   API
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, fmt.Sprintf("reading config %s", path))
	}
	cfg := &Config{
		SSH: SSH{
			Host:     f.Section("SSH").Key("host").String(),
			Port:     f.Section("SSH").Key("port").MustInt(DefaultSSHPort),
			Username: f.Section("SSH").Key("username").String(),
			UseKey:   f.Section("SSH").Key("use_key").MustBool(false),
			KeyPath:  f.Section("SSH").Key("key_path").String(),
			Password: f.Section("SSH").Key("password").String(),
		},
		MySQL: MySQL{
			Host:     f.Section("MySQL").Key("host").String(),
			Port:     f.Section("MySQL").Key("port").MustInt(DefaultMySQLPort),
			User:     f.Section("MySQL").Key("user").String(),
			Password: f.Section("MySQL").Key("password").String(),
			Database: f.Section("MySQL").Key("database").String(),
			PoolSize: f.Section("MySQL").Key("pool_size").MustInt(DefaultPoolSize),
		},
		Paths: Paths{
			RPAConfigPath:   f.Section("PATHS").Key("rpa_config_path").String(),
			CronjobsPath:    f.Section("PATHS").Key("cronjobs_path").String(),
			DeploymentsPath: f.Section("PATHS").Key("deployments_path").String(),
		},
		API: API{
			Host: f.Section("API").Key("host").String(),
			Port: f.Section("API").Key("port").MustInt(DefaultAPIPort),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the control plane cannot run without.
func (c *Config) Validate() error {
	if c.SSH.Host == "" {
		return errs.New(errs.Config, "[SSH] host is required")
	}
	if c.SSH.Username == "" {
		return errs.New(errs.Config, "[SSH] username is required")
	}
	if c.SSH.UseKey && c.SSH.KeyPath == "" {
		return errs.New(errs.Config, "[SSH] use_key is set but key_path is empty")
	}
	if !c.SSH.UseKey && c.SSH.Password == "" && c.SSH.KeyPath == "" {
		return errs.New(errs.Config, "[SSH] either key_path or password is required")
	}
	if c.MySQL.Host == "" || c.MySQL.Database == "" {
		return errs.New(errs.Config, "[MySQL] host and database are required")
	}
	if c.MySQL.PoolSize <= 0 {
		c.MySQL.PoolSize = DefaultPoolSize
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errs.Newf(errs.Config, "[API] port %d out of range", c.API.Port)
	}
	return nil
}

// ListenAddr returns the host:port the API should bind.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// Save writes the configuration back to path atomically, so a reload
// triggered mid-write never observes a torn file.
func (c *Config) Save(path string) error {
	f := ini.Empty()
	ssh := f.Section("SSH")
	ssh.Key("host").SetValue(c.SSH.Host)
	ssh.Key("port").SetValue(fmt.Sprintf("%d", c.SSH.Port))
	ssh.Key("username").SetValue(c.SSH.Username)
	ssh.Key("use_key").SetValue(fmt.Sprintf("%t", c.SSH.UseKey))
	ssh.Key("key_path").SetValue(c.SSH.KeyPath)
	ssh.Key("password").SetValue(c.SSH.Password)

	my := f.Section("MySQL")
	my.Key("host").SetValue(c.MySQL.Host)
	my.Key("port").SetValue(fmt.Sprintf("%d", c.MySQL.Port))
	my.Key("user").SetValue(c.MySQL.User)
	my.Key("password").SetValue(c.MySQL.Password)
	my.Key("database").SetValue(c.MySQL.Database)
	my.Key("pool_size").SetValue(fmt.Sprintf("%d", c.MySQL.PoolSize))

	paths := f.Section("PATHS")
	paths.Key("rpa_config_path").SetValue(c.Paths.RPAConfigPath)
	paths.Key("cronjobs_path").SetValue(c.Paths.CronjobsPath)
	paths.Key("deployments_path").SetValue(c.Paths.DeploymentsPath)

	api := f.Section("API")
	api.Key("host").SetValue(c.API.Host)
	api.Key("port").SetValue(fmt.Sprintf("%d", c.API.Port))

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.ini")
	if err != nil {
		return errs.Wrap(errs.Config, err, "writing config")
	}
	tmpName := tmp.Name()
	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.Config, err, "writing config")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.Config, err, "writing config")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.Config, err, "replacing config")
	}
	return nil
}
