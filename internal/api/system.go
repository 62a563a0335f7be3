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

package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rpaglobal/docker-watcher/internal/catalog"
	"github.com/rpaglobal/docker-watcher/internal/config"
	"github.com/rpaglobal/docker-watcher/internal/errs"
	"github.com/rpaglobal/docker-watcher/internal/kube"
	"github.com/rpaglobal/docker-watcher/internal/snapshot"
)

// --- Executions ---

func (a *API) listExecutions(w http.ResponseWriter, r *http.Request) {
	e, err := a.cachedEntry(snapshot.KeyExecutions, nil)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

// --- Host resources ---

func (a *API) vmResources(w http.ResponseWriter, r *http.Request) {
	e, err := a.cachedEntry(snapshot.KeyVMResources, func() (snapshot.Cloner, error) {
		return a.opts.Host.Fetch(r.Context()), nil
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, e)
}

// --- Connection health ---

func (a *API) probeBoth(r *http.Request) snapshot.ConnectionStatus {
	sshOK, sshMsg := a.opts.SSH.Probe(r.Context())
	myOK, myMsg := a.opts.MySQL.Probe(r.Context())
	st := snapshot.ConnectionStatus{
		SSHConnected:   sshOK,
		MySQLConnected: myOK,
		LastCheck:      time.Now().Format(time.RFC3339),
	}
	if !sshOK {
		st.SSHError = sshMsg
	}
	if !myOK {
		st.MySQLError = myMsg
	}
	return st
}

func (a *API) connectionStatus(w http.ResponseWriter, r *http.Request) {
	if e, ok := a.opts.Cache.Get(snapshot.KeyConnectionStatus); ok {
		a.writeJSON(w, http.StatusOK, e)
		return
	}
	st := a.probeBoth(r)
	a.opts.Cache.Set(snapshot.KeyConnectionStatus, st)
	a.writeJSON(w, http.StatusOK, snapshot.Entry{Data: st, UpdatedAt: time.Now()})
}

// connectionReload rebuilds the transports from the config file on disk
// and reports the resulting health.
func (a *API) connectionReload(w http.ResponseWriter, r *http.Request) {
	if a.opts.Reload != nil {
		if err := a.opts.Reload(); err != nil {
			a.writeError(w, err)
			return
		}
	}
	st := a.probeBoth(r)
	a.opts.Cache.Set(snapshot.KeyConnectionStatus, st)
	a.writeJSON(w, http.StatusOK, st)
}

func (a *API) mysqlStatus(w http.ResponseWriter, r *http.Request) {
	ok, msg := a.opts.MySQL.Probe(r.Context())
	a.writeJSON(w, http.StatusOK, map[string]any{"connected": ok, "message": msg})
}

func (a *API) sshStatus(w http.ResponseWriter, r *http.Request) {
	ok, msg := a.opts.SSH.Probe(r.Context())
	a.writeJSON(w, http.StatusOK, map[string]any{"connected": ok, "message": msg})
}

// --- Failures ---

func (a *API) listFailures(w http.ResponseWriter, r *http.Request) {
	if robot := r.URL.Query().Get("nome_robo"); robot != "" {
		fs, err := a.opts.Store.FailuresForRobot(r.Context(), robot)
		if err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, fs)
		return
	}
	fs, err := a.opts.Store.ListFailures(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, fs)
}

func (a *API) getFailure(w http.ResponseWriter, r *http.Request) {
	f, err := a.opts.Store.GetFailure(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, f)
}

// failureLogs serves the captured logs; live pods are long gone by the
// time anyone asks.
func (a *API) failureLogs(w http.ResponseWriter, r *http.Request) {
	f, err := a.opts.Store.GetFailure(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"name": f.Name, "logs": f.Logs})
}

// --- Config ---

func (a *API) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Load(a.opts.ConfigPath)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, cfg)
}

// putConfig replaces the file atomically and rebuilds the transports so
// the new credentials take effect without a restart.
func (a *API) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		a.writeError(w, errs.Wrap(errs.Validation, err, "decoding config body"))
		return
	}
	if err := cfg.Validate(); err != nil {
		a.writeError(w, errs.Wrap(errs.Validation, err, "validating config"))
		return
	}
	if err := cfg.Save(a.opts.ConfigPath); err != nil {
		a.writeError(w, err)
		return
	}
	if a.opts.Reload != nil {
		if err := a.opts.Reload(); err != nil {
			a.writeError(w, err)
			return
		}
	}
	a.writeJSON(w, http.StatusOK, cfg)
}

// --- Diagnostics ---

// ExecutionMatch classifies how one catalog robot name lines up with the
// names the business database uses.
type ExecutionMatch struct {
	Nome      string `json:"nome"`
	Match     string `json:"match"`
	DBName    string `json:"db_name,omitempty"`
	Pendentes int    `json:"pendentes"`
}

// diagnoseExecutions explains why a robot does or does not pick up
// queued work: the catalog and the business database are maintained by
// different teams and drift in spelling.
func (a *API) diagnoseExecutions(w http.ResponseWriter, r *http.Request) {
	robots, err := a.opts.Store.ListRobots(r.Context(), catalog.TipoRPA)
	if err != nil {
		a.writeError(w, err)
		return
	}
	execs := a.executionsSnapshot()

	out := make([]ExecutionMatch, 0, len(robots))
	for i := range robots {
		nome := robots[i].Nome
		m := ExecutionMatch{Nome: nome, Match: "none"}
		if rows, ok := execs[nome]; ok {
			m.Match = "exact"
			m.DBName = nome
			m.Pendentes = len(rows)
		} else {
			for dbName, rows := range execs {
				if strings.EqualFold(dbName, nome) {
					m.Match = "case"
					m.DBName = dbName
					m.Pendentes = len(rows)
					break
				}
				if kube.Match(dbName, nome) {
					m.Match = "normalized"
					m.DBName = dbName
					m.Pendentes = len(rows)
				}
			}
		}
		out = append(out, m)
	}
	a.writeJSON(w, http.StatusOK, out)
}
