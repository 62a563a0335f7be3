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

// Package mysqlq reads the pending-execution queue from the
// business-records MySQL database. Access is read-only and feeds the
// snapshot cache, so the query path degrades to an empty result rather
// than propagating errors; only the connectivity probe reports them.
package mysqlq

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rpaglobal/docker-watcher/internal/config"
	"github.com/rpaglobal/docker-watcher/internal/errs"
)

// StatusPending is the execution status code that marks a row as
// waiting to run.
const StatusPending = 4

const (
	queryTimeout = 15 * time.Second
	probeTimeout = 5 * time.Second
	maxAttempts  = 3
)

var (
	queryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docker_watcher_mysql_query_retries_total",
		Help: "Retries of the executions query after a recoverable driver error.",
	})
	poolReinits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docker_watcher_mysql_pool_reinits_total",
		Help: "Full pool reinitializations after the server dropped its side.",
	})
	queryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docker_watcher_mysql_query_errors_total",
		Help: "Executions queries that exhausted recovery and returned empty.",
	})
)

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(queryRetries, poolReinits, queryErrors)
}

// Execution is one pending row of the business queue, joined with the
// robot name it belongs to.
type Execution struct {
	ID        int64  `db:"id" json:"id"`
	RobotID   int64  `db:"robo_id" json:"robo_id"`
	Status    int    `db:"status_01" json:"status_01"`
	RobotName string `db:"nome_do_robo" json:"nome_do_robo"`
}

// Pool wraps a bounded database/sql pool with the recovery behavior the
// business database requires. Safe for concurrent use.
type Pool struct {
	logger log.Logger

	mu   sync.Mutex
	opts config.MySQL
	db   *sqlx.DB
}

// New returns an unconnected pool; the first query dials.
func New(logger log.Logger, opts config.MySQL) *Pool {
	return &Pool{logger: logger, opts: opts}
}

func dsn(opts config.MySQL) string {
	c := mysql.NewConfig()
	c.User = opts.User
	c.Passwd = opts.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	c.DBName = opts.Database
	c.Timeout = 10 * time.Second
	c.ReadTimeout = queryTimeout
	return c.FormatDSN()
}

func (p *Pool) dbLocked() (*sqlx.DB, error) {
	if p.db != nil {
		return p.db, nil
	}
	db, err := sqlx.Open("mysql", dsn(p.opts))
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "opening mysql pool")
	}
	size := p.opts.PoolSize
	if size <= 0 {
		size = config.DefaultPoolSize
	}
	db.SetMaxOpenConns(size)
	db.SetMaxIdleConns(size)
	db.SetConnMaxLifetime(5 * time.Minute)
	p.db = db
	return db, nil
}

func (p *Pool) acquire() (*sqlx.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dbLocked()
}

// Reset drops the pool and swaps in fresh connection parameters; the
// next query reconnects.
func (p *Pool) Reset(opts config.MySQL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	p.opts = opts
}

// Close releases all pooled connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *Pool) closeLocked() {
	if p.db != nil {
		_ = p.db.Close()
		p.db = nil
	}
}

// reinit tears the pool down so the next acquire rebuilds every
// connection. Used when the server dropped its side wholesale.
func (p *Pool) reinit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	poolReinits.Inc()
}

// unreadResult reports the protocol-state failure where a previous
// cursor was not fully drained. The connection is poisoned; dropping it
// and retrying on a fresh one recovers.
func unreadResult(err error) bool {
	if errors.Is(err, mysql.ErrBusyBuffer) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unread result")
}

// serverGone reports that the server dropped its side of the pool.
func serverGone(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "server has gone away")
}

// ExecutionsFor returns the pending executions for the given robot
// names, grouped by name. An empty input returns an empty map without
// touching the database. Errors never propagate: after recovery is
// exhausted the result is an empty map, because this path feeds a cache
// that must keep serving.
func (p *Pool) ExecutionsFor(ctx context.Context, names []string) map[string][]Execution {
	out := map[string][]Execution{}
	if len(names) == 0 {
		return out
	}

	query, args, err := sqlx.In(
		`SELECT e.id, e.robo_id, e.status_01, r.nome_do_robo
		 FROM execucao e
		 JOIN robo r ON e.robo_id = r.id
		 WHERE r.nome_do_robo IN (?) AND e.status_01 = ?`,
		names, StatusPending,
	)
	if err != nil {
		_ = level.Error(p.logger).Log("msg", "building executions query", "err", err)
		return out
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err := p.acquire()
		if err != nil {
			lastErr = err
			break
		}
		qctx, cancel := context.WithTimeout(ctx, queryTimeout)
		rows, err := p.queryExecutions(qctx, db, query, args)
		cancel()
		if err == nil {
			for _, e := range rows {
				out[e.RobotName] = append(out[e.RobotName], e)
			}
			return out
		}
		lastErr = err
		switch {
		case unreadResult(err):
			// database/sql discards a conn when the query returns an
			// error, so the poisoned connection is already replaced.
			queryRetries.Inc()
			_ = level.Warn(p.logger).Log("msg", "mysql protocol state error, retrying on fresh connection",
				"attempt", attempt, "err", err)
		case serverGone(err):
			queryRetries.Inc()
			_ = level.Warn(p.logger).Log("msg", "mysql server gone, reinitializing pool",
				"attempt", attempt, "err", err)
			p.reinit()
		default:
			queryErrors.Inc()
			_ = level.Error(p.logger).Log("msg", "executions query failed", "err", err)
			return map[string][]Execution{}
		}
	}
	queryErrors.Inc()
	_ = level.Error(p.logger).Log("msg", "executions query exhausted retries", "err", lastErr)
	return map[string][]Execution{}
}

func (p *Pool) queryExecutions(ctx context.Context, db *sqlx.DB, query string, args []any) ([]Execution, error) {
	var rows []Execution
	if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// Probe checks connectivity and classifies failures into the kinds the
// connection-status view reports.
func (p *Pool) Probe(ctx context.Context) (bool, string) {
	db, err := p.acquire()
	if err != nil {
		return false, err.Error()
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return false, classify(err).Error()
	}
	return true, ""
}

// classify maps driver errors to the shared error vocabulary.
func classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045: // access denied
			return errs.Wrap(errs.AuthDenied, err, "mysql authentication denied")
		case 1049:
			return errs.Wrap(errs.UnknownDatabase, err, "unknown database")
		}
	}
	switch {
	case unreadResult(err):
		return errs.Wrap(errs.ProtocolState, err, "mysql protocol state")
	case serverGone(err):
		return errs.Wrap(errs.Transport, err, "mysql server gone")
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "network is unreachable") {
		return errs.Wrap(errs.Transport, err, "mysql unreachable")
	}
	return errs.Wrap(errs.Internal, err, "mysql probe")
}
