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

// Package catalog is the durable store of robot definitions and failure
// records. A single SQLite file holds one unified robots table with a
// tipo discriminator plus the failed_pods table; goose migrations keep
// the schema versioned.
package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/robfig/cron"
	"github.com/samber/lo"

	"github.com/rpaglobal/docker-watcher/internal/errs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Robot variants.
const (
	TipoRPA        = "rpa"
	TipoCronJob    = "cronjob"
	TipoDeployment = "deployment"
)

// AutoTag returns the tag every robot of the given variant carries.
func AutoTag(tipo string) string {
	switch tipo {
	case TipoCronJob:
		return "Agendado"
	case TipoDeployment:
		return "24/7"
	default:
		return "Exec"
	}
}

// Tags is a JSON-encoded string list column.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	return string(b), err
}

func (t *Tags) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), t)
	case []byte:
		return json.Unmarshal(v, t)
	default:
		return fmt.Errorf("unsupported tags column type %T", src)
	}
}

// JSONMap is a JSON-encoded string map column.
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), m)
	case []byte:
		return json.Unmarshal(v, m)
	default:
		return fmt.Errorf("unsupported map column type %T", src)
	}
}

// Robot is one catalog entry. Variant-specific fields are meaningful
// only for the matching Tipo; the rest hold their defaults.
type Robot struct {
	ID      int64  `db:"id" json:"id"`
	Nome    string `db:"nome" json:"nome"`
	Apelido string `db:"apelido" json:"apelido"`
	Tipo    string `db:"tipo" json:"tipo"`
	Ativo   bool   `db:"ativo" json:"ativo"`
	Status  string `db:"status" json:"status"`

	DockerTag        string `db:"docker_tag" json:"docker_tag"`
	DockerRepository string `db:"docker_repository" json:"docker_repository"`
	Namespace        string `db:"namespace" json:"namespace"`

	MaxInstancias           int    `db:"qtd_max_instancias" json:"qtd_max_instancias"`
	RAMMaximaMB             int    `db:"qtd_ram_maxima" json:"qtd_ram_maxima"`
	MemoryLimit             string `db:"memory_limit" json:"memory_limit"`
	UtilizaArquivosExternos bool   `db:"utiliza_arquivos_externos" json:"utiliza_arquivos_externos"`
	TempoMaximoDeVida       int    `db:"tempo_maximo_de_vida" json:"tempo_maximo_de_vida"`

	Replicas          int `db:"replicas" json:"replicas"`
	ReadyReplicas     int `db:"ready_replicas" json:"ready_replicas"`
	AvailableReplicas int `db:"available_replicas" json:"available_replicas"`

	Schedule                string `db:"schedule" json:"schedule"`
	Timezone                string `db:"timezone" json:"timezone"`
	Suspended               bool   `db:"suspended" json:"suspended"`
	TTLSecondsAfterFinished int    `db:"ttl_seconds_after_finished" json:"ttl_seconds_after_finished"`
	LastScheduleTime        string `db:"last_schedule_time" json:"last_schedule_time"`
	LastSuccessfulTime      string `db:"last_successful_time" json:"last_successful_time"`

	DependenteDeExecucoes bool `db:"dependente_de_execucoes" json:"dependente_de_execucoes"`
	Tags                  Tags `db:"tags" json:"tags"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	InativadoEm *time.Time `db:"inativado_em" json:"inativado_em"`
}

// FailedPod is one persisted pod failure.
type FailedPod struct {
	ID         int64     `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Namespace  string    `db:"namespace" json:"namespace"`
	Labels     JSONMap   `db:"labels" json:"labels"`
	Phase      string    `db:"phase" json:"phase"`
	Status     string    `db:"status" json:"status"`
	StartTime  string    `db:"start_time" json:"start_time"`
	Containers string    `db:"containers" json:"containers"`
	Logs       string    `db:"logs" json:"logs"`
	NomeRobo   string    `db:"nome_robo" json:"nome_robo"`
	FailedAt   time.Time `db:"failed_at" json:"failed_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Store wraps the SQLite handle. Safe for concurrent use; SQLite
// serializes writers internally.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the catalog database at path and runs
// pending migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "opening catalog db")
	}
	// A single connection sidesteps table-lock contention between the
	// loops and the API handlers.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "setting migration dialect")
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "migrating catalog db")
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ValidateSchedule checks a cron expression in the standard 5-field
// form.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return errs.Wrap(errs.Validation, err, fmt.Sprintf("invalid schedule %q", expr))
	}
	return nil
}

func normalizeRobot(r *Robot) error {
	r.Nome = strings.TrimSpace(r.Nome)
	if r.Nome == "" {
		return errs.New(errs.Validation, "nome is required")
	}
	switch r.Tipo {
	case TipoRPA:
		if r.MaxInstancias < 1 {
			return errs.New(errs.Validation, "qtd_max_instancias must be >= 1")
		}
	case TipoCronJob:
		if err := ValidateSchedule(r.Schedule); err != nil {
			return err
		}
	case TipoDeployment:
		if r.Replicas < 1 {
			r.Replicas = 1
		}
	default:
		return errs.Newf(errs.Validation, "unknown tipo %q", r.Tipo)
	}
	if r.Namespace == "" {
		r.Namespace = "default"
	}
	if r.Status == "" {
		r.Status = "active"
	}
	if auto := AutoTag(r.Tipo); !lo.Contains(r.Tags, auto) {
		r.Tags = append(r.Tags, auto)
	}
	return nil
}

const robotColumns = `nome, apelido, tipo, ativo, status,
	docker_tag, docker_repository, namespace,
	qtd_max_instancias, qtd_ram_maxima, memory_limit, utiliza_arquivos_externos, tempo_maximo_de_vida,
	replicas, ready_replicas, available_replicas,
	schedule, timezone, suspended, ttl_seconds_after_finished, last_schedule_time, last_successful_time,
	dependente_de_execucoes, tags, created_at, updated_at, inativado_em`

// CreateRobot validates and inserts a robot. Duplicate names surface as
// AlreadyExists.
func (s *Store) CreateRobot(ctx context.Context, r *Robot) error {
	if err := normalizeRobot(r); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.Ativo = true
	r.CreatedAt = now
	r.UpdatedAt = now

	res, err := s.db.NamedExecContext(ctx, `INSERT INTO robots (`+robotColumns+`) VALUES (
		:nome, :apelido, :tipo, :ativo, :status,
		:docker_tag, :docker_repository, :namespace,
		:qtd_max_instancias, :qtd_ram_maxima, :memory_limit, :utiliza_arquivos_externos, :tempo_maximo_de_vida,
		:replicas, :ready_replicas, :available_replicas,
		:schedule, :timezone, :suspended, :ttl_seconds_after_finished, :last_schedule_time, :last_successful_time,
		:dependente_de_execucoes, :tags, :created_at, :updated_at, :inativado_em)`, r)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return errs.Newf(errs.AlreadyExists, "robot %q already exists", r.Nome)
		}
		return errs.Wrap(errs.Internal, err, "inserting robot")
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// UpdateRobot replaces the mutable fields of the robot named r.Nome.
func (s *Store) UpdateRobot(ctx context.Context, r *Robot) error {
	if err := normalizeRobot(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, `UPDATE robots SET
		apelido = :apelido, status = :status,
		docker_tag = :docker_tag, docker_repository = :docker_repository, namespace = :namespace,
		qtd_max_instancias = :qtd_max_instancias, qtd_ram_maxima = :qtd_ram_maxima,
		memory_limit = :memory_limit, utiliza_arquivos_externos = :utiliza_arquivos_externos,
		tempo_maximo_de_vida = :tempo_maximo_de_vida,
		replicas = :replicas, ready_replicas = :ready_replicas, available_replicas = :available_replicas,
		schedule = :schedule, timezone = :timezone, suspended = :suspended,
		ttl_seconds_after_finished = :ttl_seconds_after_finished,
		last_schedule_time = :last_schedule_time, last_successful_time = :last_successful_time,
		dependente_de_execucoes = :dependente_de_execucoes, tags = :tags, updated_at = :updated_at
		WHERE nome = :nome`, r)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "updating robot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.NotFound, "robot %q not found", r.Nome)
	}
	return nil
}

// GetRobot fetches one robot by name.
func (s *Store) GetRobot(ctx context.Context, nome string) (*Robot, error) {
	var r Robot
	err := s.db.GetContext(ctx, &r, `SELECT * FROM robots WHERE nome = ?`, nome)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.Newf(errs.NotFound, "robot %q not found", nome)
		}
		return nil, errs.Wrap(errs.Internal, err, "fetching robot")
	}
	return &r, nil
}

// ListRobots returns all robots of a variant, or all when tipo is
// empty. Ordering is stable by name.
func (s *Store) ListRobots(ctx context.Context, tipo string) ([]Robot, error) {
	var rs []Robot
	var err error
	if tipo == "" {
		err = s.db.SelectContext(ctx, &rs, `SELECT * FROM robots ORDER BY nome`)
	} else {
		err = s.db.SelectContext(ctx, &rs, `SELECT * FROM robots WHERE tipo = ? ORDER BY nome`, tipo)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "listing robots")
	}
	return rs, nil
}

// ActiveRobots returns the active robots of a variant.
func (s *Store) ActiveRobots(ctx context.Context, tipo string) ([]Robot, error) {
	var rs []Robot
	err := s.db.SelectContext(ctx, &rs,
		`SELECT * FROM robots WHERE tipo = ? AND ativo = 1 ORDER BY nome`, tipo)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "listing active robots")
	}
	return rs, nil
}

// SetActive flips the active flag, stamping inativado_em on
// deactivation and clearing it on reactivation.
func (s *Store) SetActive(ctx context.Context, nome string, active bool) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if active {
		res, err = s.db.ExecContext(ctx,
			`UPDATE robots SET ativo = 1, status = 'active', inativado_em = NULL, updated_at = ? WHERE nome = ?`,
			now, nome)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE robots SET ativo = 0, status = 'standby', inativado_em = ?, updated_at = ? WHERE nome = ?`,
			now, now, nome)
	}
	if err != nil {
		return errs.Wrap(errs.Internal, err, "flipping robot active flag")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.NotFound, "robot %q not found", nome)
	}
	return nil
}

// SetSuspended records the cronjob suspension state alongside the
// active flag.
func (s *Store) SetSuspended(ctx context.Context, nome string, suspended bool) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE robots SET suspended = ?, ativo = ?, updated_at = ? WHERE nome = ?`,
		suspended, !suspended, now, nome)
	return errs.Wrap(errs.Internal, err, "updating suspension")
}

// DeleteRobot removes a robot by name.
func (s *Store) DeleteRobot(ctx context.Context, nome string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM robots WHERE nome = ?`, nome)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "deleting robot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Newf(errs.NotFound, "robot %q not found", nome)
	}
	return nil
}

// CountRobots returns the number of catalog entries.
func (s *Store) CountRobots(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM robots`); err != nil {
		return 0, errs.Wrap(errs.Internal, err, "counting robots")
	}
	return n, nil
}

// InsertFailure persists one failure record.
func (s *Store) InsertFailure(ctx context.Context, f *FailedPod) error {
	now := time.Now().UTC()
	if f.FailedAt.IsZero() {
		f.FailedAt = now
	}
	f.CreatedAt = now
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO failed_pods
		(name, namespace, labels, phase, status, start_time, containers, logs, nome_robo, failed_at, created_at)
		VALUES (:name, :namespace, :labels, :phase, :status, :start_time, :containers, :logs, :nome_robo, :failed_at, :created_at)`, f)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "inserting failure record")
	}
	f.ID, _ = res.LastInsertId()
	return nil
}

// FailureExists reports whether a record for the pod name is already
// stored.
func (s *Store) FailureExists(ctx context.Context, podName string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM failed_pods WHERE name = ?`, podName); err != nil {
		return false, errs.Wrap(errs.Internal, err, "checking failure record")
	}
	return n > 0, nil
}

// ListFailures returns all failure records, newest first.
func (s *Store) ListFailures(ctx context.Context) ([]FailedPod, error) {
	var fs []FailedPod
	err := s.db.SelectContext(ctx, &fs, `SELECT * FROM failed_pods ORDER BY failed_at DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "listing failures")
	}
	return fs, nil
}

// FailuresForRobot returns the failure records attributed to a robot,
// newest first.
func (s *Store) FailuresForRobot(ctx context.Context, nomeRobo string) ([]FailedPod, error) {
	var fs []FailedPod
	err := s.db.SelectContext(ctx, &fs,
		`SELECT * FROM failed_pods WHERE nome_robo = ? ORDER BY failed_at DESC`, nomeRobo)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "listing robot failures")
	}
	return fs, nil
}

// GetFailure fetches one failure record by pod name (most recent).
func (s *Store) GetFailure(ctx context.Context, podName string) (*FailedPod, error) {
	var f FailedPod
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM failed_pods WHERE name = ? ORDER BY failed_at DESC LIMIT 1`, podName)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.Newf(errs.NotFound, "no failure record for pod %q", podName)
		}
		return nil, errs.Wrap(errs.Internal, err, "fetching failure record")
	}
	return &f, nil
}

// DeleteFailuresBefore removes records older than the cutoff and
// returns how many were swept.
func (s *Store) DeleteFailuresBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_pods WHERE failed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errs.Wrap(errs.Internal, err, "sweeping failure records")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
