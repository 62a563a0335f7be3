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

package mysqlq

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/rpaglobal/docker-watcher/internal/config"
	"github.com/rpaglobal/docker-watcher/internal/errs"
)

func mockedPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	p := New(log.NewNopLogger(), config.MySQL{})
	p.db = sqlx.NewDb(db, "mysql")
	t.Cleanup(func() { p.Close() })
	return p, mock
}

func executionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "robo_id", "status_01", "nome_do_robo"}).
		AddRow(1, 10, StatusPending, "Consulta_CNPJ").
		AddRow(2, 10, StatusPending, "Consulta_CNPJ").
		AddRow(3, 11, StatusPending, "Emissor NF")
}

func TestExecutionsForEmptyNames(t *testing.T) {
	t.Parallel()
	p, mock := mockedPool(t)
	out := p.ExecutionsFor(context.Background(), nil)
	require.Empty(t, out)
	// No query may reach the database.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionsForGroupsByName(t *testing.T) {
	t.Parallel()
	p, mock := mockedPool(t)
	mock.ExpectQuery("SELECT e.id, e.robo_id, e.status_01, r.nome_do_robo").
		WithArgs("Consulta_CNPJ", "Emissor NF", StatusPending).
		WillReturnRows(executionRows())

	out := p.ExecutionsFor(context.Background(), []string{"Consulta_CNPJ", "Emissor NF"})
	require.Len(t, out, 2)
	require.Len(t, out["Consulta_CNPJ"], 2)
	require.Len(t, out["Emissor NF"], 1)
	require.Equal(t, int64(3), out["Emissor NF"][0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionsForRetriesUnreadResult(t *testing.T) {
	t.Parallel()
	p, mock := mockedPool(t)
	mock.ExpectQuery("SELECT e.id").WillReturnError(mysql.ErrBusyBuffer)
	mock.ExpectQuery("SELECT e.id").WillReturnError(errors.New("commands out of sync; unread result"))
	mock.ExpectQuery("SELECT e.id").WillReturnRows(executionRows())

	out := p.ExecutionsFor(context.Background(), []string{"Consulta_CNPJ"})
	require.Len(t, out["Consulta_CNPJ"], 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionsForExhaustsRetries(t *testing.T) {
	t.Parallel()
	p, mock := mockedPool(t)
	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT e.id").WillReturnError(mysql.ErrBusyBuffer)
	}
	out := p.ExecutionsFor(context.Background(), []string{"Consulta_CNPJ"})
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionsForUnrecoverableReturnsEmpty(t *testing.T) {
	t.Parallel()
	p, mock := mockedPool(t)
	mock.ExpectQuery("SELECT e.id").WillReturnError(errors.New("syntax error"))

	out := p.ExecutionsFor(context.Background(), []string{"Consulta_CNPJ"})
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionsForServerGoneReinitializes(t *testing.T) {
	t.Parallel()
	p, mock := mockedPool(t)
	before := p.db
	mock.ExpectQuery("SELECT e.id").WillReturnError(mysql.ErrInvalidConn)

	// The retry dials a fresh (unreachable) pool and comes back empty;
	// what matters is that the poisoned pool was torn down.
	out := p.ExecutionsFor(context.Background(), []string{"Consulta_CNPJ"})
	require.Empty(t, out)
	require.NotSame(t, before, p.db)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		kind errs.Kind
	}{
		{name: "access denied", err: &mysql.MySQLError{Number: 1045, Message: "denied"}, kind: errs.AuthDenied},
		{name: "db privilege denied", err: &mysql.MySQLError{Number: 1044, Message: "denied"}, kind: errs.AuthDenied},
		{name: "unknown database", err: &mysql.MySQLError{Number: 1049, Message: "unknown db"}, kind: errs.UnknownDatabase},
		{name: "unread result", err: errors.New("commands out of sync; unread result"), kind: errs.ProtocolState},
		{name: "server gone", err: errors.New("mysql server has gone away"), kind: errs.Transport},
		{name: "refused", err: errors.New("dial tcp 10.0.0.1:3306: connection refused"), kind: errs.Transport},
		{name: "other", err: errors.New("weird"), kind: errs.Internal},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, c.kind, errs.KindOf(classify(c.err)))
		})
	}
}

func TestUnreadResultDetection(t *testing.T) {
	t.Parallel()
	require.True(t, unreadResult(mysql.ErrBusyBuffer))
	require.True(t, unreadResult(errors.New("Unread Result found")))
	require.False(t, unreadResult(errors.New("other")))
	require.False(t, unreadResult(nil))
}
