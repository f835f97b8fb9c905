/*
 * Copyright 2025 Hearth Labs.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package sqlstore implements the persistence boundary on a relational
// database. The same schema runs embedded on sqlite and server-side on
// Postgres; only the driver and placeholder style differ.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	_ "github.com/mattn/go-sqlite3"    // sqlite driver

	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/store"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	defaultMaxOpenConns = 8
	connMaxLifetime     = time.Hour
)

var _ store.Store = (*Store)(nil)

// Store is a relational implementation of store.Store.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	log       logger.Logger
	secretKey []byte
	clock     func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithSecretKey enables at-rest encryption of integration configs. The
// key may be any passphrase; it is stretched to an AES-256 key.
func WithSecretKey(secret string) Option {
	return func(s *Store) {
		if secret != "" {
			s.secretKey = deriveKey(secret)
		}
	}
}

// New opens the database and bootstraps the schema. For sqlite the DSN
// is a file path; for postgres a standard connection string.
func New(ctx context.Context, dialect Dialect, dsn string, log logger.Logger, opts ...Option) (*Store, error) {
	var driver string

	switch dialect {
	case DialectSQLite:
		driver = "sqlite3"
		// Busy timeout keeps concurrent writers from failing fast with
		// SQLITE_BUSY; WAL lets readers proceed during writes.
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unknown sql dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// sqlite serializes writers; a single connection avoids lock
		// contention inside the process.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(defaultMaxOpenConns)
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	s := &Store{
		db:      db,
		dialect: dialect,
		log:     log.WithComponent("sqlstore"),
		clock:   time.Now,
	}

	for _, o := range opts {
		o(s)
	}

	if err := s.db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", dialect, err)
	}

	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// SetClock overrides the wall clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.clock = now }

// rebind rewrites ? placeholders to $N for postgres. Queries in this
// package are written in sqlite style.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder

	n := 0

	for _, r := range query {
		if r == '?' {
			n++

			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
