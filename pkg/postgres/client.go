// Package postgres provides the raw-SQL database client used by the ingest
// record store: transaction helpers, SQLSTATE classification for the retry
// loops, and the IN-clause chunking contract.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/searchforge/ingestmgr/pkg/config"
)

// defaultMaxInClause bounds the number of values placed in a single IN (...)
// predicate. PostgreSQL tolerates far more, but plan quality degrades.
const defaultMaxInClause = 100

type Client struct {
	DB          *sql.DB
	cfg         config.PostgresConfig
	maxInClause int
}

func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	maxIn := cfg.MaxInClause
	if maxIn <= 0 {
		maxIn = defaultMaxInClause
	}
	return &Client{DB: db, cfg: cfg, maxInClause: maxIn}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on error.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// MaxInClause returns the largest number of values that may appear in one
// IN (...) list given fixedParams other bound parameters in the same WHERE
// clause. Callers must chunk longer lists.
func (c *Client) MaxInClause(fixedParams int) int {
	n := c.maxInClause - fixedParams
	if n < 1 {
		n = 1
	}
	return n
}

// IsTransient reports whether err is a deadlock or serialization failure that
// should be retried with backoff (SQLSTATE 40001, 40P01).
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505), the signal that a concurrent insert won the race.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Placeholders renders "$start, $start+1, ..." for n bound parameters.
func Placeholders(start, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", start+i)
	}
	return sb.String()
}
