package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TimeLayout is the second-precision UTC key shared by every table.
const TimeLayout = "2006-01-02T15:04:05Z"

// FormatTS renders t as a ts_utc key.
func FormatTS(t time.Time) string { return t.UTC().Format(TimeLayout) }

// Lock and statement bounds applied to every pooled session.
const (
	lockTimeout      = 5 * time.Second
	statementTimeout = 60 * time.Second
)

var (
	// ErrDuplicateTimestamp is returned when a snapshot for the same second
	// has already been committed.
	ErrDuplicateTimestamp = errors.New("snapshot already recorded for this timestamp")
	// ErrNotFound is returned by single-row reads on an empty store.
	ErrNotFound = errors.New("not found")
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	rp := cfg.ConnConfig.RuntimeParams
	rp["lock_timeout"] = fmt.Sprint(lockTimeout.Milliseconds())
	rp["statement_timeout"] = fmt.Sprint(statementTimeout.Milliseconds())
	rp["application_name"] = "reserve-monitor"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Pool exposes the underlying connection pool for the advisory lock backend.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// noRows maps pgx.ErrNoRows to ErrNotFound.
func noRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
