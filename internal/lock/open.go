package lock

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Settings selects and configures a lock backend.
type Settings struct {
	Backend       string
	Dir           string
	RedisURL      string
	RedisPassword string
	// Pool is required by the postgres backend.
	Pool *pgxpool.Pool
}

// Open builds the configured Locker. The returned close func releases any
// connection the backend owns and is never nil.
func Open(s Settings) (Locker, func(), error) {
	switch s.Backend {
	case BackendFile, "":
		return NewFileLock(s.Dir), func() {}, nil
	case BackendRedis:
		l, err := NewRedis(s.RedisURL, s.RedisPassword, DefaultRedisTTL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("redis lock: %w", err)
		}
		return l, func() { _ = l.Close() }, nil
	case BackendPostgres:
		if s.Pool == nil {
			return nil, func() {}, errors.New("postgres lock: no pool")
		}
		return NewAdvisory(s.Pool), func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown lock backend %q", s.Backend)
	}
}
