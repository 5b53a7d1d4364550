// Package store holds the shared persistence primitives: the connection
// pool, the row models exchanged between the pipeline stages, and the
// idempotency key that anchors outbox deduplication.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
)

// Pool limits shared by every process. Each pipeline iteration holds a
// connection only for the duration of its transaction.
const (
	maxOpenConns    = 20
	maxIdleConns    = 10
	connMaxIdleTime = 30 * time.Second
	connectTimeout  = 10 * time.Second
)

// Open creates the process-wide connection pool and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	dsn, err := withConnectTimeout(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// withConnectTimeout adds connect_timeout to the DSN unless already set.
func withConnectTimeout(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", "10")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
