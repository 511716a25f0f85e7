// Package store holds the Postgres and Redis connection plumbing shared by
// the API and the audit worker.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB is the Postgres handle. Sessions and attendance records live here.
type DB struct {
	Client *sql.DB
}

// NewDB opens a Postgres pool sized for classroom scan bursts: a room of
// students scanning within the same rotation window produces many short
// queries at once, so the pool leans wide with idle connections kept warm.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return &DB{Client: db}, db.PingContext(ctx)
}

// Close closes the pool.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
