package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 25
	connMaxIdleTime = 5 * time.Minute
	connectTimeout  = 5 * time.Second
)

// PgPrayerRepository stores users, prayers, attendees and chat messages in
// Postgres through lib/pq.
type PgPrayerRepository struct {
	conn *sql.DB
}

func NewPgPrayerRepository(dsn string) (*PgPrayerRepository, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PgPrayerRepository{conn: conn}, nil
}

func (db *PgPrayerRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgPrayerRepository) Close() error {
	if db.conn == nil {
		return nil
	}

	return db.conn.Close()
}
