// Copyright 2025 Certen Protocol
//
// Package audit is a Postgres-backed custody-event sink (the lib/pq client
// the teacher's database package wired for proof artifacts, repurposed here
// for the proof deferral manager's custody-style event trail), with
// connection pooling, health checks and migration support.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opchain/taskrunner/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sink is a database/sql-backed deferral.AuditSink.
type Sink struct {
	db     *sql.DB
	logger *log.Logger
}

// Option is a functional option for configuring the sink.
type Option func(*Sink)

func WithLogger(logger *log.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// NewSink opens a connection pool against cfg.DatabaseURL and verifies
// connectivity before returning.
func NewSink(cfg *config.Config, opts ...Option) (*Sink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("audit: config cannot be nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("audit: database URL cannot be empty")
	}

	s := &Sink{logger: log.New(log.Writer(), "[audit] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	s.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	s.logger.Printf("connected to audit database (max_open=%d, max_idle=%d)", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	return s, nil
}

// RecordEvent implements deferral.AuditSink: it inserts one row per custody
// event, keyed by task address and insertion order.
func (s *Sink) RecordEvent(taskAddr common.Hash, eventType string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proof_custody_events (task_address, event_type, details, recorded_at) VALUES ($1, $2, $3, $4)`,
		taskAddr.Hex(), eventType, payload, time.Now().UTC())
	return err
}

// Close closes the underlying connection pool.
func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Println("closing audit database connection")
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Sink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// HealthStatus reports the sink's connection-pool health.
type HealthStatus struct {
	Healthy            bool          `json:"healthy"`
	Error              string        `json:"error,omitempty"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxOpenConnections int           `json:"max_open_connections"`
	CheckedAt          time.Time     `json:"checked_at"`
}

func (s *Sink) Health(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{CheckedAt: time.Now()}
	if err := s.db.PingContext(ctx); err != nil {
		status.Error = err.Error()
		return status, nil
	}
	stats := s.db.Stats()
	status.Healthy = true
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.WaitDuration = stats.WaitDuration
	status.MaxOpenConnections = stats.MaxOpenConnections
	return status, nil
}

// Migration is one embedded schema migration.
type Migration struct {
	Version  string
	Filename string
	SQL      string
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in version order.
func (s *Sink) MigrateUp(ctx context.Context) error {
	s.logger.Println("running audit schema migrations...")

	migrations, err := s.getMigrations()
	if err != nil {
		return fmt.Errorf("audit: list migrations: %w", err)
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("audit: list applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		s.logger.Printf("  applying %s...", m.Version)
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("audit: apply migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Sink) getMigrations() ([]Migration, error) {
	var migrations []Migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		filename := d.Name()
		migrations = append(migrations, Migration{
			Version:  strings.TrimSuffix(filename, ".sql"),
			Filename: filename,
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func (s *Sink) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Sink) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return tx.Commit()
}
