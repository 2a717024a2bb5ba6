// Package store persists simulation records in SQLite.
//
// One database holds any number of runs. Each run gets a UUID; its records
// are written per invocation when the invocation is flushed, so an aborted
// or retried invocation leaves nothing behind.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traffic-sim/traffic-sim/sim"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is an open results database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; the sink serializes anyway
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewRun registers a run and returns the sink its invocations write to.
func (s *Store) NewRun(ctx context.Context, seed int64, config string) (*RunSink, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, seed, config) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339), seed, config)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return &RunSink{db: s.db, ctx: ctx, runID: id}, nil
}

// RunSink is the sim.RecordSink of one run. Writes are buffered in memory
// until Flush commits them in a single transaction.
type RunSink struct {
	db    *sql.DB
	ctx   context.Context
	runID string

	mu      sync.Mutex
	pending []sim.Record
}

var _ sim.RecordSink = (*RunSink)(nil)

// RunID returns the UUID the run is stored under.
func (s *RunSink) RunID() string { return s.runID }

func (s *RunSink) Write(r sim.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, r)
}

// Discard drops the records of the current invocation.
func (s *RunSink) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// Flush commits the buffered records under invocation. Persistent records
// replace earlier values of the same (entity, key) for the whole run.
func (s *RunSink) Flush(invocation int) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insRecord, err := tx.PrepareContext(s.ctx,
		`INSERT INTO records (run_id, invocation, tick, entity, key, value) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare records: %w", err)
	}
	defer insRecord.Close()
	upsertFact, err := tx.PrepareContext(s.ctx,
		`INSERT INTO run_facts (run_id, entity, key, value, invocation) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, entity, key) DO UPDATE SET value = excluded.value, invocation = excluded.invocation`)
	if err != nil {
		return fmt.Errorf("prepare facts: %w", err)
	}
	defer upsertFact.Close()

	for _, r := range pending {
		value, err := json.Marshal(r.Value)
		if err != nil {
			return fmt.Errorf("record %s of entity %d: %w", r.Key, r.Entity, err)
		}
		if r.Persistent {
			_, err = upsertFact.ExecContext(s.ctx, s.runID, int64(r.Entity), r.Key, string(value), invocation)
		} else {
			_, err = insRecord.ExecContext(s.ctx, s.runID, invocation, r.Time, int64(r.Entity), r.Key, string(value))
		}
		if err != nil {
			return fmt.Errorf("write record %s: %w", r.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}

// InvocationResult is the stored outcome of one invocation.
type InvocationResult struct {
	Invocation int
	Status     string
	Retries    int
	Ticks      int64
	Spawned    int
	Removed    int
	Error      string
}

// RecordInvocation stores the outcome of an invocation.
func (s *RunSink) RecordInvocation(res InvocationResult) error {
	_, err := s.db.ExecContext(s.ctx,
		`INSERT OR REPLACE INTO invocations (run_id, invocation, status, retries, ticks, spawned, removed, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, res.Invocation, res.Status, res.Retries, res.Ticks, res.Spawned, res.Removed, res.Error)
	if err != nil {
		return fmt.Errorf("insert invocation %d: %w", res.Invocation, err)
	}
	return nil
}
