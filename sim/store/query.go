package store

import (
	"context"
	"fmt"
)

// StoredRecord is a record as read back from the database. Value is raw JSON.
type StoredRecord struct {
	Invocation int
	Tick       int64
	Entity     int64
	Key        string
	Value      string
}

// Records returns the per-invocation records of a run in insertion order.
func (s *Store) Records(ctx context.Context, runID string, invocation int) ([]StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation, tick, entity, key, value FROM records
		 WHERE run_id = ? AND invocation = ? ORDER BY rowid`, runID, invocation)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []StoredRecord
	for rows.Next() {
		var r StoredRecord
		if err := rows.Scan(&r.Invocation, &r.Tick, &r.Entity, &r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunFacts returns the persistent records of a run ordered by entity and key.
func (s *Store) RunFacts(ctx context.Context, runID string) ([]StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation, entity, key, value FROM run_facts
		 WHERE run_id = ? ORDER BY entity, key`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run facts: %w", err)
	}
	defer rows.Close()
	var out []StoredRecord
	for rows.Next() {
		var r StoredRecord
		if err := rows.Scan(&r.Invocation, &r.Entity, &r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Invocations returns the stored invocation outcomes of a run.
func (s *Store) Invocations(ctx context.Context, runID string) ([]InvocationResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT invocation, status, retries, ticks, spawned, removed, error FROM invocations
		 WHERE run_id = ? ORDER BY invocation`, runID)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()
	var out []InvocationResult
	for rows.Next() {
		var r InvocationResult
		if err := rows.Scan(&r.Invocation, &r.Status, &r.Retries, &r.Ticks, &r.Spawned, &r.Removed, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
