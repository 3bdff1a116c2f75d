// Package audit implements the append-only, SQLite-backed audit log: one
// hash-chained row per load/unload/grant/revoke/tool-call-blocked event,
// queryable by component and time range.
//
// The hash-chain shape (each entry's hash covers its own fields plus the
// previous entry's hash, so altering or deleting a row breaks the chain
// from that point forward) and the canonicalize-then-hash step are
// generalized from this codebase's own tamper-evident audit log; the
// append-only table backing it is new, swapping the in-memory slice for a
// modernc.org/sqlite-backed store so the trail survives a restart.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/wasmhost/pkg/canonicalize"
	"github.com/Mindburn-Labs/wasmhost/pkg/wasmerr"
)

// EventType is the machine-readable kind of a recorded event, matching the
// registry/policy operations this log exists to make auditable.
type EventType string

const (
	EventLoad             EventType = "Load"
	EventUnload           EventType = "Unload"
	EventGrant            EventType = "Grant"
	EventRevoke           EventType = "Revoke"
	EventToolCall         EventType = "ToolCall"
	EventToolCallBlocked  EventType = "ToolCallBlocked"
)

// Entry is a single hash-chained audit record.
type Entry struct {
	Seq          int64           `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
	ComponentID  string          `json:"component_id"`
	EventType    EventType       `json:"event_type"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Log owns the sqlite-backed append-only table and the previous-hash
// cursor needed to extend the chain.
type Log struct {
	db    *sql.DB
	mu    sync.Mutex
	clock func() time.Time
	last  string
}

// Open creates or attaches to the audit database at path, loading the
// current chain tip so Append can continue it across restarts.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wasmerr.StorageIo(path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wasmerr.StorageIo(path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp     TEXT NOT NULL,
	component_id  TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	detail        TEXT,
	previous_hash TEXT NOT NULL,
	hash          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_component_idx ON audit_log(component_id);
CREATE INDEX IF NOT EXISTS audit_log_timestamp_idx ON audit_log(timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wasmerr.StorageIo(path, err)
	}

	l := &Log{db: db, clock: time.Now}
	row := db.QueryRow(`SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&l.last); err != nil && err != sql.ErrNoRows {
		db.Close()
		return nil, wasmerr.StorageIo(path, err)
	}
	return l, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records one event, linking it to the chain's current tip. detail
// is marshaled to JSON, canonicalized (RFC 8785) and folded into the
// entry's hash so any later tampering with a row, or a reordering of its
// fields on disk, is detectable by VerifyChain.
func (l *Log) Append(ctx context.Context, componentID string, eventType EventType, detail any) (Entry, error) {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal detail: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp:    l.clock().UTC(),
		ComponentID:  componentID,
		EventType:    eventType,
		Detail:       detailJSON,
		PreviousHash: l.last,
	}
	hash, err := computeHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, component_id, event_type, detail, previous_hash, hash) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.Format(time.RFC3339Nano), entry.ComponentID, string(entry.EventType), string(entry.Detail), entry.PreviousHash, entry.Hash,
	)
	if err != nil {
		return Entry{}, wasmerr.StorageIo("audit_log", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, wasmerr.StorageIo("audit_log", err)
	}
	entry.Seq = seq
	l.last = entry.Hash
	return entry, nil
}

// Query filters by componentID (optional) and time range (optional),
// newest-last, capped at limit rows if limit > 0.
type Query struct {
	ComponentID string
	After       *time.Time
	Before      *time.Time
	Limit       int
}

func (l *Log) Query(ctx context.Context, q Query) ([]Entry, error) {
	sqlStr := `SELECT seq, timestamp, component_id, event_type, detail, previous_hash, hash FROM audit_log WHERE 1=1`
	var args []any
	if q.ComponentID != "" {
		sqlStr += ` AND component_id = ?`
		args = append(args, q.ComponentID)
	}
	if q.After != nil {
		sqlStr += ` AND timestamp >= ?`
		args = append(args, q.After.UTC().Format(time.RFC3339Nano))
	}
	if q.Before != nil {
		sqlStr += ` AND timestamp <= ?`
		args = append(args, q.Before.UTC().Format(time.RFC3339Nano))
	}
	sqlStr += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, wasmerr.StorageIo("audit_log", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, detail string
		if err := rows.Scan(&e.Seq, &ts, &e.ComponentID, &e.EventType, &detail, &e.PreviousHash, &e.Hash); err != nil {
			return nil, wasmerr.StorageIo("audit_log", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp: %w", err)
		}
		e.Detail = json.RawMessage(detail)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyChain re-derives every entry's hash in sequence order and confirms
// it both matches the stored hash and links correctly to the prior entry,
// detecting any row tampered with after the fact.
func (l *Log) VerifyChain(ctx context.Context) (bool, error) {
	entries, err := l.Query(ctx, Query{})
	if err != nil {
		return false, err
	}
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return false, fmt.Errorf("audit: chain broken at seq %d: previous hash mismatch", e.Seq)
		}
		want, err := computeHash(e)
		if err != nil {
			return false, err
		}
		if want != e.Hash {
			return false, fmt.Errorf("audit: tampering detected at seq %d", e.Seq)
		}
		prev = e.Hash
		_ = i
	}
	return true, nil
}

func computeHash(e Entry) (string, error) {
	canonical, err := canonicalize.JCS(map[string]any{
		"timestamp":     e.Timestamp.Format(time.RFC3339Nano),
		"component_id":  e.ComponentID,
		"event_type":    string(e.EventType),
		"detail":        json.RawMessage(e.Detail),
		"previous_hash": e.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
