/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lattice

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	"k8s.io/klog/v2"

	"github.com/lzst/lattice/pkg/lzerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	id INTEGER PRIMARY KEY,
	bytes TEXT UNIQUE NOT NULL,
	length INTEGER NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 0,
	in_degree INTEGER NOT NULL DEFAULT 0,
	out_degree INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tokens_bytes ON tokens(bytes);

CREATE TABLE IF NOT EXISTS edges (
	from_id INTEGER NOT NULL,
	to_id INTEGER NOT NULL,
	weight INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (from_id, to_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_from_id ON edges(from_id);
CREATE INDEX IF NOT EXISTS idx_edges_to_id ON edges(to_id);

CREATE TABLE IF NOT EXISTS vocab_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at DATETIME NOT NULL,
	vocab_size INTEGER NOT NULL
);
`

// SQLiteLattice is the reference Lattice backend: spec.md §6's "embedded SQL
// database" persisted layout exactly, via database/sql and
// github.com/mattn/go-sqlite3 — the same driver the sibling calvinalkan-
// agent-task/pkg/mddb example opens with sql.Open("sqlite3", path) and the
// same single-writer discipline (db.SetMaxOpenConns so writes serialize
// through one connection, a mutex around the write transaction).
type SQLiteLattice struct {
	db       *sql.DB
	writerMu sync.Mutex
}

// OpenSQLiteLattice opens (creating if necessary) a SQLite-backed lattice at
// path. Pass ":memory:" for an ephemeral, test-only database.
func OpenSQLiteLattice(ctx context.Context, path string) (*SQLiteLattice, error) {
	if path == "" {
		return nil, fmt.Errorf("lattice: sqlite path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("lattice: open sqlite: %w", err)
	}

	// A single connection keeps every write serialized through one SQLite
	// connection, matching spec.md §5's single-writer-transaction model.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lattice: ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lattice: apply schema: %w", err)
	}

	return &SQLiteLattice{db: db}, nil
}

var _ Lattice = (*SQLiteLattice)(nil)

func (l *SQLiteLattice) BatchIngest(ctx context.Context, tokens []TokenObservation, edges []EdgeObservation) error {
	l.writerMu.Lock()
	defer l.writerMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lattice: begin batch ingest: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	upsertToken, err := tx.PrepareContext(ctx, `
		INSERT INTO tokens (bytes, length, occurrences) VALUES (?, ?, ?)
		ON CONFLICT(bytes) DO UPDATE SET occurrences = occurrences + excluded.occurrences
	`)
	if err != nil {
		return fmt.Errorf("lattice: prepare token upsert: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	defer upsertToken.Close()

	for _, obs := range tokens {
		if _, err := upsertToken.ExecContext(ctx, obs.Bytes, len(obs.Bytes)/2, obs.Count); err != nil {
			return fmt.Errorf("lattice: upsert token %s: %w: %v", obs.Bytes, lzerrors.ErrStoreWriteFailed, err)
		}
	}

	ensureToken, err := tx.PrepareContext(ctx, `
		INSERT INTO tokens (bytes, length, occurrences) VALUES (?, ?, 0)
		ON CONFLICT(bytes) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("lattice: prepare token ensure: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	defer ensureToken.Close()

	idOf, err := tx.PrepareContext(ctx, `SELECT id FROM tokens WHERE bytes = ?`)
	if err != nil {
		return fmt.Errorf("lattice: prepare id lookup: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	defer idOf.Close()

	upsertEdge, err := tx.PrepareContext(ctx, `
		INSERT INTO edges (from_id, to_id, weight) VALUES (?, ?, ?)
		ON CONFLICT(from_id, to_id) DO UPDATE SET weight = weight + excluded.weight
	`)
	if err != nil {
		return fmt.Errorf("lattice: prepare edge upsert: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	defer upsertEdge.Close()

	for _, obs := range edges {
		if _, err := ensureToken.ExecContext(ctx, obs.FromBytes, len(obs.FromBytes)/2); err != nil {
			return fmt.Errorf("lattice: ensure from-token %s: %w: %v", obs.FromBytes, lzerrors.ErrStoreWriteFailed, err)
		}
		if _, err := ensureToken.ExecContext(ctx, obs.ToBytes, len(obs.ToBytes)/2); err != nil {
			return fmt.Errorf("lattice: ensure to-token %s: %w: %v", obs.ToBytes, lzerrors.ErrStoreWriteFailed, err)
		}

		var fromID, toID uint32
		if err := idOf.QueryRowContext(ctx, obs.FromBytes).Scan(&fromID); err != nil {
			klog.FromContext(ctx).Error(err, "lattice: edge refers to missing from-token", "bytes", obs.FromBytes)
			return fmt.Errorf("lattice: resolve from-token id: %w: %v", lzerrors.ErrIntegrityViolation, err)
		}
		if err := idOf.QueryRowContext(ctx, obs.ToBytes).Scan(&toID); err != nil {
			klog.FromContext(ctx).Error(err, "lattice: edge refers to missing to-token", "bytes", obs.ToBytes)
			return fmt.Errorf("lattice: resolve to-token id: %w: %v", lzerrors.ErrIntegrityViolation, err)
		}

		if _, err := upsertEdge.ExecContext(ctx, fromID, toID, obs.Count); err != nil {
			return fmt.Errorf("lattice: upsert edge %d->%d: %w: %v", fromID, toID, lzerrors.ErrStoreWriteFailed, err)
		}
	}

	var vocabSize int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&vocabSize); err != nil {
		return fmt.Errorf("lattice: snapshot vocab size: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO vocab_snapshots (at, vocab_size) VALUES (?, ?)`, time.Now(), vocabSize); err != nil {
		return fmt.Errorf("lattice: insert vocab snapshot: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vocab_snapshots WHERE id NOT IN (
			SELECT id FROM vocab_snapshots ORDER BY id DESC LIMIT ?
		)
	`, maxVocabSnapshots); err != nil {
		return fmt.Errorf("lattice: prune vocab snapshots: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lattice: commit batch ingest: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}

	return nil
}

func (l *SQLiteLattice) UpdateTokenDegrees(ctx context.Context) error {
	l.writerMu.Lock()
	defer l.writerMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lattice: begin degree update: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	stmts := []string{
		`UPDATE tokens SET out_degree = (
			SELECT COUNT(DISTINCT to_id) FROM edges WHERE edges.from_id = tokens.id
		)`,
		`UPDATE tokens SET in_degree = (
			SELECT COUNT(DISTINCT from_id) FROM edges WHERE edges.to_id = tokens.id
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("lattice: update degrees: %w: %v", lzerrors.ErrStoreWriteFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lattice: commit degree update: %w: %v", lzerrors.ErrStoreWriteFailed, err)
	}
	return nil
}

func (l *SQLiteLattice) GetEdge(ctx context.Context, from, to uint32) (EdgeRecord, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT from_id, to_id, weight FROM edges WHERE from_id = ? AND to_id = ?`, from, to)
	var e EdgeRecord
	if err := row.Scan(&e.FromID, &e.ToID, &e.Weight); err != nil {
		if err == sql.ErrNoRows {
			return EdgeRecord{}, false, nil
		}
		return EdgeRecord{}, false, fmt.Errorf("lattice: get edge: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return e, true, nil
}

func (l *SQLiteLattice) CountPredecessors(ctx context.Context, to uint32) (int, error) {
	row := l.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT from_id) FROM edges WHERE to_id = ?`, to)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("lattice: count predecessors: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return count, nil
}

func (l *SQLiteLattice) PrefixSearch(ctx context.Context, hexPrefix string) ([]TokenRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, bytes, length, occurrences, in_degree, out_degree
		FROM tokens WHERE bytes LIKE ? ORDER BY bytes ASC
	`, strings.ToUpper(hexPrefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("lattice: prefix search: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	defer rows.Close()

	var out []TokenRecord
	for rows.Next() {
		var t TokenRecord
		if err := rows.Scan(&t.ID, &t.Bytes, &t.Length, &t.Occurrences, &t.InDegree, &t.OutDegree); err != nil {
			return nil, fmt.Errorf("lattice: scan prefix search row: %w: %v", lzerrors.ErrStoreReadFailed, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *SQLiteLattice) RefinedTransitionsFrom(ctx context.Context, from uint32) ([]Transition, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT to_id, weight FROM edges WHERE from_id = ?`, from)
	if err != nil {
		return nil, fmt.Errorf("lattice: transitions from: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	defer rows.Close()

	var rawRows []Transition
	var totalOut uint64
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.ToID, &tr.Weight); err != nil {
			return nil, fmt.Errorf("lattice: scan transition row: %w: %v", lzerrors.ErrStoreReadFailed, err)
		}
		rawRows = append(rawRows, tr)
		totalOut += tr.Weight
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lattice: iterate transitions: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	for i := range rawRows {
		if totalOut > 0 {
			rawRows[i].NormalizedProb = float64(rawRows[i].Weight) / float64(totalOut)
		}
	}
	return rawRows, nil
}

func (l *SQLiteLattice) GetTokenByBytes(ctx context.Context, hexBytes string) (TokenRecord, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, bytes, length, occurrences, in_degree, out_degree FROM tokens WHERE bytes = ?
	`, strings.ToUpper(hexBytes))
	var t TokenRecord
	if err := row.Scan(&t.ID, &t.Bytes, &t.Length, &t.Occurrences, &t.InDegree, &t.OutDegree); err != nil {
		if err == sql.ErrNoRows {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, fmt.Errorf("lattice: get token by bytes: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return t, true, nil
}

func (l *SQLiteLattice) GetTokenByID(ctx context.Context, id uint32) (TokenRecord, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, bytes, length, occurrences, in_degree, out_degree FROM tokens WHERE id = ?
	`, id)
	var t TokenRecord
	if err := row.Scan(&t.ID, &t.Bytes, &t.Length, &t.Occurrences, &t.InDegree, &t.OutDegree); err != nil {
		if err == sql.ErrNoRows {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, fmt.Errorf("lattice: get token by id: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	return t, true, nil
}

func (l *SQLiteLattice) Stats(ctx context.Context) (Stats, error) {
	var vocabSize, edgeCount int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&vocabSize); err != nil {
		return Stats{}, fmt.Errorf("lattice: stats vocab size: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&edgeCount); err != nil {
		return Stats{}, fmt.Errorf("lattice: stats edge count: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	rows, err := l.db.QueryContext(ctx, `SELECT in_degree + out_degree FROM tokens`)
	if err != nil {
		return Stats{}, fmt.Errorf("lattice: stats degrees: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	defer rows.Close()

	var degrees []int
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return Stats{}, fmt.Errorf("lattice: scan degree row: %w: %v", lzerrors.ErrStoreReadFailed, err)
		}
		degrees = append(degrees, d)
	}

	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("lattice: iterate degree rows: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	snapRows, err := l.db.QueryContext(ctx, `SELECT at, vocab_size FROM vocab_snapshots ORDER BY id ASC`)
	if err != nil {
		return Stats{}, fmt.Errorf("lattice: stats vocab over time: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}
	defer snapRows.Close()

	var snapshots []VocabSnapshot
	for snapRows.Next() {
		var snap VocabSnapshot
		if err := snapRows.Scan(&snap.At, &snap.VocabSize); err != nil {
			return Stats{}, fmt.Errorf("lattice: scan vocab snapshot row: %w: %v", lzerrors.ErrStoreReadFailed, err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := snapRows.Err(); err != nil {
		return Stats{}, fmt.Errorf("lattice: iterate vocab snapshot rows: %w: %v", lzerrors.ErrStoreReadFailed, err)
	}

	stats := computeStats(vocabSize, edgeCount, degrees)
	stats.VocabOverTime = snapshots
	return stats, nil
}

func (l *SQLiteLattice) ClearCaches() {
	// SQLiteLattice has no read cache of its own; see the LRU decorator in
	// cache.go.
}

func (l *SQLiteLattice) Close() error {
	return l.db.Close()
}
