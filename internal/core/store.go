package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is a SQLite journal of batch operations. It records what commands
// did and is never consulted for fleet membership.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// BatchRecord is one journaled batch.
type BatchRecord struct {
	ID         string
	Op         string
	Args       string
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  int
	Failed     int
}

// OutcomeRecord is one host's result within a batch.
type OutcomeRecord struct {
	Host      string
	DropletID int64
	OK        bool
	Detail    string
}

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// BeginBatch opens a batch and returns its id.
func (s *Store) BeginBatch(ctx context.Context, op string, args []string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, op, args, started_at) VALUES (?, ?, ?, ?)`,
		id, op, strings.Join(args, " "), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("begin batch: %w", err)
	}
	return id, nil
}

// FinishBatch stores the per-host outcomes and closes the batch.
func (s *Store) FinishBatch(ctx context.Context, id string, outcomes []OutcomeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var ok, failed int
	for _, o := range outcomes {
		if o.OK {
			ok++
		} else {
			failed++
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outcomes (batch_id, host, droplet_id, ok, detail, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, o.Host, o.DropletID, o.OK, o.Detail, now); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE batches SET finished_at = ?, succeeded = ?, failed = ? WHERE id = ?`,
		now, ok, failed, id)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish batch: unknown batch %s", id)
	}
	return tx.Commit()
}

// RecentBatches lists the newest batches first.
func (s *Store) RecentBatches(ctx context.Context, limit int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, op, args, started_at, COALESCE(finished_at, 0), succeeded, failed
		 FROM batches ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		var b BatchRecord
		var started, finished int64
		if err := rows.Scan(&b.ID, &b.Op, &b.Args, &started, &finished, &b.Succeeded, &b.Failed); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.StartedAt = time.UnixMilli(started)
		if finished > 0 {
			b.FinishedAt = time.UnixMilli(finished)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Outcomes lists the host results of one batch.
func (s *Store) Outcomes(ctx context.Context, batchID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, droplet_id, ok, detail FROM outcomes WHERE batch_id = ? ORDER BY host`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		if err := rows.Scan(&o.Host, &o.DropletID, &o.OK, &o.Detail); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
