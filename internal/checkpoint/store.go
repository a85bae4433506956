// Package checkpoint persists trainer snapshots in a sqlite database.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sync-trainer/internal/observability"
	"sync-trainer/internal/trainer"
)

// DefaultKeep is how many checkpoints Prune leaves behind
const DefaultKeep = 5

// Record is one stored checkpoint
type Record struct {
	ID          int64
	UpdateCount int
	Weights     []byte
	CreatedAt   time.Time
}

// Snapshotter is implemented by *trainer.Trainer
type Snapshotter interface {
	Snapshot() (trainer.Snapshot, error)
	Restore(s trainer.Snapshot) error
}

// Store is a sqlite-backed checkpoint table
type Store struct {
	db   *sql.DB
	path string
	keep int
}

// Open creates or opens the database at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)

	if err := configureDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, keep: DefaultKeep}, nil
}

func configureDatabase(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		update_count INTEGER NOT NULL,
		weights      BLOB NOT NULL,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_update ON checkpoints(update_count);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	return nil
}

// SetKeep changes how many checkpoints Save retains. n < 1 keeps all.
func (s *Store) SetKeep(n int) { s.keep = n }

// Save stores a snapshot and prunes old rows
func (s *Store) Save(ctx context.Context, snap trainer.Snapshot) (Record, error) {
	rec := Record{
		UpdateCount: snap.UpdateCount,
		Weights:     snap.Weights,
		CreatedAt:   time.Now(),
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoints (update_count, weights, created_at) VALUES (?, ?, ?)",
		rec.UpdateCount, rec.Weights, rec.CreatedAt.UnixMilli())
	if err != nil {
		return Record{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return Record{}, fmt.Errorf("insert checkpoint: %w", err)
	}

	if s.keep > 0 {
		if _, err := s.Prune(ctx, s.keep); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Latest returns the newest checkpoint. ok is false for an empty store.
func (s *Store) Latest(ctx context.Context) (rec Record, ok bool, err error) {
	var createdMs int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id, update_count, weights, created_at FROM checkpoints ORDER BY id DESC LIMIT 1").
		Scan(&rec.ID, &rec.UpdateCount, &rec.Weights, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("query latest checkpoint: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	return rec, true, nil
}

// Count returns the number of stored checkpoints
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&n); err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}

// Prune deletes all but the newest keep checkpoints
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE id NOT IN (SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?)", keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// SaveFrom snapshots src and stores it
func (s *Store) SaveFrom(ctx context.Context, src Snapshotter) (Record, error) {
	snap, err := src.Snapshot()
	if err == nil {
		var rec Record
		rec, err = s.Save(ctx, snap)
		if err == nil {
			observability.RecordCheckpoint(nil)
			log.Printf("💾 Checkpoint saved at update %d (%d bytes)", rec.UpdateCount, len(rec.Weights))
			return rec, nil
		}
	}
	observability.RecordCheckpoint(err)
	return Record{}, err
}

// RestoreInto loads the newest checkpoint into dst. It reports false when
// there is nothing to restore.
func (s *Store) RestoreInto(ctx context.Context, dst Snapshotter) (bool, error) {
	rec, ok, err := s.Latest(ctx)
	if err != nil || !ok {
		return false, err
	}
	if err := dst.Restore(trainer.Snapshot{UpdateCount: rec.UpdateCount, Weights: rec.Weights}); err != nil {
		return false, err
	}
	log.Printf("💾 Resumed from checkpoint %d (update %d, saved %s)", rec.ID, rec.UpdateCount, rec.CreatedAt.Format(time.RFC3339))
	return true, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
