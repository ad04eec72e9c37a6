package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/norpie/dynops/internal/odata"
	"github.com/norpie/dynops/internal/queue/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer behind the durable queue
// (spec §4.9, §6 "Persisted queue state storage").
type Store struct {
	db *sql.DB
}

// Open creates or upgrades the SQLite database at path and applies goose
// migrations. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create queue db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run queue migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

func (s *Store) Close() error { return s.db.Close() }

func timeToCol(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func colToTime(v interface{}) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Insert persists a new item with its current status. The item's Result
// is not written; Update is what stores results.
func (s *Store) Insert(ctx context.Context, item *Item) error {
	opsJSON, err := odata.MarshalOperations(item.Operations)
	if err != nil {
		return fmt.Errorf("marshal operations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items
			(id, operations, source, entity_type, description, row_number, environment,
			 status, priority, submitted_at, started_at, finished_at, result, was_interrupted, interrupted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(opsJSON), item.Metadata.Source, item.Metadata.EntityType, item.Metadata.Description,
		item.Metadata.RowNumber, item.Metadata.Environment, string(item.Status), item.Priority,
		timeToCol(&item.SubmittedAt), timeToCol(item.StartedAt), timeToCol(item.FinishedAt),
		nil, boolToInt(item.WasInterrupted), timeToCol(item.InterruptedAt))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Update writes status, priority, timestamps, result, and interruption
// fields through to storage (spec §4.9 Persistence).
func (s *Store) Update(ctx context.Context, item *Item) error {
	var resultCol interface{}
	if item.Result != nil {
		data, err := odata.MarshalResults(item.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultCol = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET
			status = ?, priority = ?, started_at = ?, finished_at = ?,
			result = ?, was_interrupted = ?, interrupted_at = ?
		WHERE id = ?`,
		string(item.Status), item.Priority, timeToCol(item.StartedAt), timeToCol(item.FinishedAt),
		resultCol, boolToInt(item.WasInterrupted), timeToCol(item.InterruptedAt), item.ID)
	return err
}

// Delete removes an item regardless of status.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ?", id)
	return err
}

// DeleteAll removes every item.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM queue_items")
	return err
}

// Get fetches one item by id.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, itemSelectSQL+" WHERE id = ?", id)
	return scanItem(row)
}

// List returns every item, ordered by priority then submission time.
func (s *Store) List(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, itemSelectSQL+" ORDER BY priority ASC, submitted_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// NextEligible returns the Pending item with the smallest priority,
// ties broken by oldest submitted_at, or nil if none exists (spec §4.9
// Selection rule).
func (s *Store) NextEligible(ctx context.Context) (*Item, error) {
	row := s.db.QueryRowContext(ctx, itemSelectSQL+`
		WHERE status = ? ORDER BY priority ASC, submitted_at ASC LIMIT 1`, string(StatusPending))
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

// RunningItems returns every item currently in StatusRunning.
func (s *Store) RunningItems(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, itemSelectSQL+" WHERE status = ?", string(StatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkInterruptedRunning implements cold-start crash recovery: every item
// still Running from a previous process becomes Failed and
// was_interrupted, interrupted_at = now (spec §4.9 Persistence). Returns
// the items that were marked, for a one-shot UI warning.
func (s *Store) MarkInterruptedRunning(ctx context.Context) ([]*Item, error) {
	running, err := s.RunningItems(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, item := range running {
		item.Status = StatusFailed
		item.WasInterrupted = true
		item.InterruptedAt = &now
		if err := s.Update(ctx, item); err != nil {
			return nil, err
		}
	}
	return running, nil
}

// GetSettings reads the single settings row.
func (s *Store) GetSettings(ctx context.Context) (*Settings, error) {
	row := s.db.QueryRowContext(ctx, "SELECT max_concurrent, filter, sort_mode FROM queue_settings WHERE id = 1")
	var set Settings
	if err := row.Scan(&set.MaxConcurrent, &set.Filter, &set.SortMode); err != nil {
		return nil, err
	}
	return &set, nil
}

// SaveSettings writes max_concurrent, filter, sort_mode. auto_play has no
// column and is never part of this struct (spec §4.9).
func (s *Store) SaveSettings(ctx context.Context, set Settings) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE queue_settings SET max_concurrent = ?, filter = ?, sort_mode = ? WHERE id = 1",
		set.MaxConcurrent, set.Filter, set.SortMode)
	return err
}

const itemSelectSQL = `
	SELECT id, operations, source, entity_type, description, row_number, environment,
	       status, priority, submitted_at, started_at, finished_at, result, was_interrupted, interrupted_at
	FROM queue_items`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		id, opsJSON, source, entityType, description, environment, status string
		rowNumber                                                         sql.NullInt64
		priority                                                          int
		submittedAt                                                       string
		startedAt, finishedAt, resultJSON, interruptedAt                  sql.NullString
		wasInterrupted                                                    int
	)
	if err := row.Scan(&id, &opsJSON, &source, &entityType, &description, &rowNumber, &environment,
		&status, &priority, &submittedAt, &startedAt, &finishedAt, &resultJSON, &wasInterrupted, &interruptedAt); err != nil {
		return nil, err
	}

	ops, err := odata.UnmarshalOperations([]byte(opsJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal operations for item %s: %w", id, err)
	}
	submitted, err := time.Parse(time.RFC3339Nano, submittedAt)
	if err != nil {
		return nil, fmt.Errorf("parse submitted_at for item %s: %w", id, err)
	}

	item := &Item{
		ID:         id,
		Operations: ops,
		Metadata: Metadata{
			Source:      source,
			EntityType:  entityType,
			Description: description,
			Environment: environment,
		},
		Status:         Status(status),
		Priority:       clampPriority(priority),
		SubmittedAt:    submitted,
		WasInterrupted: wasInterrupted != 0,
	}
	if rowNumber.Valid {
		n := int(rowNumber.Int64)
		item.Metadata.RowNumber = &n
	}
	if startedAt.Valid {
		item.StartedAt, err = colToTime(startedAt.String)
		if err != nil {
			return nil, err
		}
	}
	if finishedAt.Valid {
		item.FinishedAt, err = colToTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
	}
	if interruptedAt.Valid {
		item.InterruptedAt, err = colToTime(interruptedAt.String)
		if err != nil {
			return nil, err
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		results, err := odata.UnmarshalResults([]byte(resultJSON.String))
		if err != nil {
			return nil, fmt.Errorf("unmarshal result for item %s: %w", id, err)
		}
		item.Result = results
	}
	return item, nil
}
