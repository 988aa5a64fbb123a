// Package store wraps SQLite access for the health log and the durable
// enrichment-task snapshot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry statuses. A food entry starts as processing until its macros arrive.
const (
	EntryProcessing = "processing"
	EntryDone       = "done"
	EntryFailed     = "failed"
)

// Entry types.
const (
	TypeWater       = "water"
	TypeFood        = "food"
	TypeSymptom     = "symptom"
	TypeVitamin     = "vitamin"
	TypeVitaminPlan = "vitamin_plan"
)

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("entry not found")

// Entry is one record in the health log.
type Entry struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Item     string  `json:"item"`
	Amount   string  `json:"amount"`
	Unit     string  `json:"unit"`
	Severity string  `json:"severity"`
	Notes    string  `json:"notes"`
	Calories float64 `json:"calories"`
	ProteinG float64 `json:"protein_g"`
	CarbsG   float64 `json:"carbs_g"`
	FatG     float64 `json:"fat_g"`
	Status   string  `json:"status"`
	Source   string  `json:"source"`

	LoggedAt  time.Time `json:"logged_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryPatch is a partial update. Nil fields are left untouched so the
// executor and the task queue can both patch the same entry without
// clobbering each other.
type EntryPatch struct {
	Status   *string
	Notes    *string
	Calories *float64
	ProteinG *float64
	CarbsG   *float64
	FatG     *float64
}

// Store wraps SQLite access.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS log_entries (
            id TEXT PRIMARY KEY,
            entry_type TEXT NOT NULL,
            item TEXT,
            amount TEXT,
            unit TEXT,
            severity TEXT,
            notes TEXT,
            calories REAL DEFAULT 0,
            protein_g REAL DEFAULT 0,
            carbs_g REAL DEFAULT 0,
            fat_g REAL DEFAULT 0,
            status TEXT NOT NULL,
            source TEXT,
            logged_at TIMESTAMP,
            created_at TIMESTAMP,
            updated_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_entries_logged ON log_entries(logged_at);`,
		`CREATE TABLE IF NOT EXISTS kv (
            key TEXT PRIMARY KEY,
            value TEXT,
            updated_at TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendEntry inserts a new log entry.
func (s *Store) AppendEntry(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO log_entries
        (id, entry_type, item, amount, unit, severity, notes, calories, protein_g, carbs_g, fat_g, status, source, logged_at, created_at, updated_at)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, e.Item, e.Amount, e.Unit, e.Severity, e.Notes,
		e.Calories, e.ProteinG, e.CarbsG, e.FatG, e.Status, e.Source,
		e.LoggedAt, e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEntry applies a partial update to one entry by id.
func (s *Store) UpdateEntry(ctx context.Context, id string, patch EntryPatch, ts time.Time) error {
	sets := []string{"updated_at=?"}
	args := []interface{}{ts}
	if patch.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *patch.Status)
	}
	if patch.Notes != nil {
		sets = append(sets, "notes=?")
		args = append(args, *patch.Notes)
	}
	if patch.Calories != nil {
		sets = append(sets, "calories=?")
		args = append(args, *patch.Calories)
	}
	if patch.ProteinG != nil {
		sets = append(sets, "protein_g=?")
		args = append(args, *patch.ProteinG)
	}
	if patch.CarbsG != nil {
		sets = append(sets, "carbs_g=?")
		args = append(args, *patch.CarbsG)
	}
	if patch.FatG != nil {
		sets = append(sets, "fat_g=?")
		args = append(args, *patch.FatG)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE log_entries SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const entryColumns = `id, entry_type, item, amount, unit, severity, notes, calories, protein_g, carbs_g, fat_g, status, source, logged_at, created_at, updated_at`

func scanEntry(scan func(...any) error) (*Entry, error) {
	var e Entry
	err := scan(&e.ID, &e.Type, &e.Item, &e.Amount, &e.Unit, &e.Severity, &e.Notes,
		&e.Calories, &e.ProteinG, &e.CarbsG, &e.FatG, &e.Status, &e.Source,
		&e.LoggedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindEntry returns one entry by id, or ErrNotFound.
func (s *Store) FindEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM log_entries WHERE id=?`, id)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListEntries returns the most recent entries.
func (s *Store) ListEntries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM log_entries ORDER BY logged_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// SaveTaskSnapshot rewrites the whole serialized task list under one key.
func (s *Store) SaveTaskSnapshot(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv(key, value, updated_at) VALUES(?,?,?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, string(data), time.Now().UTC())
	return err
}

// LoadTaskSnapshot returns the serialized task list, or nil when absent.
func (s *Store) LoadTaskSnapshot(ctx context.Context, key string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key)
	var value string
	switch err := row.Scan(&value); {
	case err == nil:
		return []byte(value), nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, err
	}
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
