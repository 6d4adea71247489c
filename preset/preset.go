// Package preset stores named yaw/pitch positions in SQLite.
package preset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("preset not found")

// Preset is a named pair of positions in raw units.
type Preset struct {
	Name      string    `json:"name"`
	Yaw       int32     `json:"yaw"`
	Pitch     int32     `json:"pitch"`
	CreatedAt time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS presets (
	name       TEXT PRIMARY KEY,
	yaw        INTEGER NOT NULL,
	pitch      INTEGER NOT NULL,
	created_at INTEGER NOT NULL
)`

type Store struct {
	db *sql.DB
}

// Open opens or creates the preset database at path. ":memory:" gives a
// private in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialising %s: %w", path, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save creates or replaces a preset.
func (s *Store) Save(ctx context.Context, p Preset) error {
	if p.Name == "" {
		return errors.New("preset name is empty")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presets (name, yaw, pitch, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET yaw = excluded.yaw, pitch = excluded.pitch, created_at = excluded.created_at`,
		p.Name, p.Yaw, p.Pitch, p.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving preset %q: %w", p.Name, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (Preset, error) {
	var p Preset
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, yaw, pitch, created_at FROM presets WHERE name = ?`, name,
	).Scan(&p.Name, &p.Yaw, &p.Pitch, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Preset{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return Preset{}, fmt.Errorf("loading preset %q: %w", name, err)
	}
	p.CreatedAt = time.UnixMilli(created)
	return p, nil
}

// List returns all presets ordered by name.
func (s *Store) List(ctx context.Context) ([]Preset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, yaw, pitch, created_at FROM presets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing presets: %w", err)
	}
	defer rows.Close()

	var presets []Preset
	for rows.Next() {
		var p Preset
		var created int64
		if err := rows.Scan(&p.Name, &p.Yaw, &p.Pitch, &created); err != nil {
			return nil, fmt.Errorf("scanning preset: %w", err)
		}
		p.CreatedAt = time.UnixMilli(created)
		presets = append(presets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing presets: %w", err)
	}
	return presets, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM presets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting preset %q: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}
