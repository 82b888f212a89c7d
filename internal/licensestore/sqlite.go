package licensestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists license records in SQLite using the cgo-free modernc
// driver.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS licenses (
	id          TEXT PRIMARY KEY,
	key         TEXT NOT NULL UNIQUE,
	plan_code   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	expires_at  TIMESTAMP NOT NULL,
	max_users   INTEGER NOT NULL DEFAULT 0,
	max_devices INTEGER NOT NULL DEFAULT 0,
	features    TEXT NOT NULL DEFAULT '{}',
	updated_at  TIMESTAMP NOT NULL
);`

// NewSQLiteStore opens (creating if needed) the license database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open license database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) scanRecord(row *sql.Row) (*Record, error) {
	var rec Record
	var features string
	err := row.Scan(&rec.ID, &rec.Key, &rec.PlanCode, &rec.Status, &rec.ExpiresAt,
		&rec.MaxUsers, &rec.MaxDevices, &features, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan license record: %w", err)
	}
	if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	return &rec, nil
}

const selectColumns = "id, key, plan_code, status, expires_at, max_users, max_devices, features, updated_at"

// Get returns the record with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM licenses WHERE id = ?", id)
	return s.scanRecord(row)
}

// GetByKey returns the record with the given license key.
func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM licenses WHERE key = ?", key)
	return s.scanRecord(row)
}

// Put inserts or replaces a record.
func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("failed to encode features: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO licenses (id, key, plan_code, status, expires_at, max_users, max_devices, features, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			key = excluded.key, plan_code = excluded.plan_code, status = excluded.status,
			expires_at = excluded.expires_at, max_users = excluded.max_users,
			max_devices = excluded.max_devices, features = excluded.features,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Key, rec.PlanCode, rec.Status, rec.ExpiresAt,
		rec.MaxUsers, rec.MaxDevices, string(features), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store license record: %w", err)
	}
	return nil
}

// SetStatus updates only the status of a record.
func (s *SQLiteStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update license status: %w", err)
	}
	return requireRow(res)
}

// SetExpiry updates only the expiry of a record.
func (s *SQLiteStore) SetExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE licenses SET expires_at = ?, updated_at = ? WHERE id = ?",
		expiresAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update license expiry: %w", err)
	}
	return requireRow(res)
}

// List returns all records.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM licenses")
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var features string
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.PlanCode, &rec.Status, &rec.ExpiresAt,
			&rec.MaxUsers, &rec.MaxDevices, &features, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan license record: %w", err)
		}
		if err := json.Unmarshal([]byte(features), &rec.Features); err != nil {
			return nil, fmt.Errorf("failed to decode features: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
