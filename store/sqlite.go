package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/crypto"
)

// SQLiteMarkerStore is a MarkerStore backed by SQLite, so redemption
// replay protection survives process restarts. A restarted engine that
// forgot its used-token marks would accept every previously redeemed
// token a second time; durable marks close that window.
//
// The used transition relies on the table's primary key: a second INSERT
// for the same id violates the constraint and reports zero rows
// affected, which makes check-and-mark atomic at the database level.
type SQLiteMarkerStore struct {
	db           *sql.DB
	timeProvider crypto.TimeProvider
}

// NewSQLiteMarkerStore opens (creating if needed) the marker database at
// path. Pass nil for timeProvider to use the wall clock.
func NewSQLiteMarkerStore(path string, timeProvider crypto.TimeProvider) (*SQLiteMarkerStore, error) {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open marker database: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS used_markers (
		id TEXT PRIMARY KEY,
		retain_until INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_used_markers_retain ON used_markers(retain_until);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create marker schema: %w", err)
	}

	return &SQLiteMarkerStore{db: db, timeProvider: timeProvider}, nil
}

// CheckAndMark marks id as used if it was not already. The INSERT OR
// IGNORE either claims the primary key (one row affected, first use) or
// hits the existing row (zero rows, replay).
func (s *SQLiteMarkerStore) CheckAndMark(id string, ttl time.Duration) (bool, error) {
	retainUntil := s.timeProvider.Now().Add(ttl).Unix()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO used_markers (id, retain_until) VALUES (?, ?)`,
		id, retainUntil,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark id used: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}

	if affected == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "CheckAndMark",
			"id":       id,
		}).Warn("Replay detected: id already marked used")
		return false, nil
	}
	return true, nil
}

// IsUsed reports whether id has a marker row.
func (s *SQLiteMarkerStore) IsUsed(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM used_markers WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query marker: %w", err)
	}
	return true, nil
}

// SweepExpired deletes markers whose retention deadline passed.
func (s *SQLiteMarkerStore) SweepExpired(now time.Time) int {
	res, err := s.db.Exec(`DELETE FROM used_markers WHERE retain_until < ?`, now.Unix())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SweepExpired",
			"error":    err.Error(),
		}).Error("Marker sweep failed")
		return 0
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(affected)
}

// Close releases the underlying database handle.
func (s *SQLiteMarkerStore) Close() error {
	return s.db.Close()
}
