// Package queue is the durable on-device queue of position fixes awaiting
// upload acknowledgment, backed by sqlite.
package queue

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/overland-data/tripline/internal/trip"
)

// Store wraps the sqlite handle holding queued fixes. It satisfies
// trip.Store.
type Store struct {
	*sql.DB
	path string
}

// Open opens (or creates) the queue database at path and ensures the base
// schema exists. Schema evolution beyond the base tables is handled by
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS queued_fixes (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id         TEXT,
			lat               DOUBLE NOT NULL,
			lon               DOUBLE NOT NULL,
			accuracy_m        DOUBLE,
			altitude_m        DOUBLE,
			speed_mps         DOUBLE,
			bearing_deg       DOUBLE,
			fix_timestamp_ms  BIGINT NOT NULL,
			sent              INTEGER NOT NULL DEFAULT 0,
			queued_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_queued_fixes_unsent
			ON queued_fixes (sent, id);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{DB: db, path: path}, nil
}

// OpenRaw opens the database without schema initialization, for use by the
// migrate subcommand where migrations manage the schema.
func OpenRaw(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db, path: path}, nil
}

// Save persists one fix and returns its queue identifier. Identifiers are
// assigned monotonically by sqlite.
func (s *Store) Save(fix trip.PositionFix) (int64, error) {
	res, err := s.Exec(
		`INSERT INTO queued_fixes (
			device_id, lat, lon, accuracy_m, altitude_m, speed_mps,
			bearing_deg, fix_timestamp_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fix.DeviceID, fix.Lat, fix.Lon, fix.AccuracyM,
		optFloat(fix.AltitudeM), optFloat(fix.SpeedMps), optFloat(fix.BearingDeg),
		fix.TimestampMS,
	)
	if err != nil {
		return 0, fmt.Errorf("insert queued fix: %w", err)
	}
	return res.LastInsertId()
}

// ListUnsent returns all fixes not yet acknowledged, in id order.
func (s *Store) ListUnsent() ([]trip.QueuedFix, error) {
	rows, err := s.Query(
		`SELECT id, device_id, lat, lon, accuracy_m, altitude_m, speed_mps,
			bearing_deg, fix_timestamp_ms, sent
		FROM queued_fixes WHERE sent = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queued []trip.QueuedFix
	for rows.Next() {
		var (
			q                        trip.QueuedFix
			deviceID                 sql.NullString
			accuracy                 sql.NullFloat64
			altitude, speed, bearing sql.NullFloat64
		)
		if err := rows.Scan(
			&q.ID, &deviceID, &q.Fix.Lat, &q.Fix.Lon, &accuracy,
			&altitude, &speed, &bearing, &q.Fix.TimestampMS, &q.Sent,
		); err != nil {
			return nil, err
		}
		q.Fix.DeviceID = deviceID.String
		if accuracy.Valid {
			q.Fix.AccuracyM = accuracy.Float64
		}
		q.Fix.AltitudeM = nullFloat(altitude)
		q.Fix.SpeedMps = nullFloat(speed)
		q.Fix.BearingDeg = nullFloat(bearing)
		queued = append(queued, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return queued, nil
}

// DeleteByIDs removes exactly the given identifiers in one transaction.
// Never a blind delete-all: only acknowledged ids reach this method.
func (s *Store) DeleteByIDs(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			// ErrTxDone means the transaction was already committed.
			return
		}
	}()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.Exec(
		`DELETE FROM queued_fixes WHERE id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("delete queued fixes: %w", err)
	}

	return tx.Commit()
}

// CountUnsent returns the current backlog depth.
func (s *Store) CountUnsent() (int64, error) {
	var n int64
	err := s.QueryRow(`SELECT COUNT(*) FROM queued_fixes WHERE sent = 0`).Scan(&n)
	return n, err
}

// BacklogBucket is one hour of unsent fixes, keyed by the hour the fix was
// recorded (not the hour it was queued).
type BacklogBucket struct {
	HourMS int64
	Count  int64
}

// BacklogByHour returns unsent counts bucketed by fix hour, oldest first.
func (s *Store) BacklogByHour() ([]BacklogBucket, error) {
	rows, err := s.Query(
		`SELECT (fix_timestamp_ms / 3600000) * 3600000 AS hour_ms, COUNT(*)
		FROM queued_fixes WHERE sent = 0
		GROUP BY hour_ms ORDER BY hour_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []BacklogBucket
	for rows.Next() {
		var b BacklogBucket
		if err := rows.Scan(&b.HourMS, &b.Count); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func optFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
