// Package store provides SQLite-backed statistics of publish attempts. It
// records what was attempted per cycle, never log bodies.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/setevik/logpublisher/internal/publish"
)

// DB wraps an SQLite connection for delivery statistics.
type DB struct {
	db *sql.DB
}

// Delivery is one stored publish attempt.
type Delivery struct {
	ID         string
	CycleID    string
	InstanceID string
	Timestamp  time.Time
	Topic      string
	Origin     string
	Messages   int
	Bytes      int
	Error      string
}

// Open opens or creates an SQLite database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Insert stores a delivery. A missing ID is generated.
func (d *DB) Insert(dl *Delivery) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}

	_, err := d.db.Exec(`
		INSERT INTO deliveries (id, cycle_id, instance_id, timestamp, topic, origin, messages, bytes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID,
		dl.CycleID,
		dl.InstanceID,
		dl.Timestamp.UTC().Format(time.RFC3339Nano),
		dl.Topic,
		dl.Origin,
		dl.Messages,
		dl.Bytes,
		dl.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// QueryFilter controls which deliveries are returned by Query.
type QueryFilter struct {
	Since      time.Time
	Until      time.Time
	Topic      string
	InstanceID string
	Limit      int
}

// Query returns deliveries matching the filter, newest first.
func (d *DB) Query(f QueryFilter) ([]*Delivery, error) {
	query := `SELECT id, cycle_id, instance_id, timestamp, topic, origin, messages, bytes, error
		FROM deliveries WHERE 1=1`
	var args []interface{}

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Topic != "" {
		query += " AND topic = ?"
		args = append(args, f.Topic)
	}
	if f.InstanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, f.InstanceID)
	}

	query += " ORDER BY timestamp DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		dl, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// TopicTotal aggregates deliveries for one topic.
type TopicTotal struct {
	Topic      string
	Deliveries int64
	Failures   int64
	Messages   int64
	Bytes      int64
	Last       time.Time
}

// Totals returns per-topic aggregates since the given time, busiest first.
func (d *DB) Totals(since time.Time) ([]TopicTotal, error) {
	rows, err := d.db.Query(`
		SELECT topic,
			COUNT(*),
			SUM(CASE WHEN error != '' THEN 1 ELSE 0 END),
			SUM(messages),
			SUM(bytes),
			MAX(timestamp)
		FROM deliveries
		WHERE timestamp >= ?
		GROUP BY topic
		ORDER BY SUM(messages) DESC, topic`,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("querying totals: %w", err)
	}
	defer rows.Close()

	var out []TopicTotal
	for rows.Next() {
		var t TopicTotal
		var last string
		if err := rows.Scan(&t.Topic, &t.Deliveries, &t.Failures, &t.Messages, &t.Bytes, &last); err != nil {
			return nil, fmt.Errorf("scanning totals row: %w", err)
		}
		t.Last, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Purge deletes deliveries older than the given retention duration.
func (d *DB) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	result, err := d.db.Exec(`DELETE FROM deliveries WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old deliveries: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the number of stored deliveries.
func (d *DB) Count() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting deliveries: %w", err)
	}
	return n, nil
}

func scanDelivery(rows *sql.Rows) (*Delivery, error) {
	var dl Delivery
	var tsStr string
	var origin, errStr sql.NullString

	err := rows.Scan(
		&dl.ID,
		&dl.CycleID,
		&dl.InstanceID,
		&tsStr,
		&dl.Topic,
		&origin,
		&dl.Messages,
		&dl.Bytes,
		&errStr,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning delivery row: %w", err)
	}

	dl.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
	dl.Origin = origin.String
	dl.Error = errStr.String
	return &dl, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id          TEXT PRIMARY KEY,
			cycle_id    TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			topic       TEXT NOT NULL,
			origin      TEXT,
			messages    INTEGER NOT NULL,
			bytes       INTEGER NOT NULL,
			error       TEXT DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_ts ON deliveries(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_topic ON deliveries(topic, timestamp)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("database schema up to date")
	return nil
}

// Recorder stores router deliveries for one instance.
type Recorder struct {
	db         *DB
	instanceID string
}

// NewRecorder returns a publish.Recorder backed by db.
func NewRecorder(db *DB, instanceID string) *Recorder {
	return &Recorder{db: db, instanceID: instanceID}
}

var _ publish.Recorder = (*Recorder)(nil)

func (r *Recorder) Record(d publish.Delivery) error {
	dl := &Delivery{
		CycleID:    d.CycleID,
		InstanceID: r.instanceID,
		Timestamp:  d.Time,
		Topic:      d.Topic,
		Origin:     d.Origin,
		Messages:   d.Messages,
		Bytes:      d.Bytes,
	}
	if d.Err != nil {
		dl.Error = d.Err.Error()
	}
	return r.db.Insert(dl)
}
