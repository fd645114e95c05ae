// Package store implements a local SQLite reading store for sensors that
// publish directly to this service.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/insert-reading.sql
var insertReadingSQL string

//go:embed sql/query-readings.sql
var queryReadingsSQL string

// Timestamps are stored as fixed-width UTC text so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// ErrInvalidReading is returned by InsertReading for readings without a location or timestamp.
var ErrInvalidReading = errors.New("invalid reading")

// SQLiteStore implements client.ReadingStore on a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
// path may be ":memory:" for an ephemeral store.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// Each :memory: connection is a separate database; one writer also avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func buildDSN(path string) (string, error) {
	if path == "" || path == ":memory:" {
		return ":memory:", nil
	}
	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertReading stores r, replacing any earlier reading for the same location and timestamp.
func (s *SQLiteStore) InsertReading(ctx context.Context, r models.Reading) error {
	if strings.TrimSpace(r.Location) == "" || r.Timestamp.IsZero() {
		return ErrInvalidReading
	}
	_, err := s.db.ExecContext(ctx, insertReadingSQL,
		strings.ToLower(r.Location),
		r.Timestamp.UTC().Format(tsLayout),
		nullable(r.PM25),
		nullable(r.PM10),
		nullable(r.Humidity),
		nullable(r.Temperature),
		nullable(r.Oxygen),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// QueryReadings returns the location's readings in [start, end), ordered by timestamp.
func (s *SQLiteStore) QueryReadings(ctx context.Context, location string, start, end time.Time) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, queryReadingsSQL,
		strings.ToLower(location),
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("close readings rows", zap.Error(err))
		}
	}()

	var out []models.Reading
	for rows.Next() {
		var (
			r                             models.Reading
			ts                            string
			pm25, pm10, hum, temp, oxygen sql.NullFloat64
		)
		if err := rows.Scan(&r.Location, &ts, &pm25, &pm10, &hum, &temp, &oxygen); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		r.Timestamp = t
		r.PM25 = fromNull(pm25)
		r.PM10 = fromNull(pm10)
		r.Humidity = fromNull(hum)
		r.Temperature = fromNull(temp)
		r.Oxygen = fromNull(oxygen)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v *float64) interface{} {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	return *v
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return models.Float(v.Float64)
}
