package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the durable ledger, kept as a sqlite database inside the
// output directory.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) GetStage(ctx context.Context, unitID string, stage Stage) (Record, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT unit_id, stage, status, error, updated_at
		 FROM stages
		 WHERE unit_id = ? AND stage = ?`,
		unitID,
		string(stage),
	)

	var rec Record
	var stageStr, statusStr string
	if err := row.Scan(&rec.UnitID, &stageStr, &statusStr, &rec.Error, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec.Stage = Stage(stageStr)
	rec.Status = Status(statusStr)
	return rec, true, nil
}

func (s *SQLiteStore) PutStage(ctx context.Context, rec Record) error {
	if rec.UnitID == "" {
		return fmt.Errorf("unit id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO stages (unit_id, stage, status, error, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(unit_id, stage) DO UPDATE SET
			status=excluded.status,
			error=excluded.error,
			updated_at=excluded.updated_at`,
		rec.UnitID,
		string(rec.Stage),
		string(rec.Status),
		rec.Error,
		rec.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) GetUnit(ctx context.Context, unitID string) (Unit, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT unit_id, parent_id, local_path, is_bundle, captured_at, latitude, longitude
		 FROM units
		 WHERE unit_id = ?`,
		unitID,
	)
	unit, err := scanUnit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Unit{}, false, nil
		}
		return Unit{}, false, err
	}
	return unit, true, nil
}

func (s *SQLiteStore) PutUnit(ctx context.Context, unit Unit) error {
	if unit.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	var lat, lon sql.NullFloat64
	if unit.Coordinates != nil {
		lat = sql.NullFloat64{Float64: unit.Coordinates.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: unit.Coordinates.Longitude, Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO units (unit_id, parent_id, local_path, is_bundle, captured_at, latitude, longitude)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(unit_id) DO UPDATE SET
			parent_id=excluded.parent_id,
			local_path=excluded.local_path,
			is_bundle=excluded.is_bundle,
			captured_at=excluded.captured_at,
			latitude=excluded.latitude,
			longitude=excluded.longitude`,
		unit.ID,
		unit.ParentID,
		unit.LocalPath,
		boolToInt(unit.Bundle),
		unit.CapturedAt.UTC(),
		lat,
		lon,
	)
	return err
}

func (s *SQLiteStore) ListUnits(ctx context.Context) ([]Unit, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT unit_id, parent_id, local_path, is_bundle, captured_at, latitude, longitude
		 FROM units
		 ORDER BY created_at ASC, unit_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]Unit, 0)
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (id, started_at, finished_at, downloaded, expanded, tagged, failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			finished_at=excluded.finished_at,
			downloaded=excluded.downloaded,
			expanded=excluded.expanded,
			tagged=excluded.tagged,
			failed=excluded.failed`,
		run.ID,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Downloaded,
		run.Expanded,
		run.Tagged,
		run.Failed,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (Unit, error) {
	var unit Unit
	var isBundle int
	var lat, lon sql.NullFloat64
	if err := row.Scan(&unit.ID, &unit.ParentID, &unit.LocalPath, &isBundle, &unit.CapturedAt, &lat, &lon); err != nil {
		return Unit{}, err
	}
	unit.Bundle = isBundle == 1
	if lat.Valid && lon.Valid {
		unit.Coordinates = &manifest.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	unit.CapturedAt = unit.CapturedAt.UTC()
	return unit, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
