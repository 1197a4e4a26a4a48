// Package eventindex is a sqlite secondary index over finalized event
// packages, used only to make GET /events listing fast without scanning
// the events directory tree on every request. The filesystem package
// (incident.json + result.json + clip) remains the source of truth: the
// index is rebuilt from disk at startup and every row is written only
// after the corresponding package write has already landed, so a crash
// between the two never produces a row the filesystem can't back up.
package eventindex

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/pkgwriter"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Index wraps a sqlite connection tuned for a single writer / many
// readers workload, matching the WAL-mode pragma set the teacher's
// database package used for its recording catalog.
type Index struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Config configures where the index database file lives.
type Config struct {
	Path string
}

// Open opens (creating if necessary) the sqlite index and applies any
// pending migrations.
func Open(cfg Config, logger *slog.Logger) (*Index, error) {
	logger = logger.With("component", "eventindex")

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open index db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping index db: %w", err)
	}

	idx := &Index{db: db, path: cfg.Path, logger: logger}
	if err := idx.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error { return idx.db.Close() }

func (idx *Index) migrate(ctx context.Context) error {
	if _, err := idx.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied := map[int]struct{}{}
	rows, err := idx.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = struct{}{}
	}
	rows.Close()

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		version, name, ok := parseMigrationName(e.Name())
		if !ok {
			continue
		}
		if _, done := applied[version]; done {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile(filepath.Join("migrations", e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		tx, err := idx.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", version, name, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", version, name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		idx.logger.Info("applied migration", "version", version, "name", name)
	}
	return nil
}

func parseMigrationName(filename string) (version int, name string, ok bool) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	v, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return v, parts[1], true
}

// Upsert writes or replaces the index row for inc, keyed by event id.
// done is derived from pkgDir's DONE marker rather than threaded through
// the call site, since it's a cheap stat and every caller already knows
// pkgDir; has_result is likewise derived, but lazily at List time since
// it can still change after Upsert runs (the analysis worker writes
// result.json after the incident row is first indexed).
func (idx *Index) Upsert(ctx context.Context, inc models.Incident, pkgDir, bucket string) error {
	var complete sql.NullInt64
	if inc.Routing.Complete != nil {
		v := int64(0)
		if *inc.Routing.Complete {
			v = 1
		}
		complete = sql.NullInt64{Int64: v, Valid: true}
	}
	done := pkgwriter.Exists(filepath.Join(pkgDir, "DONE"))

	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO events (event_id, camera_id, started_at, ended_at, route_mode, route_reason,
			threat_score, quality_score, complete, needs_cloud, bucket, done, pkg_dir, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			camera_id=excluded.camera_id, started_at=excluded.started_at, ended_at=excluded.ended_at,
			route_mode=excluded.route_mode, route_reason=excluded.route_reason,
			threat_score=excluded.threat_score, quality_score=excluded.quality_score,
			complete=excluded.complete, needs_cloud=excluded.needs_cloud,
			bucket=excluded.bucket, done=excluded.done,
			pkg_dir=excluded.pkg_dir, updated_at=excluded.updated_at
	`,
		inc.IncidentID, inc.CameraID, inc.StartedAt.Unix(), inc.EndedAt.Unix(),
		inc.RouteMode, inc.RouteReason, inc.Scores.ThreatScore, inc.Scores.QualityScore,
		complete, inc.Routing.CloudNeeded, bucket, done, pkgDir, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", inc.IncidentID, err)
	}
	return nil
}

// List returns the most recent events, newest first, capped at limit.
func (idx *Index) List(ctx context.Context, limit int) ([]models.PackageSummary, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT event_id, started_at, ended_at, route_mode, route_reason, complete, needs_cloud, threat_score, bucket, done, pkg_dir
		FROM events ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []models.PackageSummary
	for rows.Next() {
		var (
			s          models.PackageSummary
			started    int64
			ended      int64
			complete   sql.NullInt64
			needsCloud int64
			done       int64
			pkgDir     string
		)
		if err := rows.Scan(&s.EventID, &started, &ended, &s.RouteMode, &s.RouteReason, &complete, &needsCloud, &s.ThreatScore, &s.Bucket, &done, &pkgDir); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		s.EndedAt = time.Unix(ended, 0).UTC()
		s.NeedsCloud = needsCloud != 0
		s.Done = done != 0
		s.HasResult = pkgwriter.Exists(filepath.Join(pkgDir, "result.json"))
		if complete.Valid {
			b := complete.Int64 != 0
			s.Complete = &b
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RebuildFromDisk clears this bucket's rows and repopulates them by scanning
// eventsDir (final/ or uploaded/) for incident.json files, restoring the
// index after an unclean shutdown without trusting any stale sqlite state.
// Callers rebuild once per bucket; bucket is stamped onto every row found.
func (idx *Index) RebuildFromDisk(ctx context.Context, eventsDir, bucket string) (int, error) {
	if _, err := idx.db.ExecContext(ctx, "DELETE FROM events WHERE bucket = ?", bucket); err != nil {
		return 0, fmt.Errorf("failed to clear index for bucket %s: %w", bucket, err)
	}

	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read events directory: %w", err)
	}

	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgDir := filepath.Join(eventsDir, e.Name())
		incidentPath := filepath.Join(pkgDir, "incident.json")
		if !pkgwriter.Exists(incidentPath) {
			continue
		}
		var inc models.Incident
		if err := pkgwriter.ReadJSON(incidentPath, &inc); err != nil {
			idx.logger.Warn("skipping unreadable incident during rebuild", "dir", e.Name(), "error", err)
			continue
		}
		if err := idx.Upsert(ctx, inc, pkgDir, bucket); err != nil {
			idx.logger.Warn("skipping failed upsert during rebuild", "dir", e.Name(), "error", err)
			continue
		}
		count++
	}

	idx.logger.Info("rebuilt event index from disk", "bucket", bucket, "events", count)
	return count, nil
}
