package results

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/playtrack/backend/internal/session"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schemas = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS game_results (
		   id               INTEGER PRIMARY KEY AUTOINCREMENT,
		   child_id         INTEGER NOT NULL,
		   activity_id      INTEGER NOT NULL,
		   game_type        TEXT    NOT NULL DEFAULT '',
		   success_level    INTEGER NOT NULL,
		   duration_minutes REAL    NOT NULL,
		   notes            TEXT    NOT NULL DEFAULT '',
		   completed_at     INTEGER NOT NULL
		 )`,
		`CREATE INDEX IF NOT EXISTS game_results_child ON game_results (child_id, completed_at)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS game_results (
		   id               BIGSERIAL PRIMARY KEY,
		   child_id         BIGINT           NOT NULL,
		   activity_id      BIGINT           NOT NULL,
		   game_type        TEXT             NOT NULL DEFAULT '',
		   success_level    INTEGER          NOT NULL,
		   duration_minutes DOUBLE PRECISION NOT NULL,
		   notes            TEXT             NOT NULL DEFAULT '',
		   completed_at     BIGINT           NOT NULL
		 )`,
		`CREATE INDEX IF NOT EXISTS game_results_child ON game_results (child_id, completed_at)`,
	},
}

// Store persists results in SQLite or Postgres.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects with driver ("sqlite" or "postgres") and creates the schema.
// For sqlite the dsn is a file path.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("unsupported results driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("results dsn is required")
	}
	if driver == DriverSQLite && dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn = filepath.Clean(dsn) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	s := &Store{db: db, driver: driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemas[s.driver] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create results schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Record validates and stores r. A zero CompletedAt is set to now.
func (s *Store) Record(ctx context.Context, r Result) (Result, error) {
	r.normalize()
	if err := r.validate(); err != nil {
		return Result{}, err
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = s.now()
	}
	r.CompletedAt = r.CompletedAt.UTC().Truncate(time.Millisecond)

	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO game_results
		   (child_id, activity_id, game_type, success_level, duration_minutes, notes, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		r.ChildID,
		r.ActivityID,
		string(r.GameType),
		r.SuccessLevel,
		r.DurationMinutes,
		r.Notes,
		r.CompletedAt.UnixMilli(),
	).Scan(&r.ID)
	if err != nil {
		return Result{}, fmt.Errorf("insert result: %w", err)
	}
	return r, nil
}

// Recent returns up to limit results for childID, newest first.
func (s *Store) Recent(ctx context.Context, childID int64, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, child_id, activity_id, game_type, success_level, duration_minutes, notes, completed_at
		   FROM game_results
		  WHERE child_id = ?
		  ORDER BY completed_at DESC, id DESC
		  LIMIT ?`), childID, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := []Result{}
	for rows.Next() {
		var (
			r         Result
			gameType  string
			completed int64
		)
		if err := rows.Scan(&r.ID, &r.ChildID, &r.ActivityID, &gameType, &r.SuccessLevel, &r.DurationMinutes, &r.Notes, &completed); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.GameType = session.GameType(gameType)
		r.CompletedAt = time.UnixMilli(completed).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChildStats aggregates every result recorded for childID by activity.
func (s *Store) ChildStats(ctx context.Context, childID int64) (ChildStats, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT activity_id,
		        MAX(game_type),
		        COUNT(*),
		        CAST(AVG(success_level) AS DOUBLE PRECISION),
		        MAX(success_level),
		        SUM(duration_minutes),
		        MAX(completed_at)
		   FROM game_results
		  WHERE child_id = ?
		  GROUP BY activity_id
		  ORDER BY activity_id`), childID)
	if err != nil {
		return ChildStats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var activities []ActivityStats
	for rows.Next() {
		var (
			a        ActivityStats
			gameType string
			last     int64
		)
		if err := rows.Scan(&a.ActivityID, &gameType, &a.Plays, &a.AvgSuccessLevel, &a.BestSuccess, &a.TotalMinutes, &last); err != nil {
			return ChildStats{}, fmt.Errorf("scan stats: %w", err)
		}
		a.GameType = session.GameType(gameType)
		a.LastPlayed = time.UnixMilli(last).UTC()
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return ChildStats{}, fmt.Errorf("read stats: %w", err)
	}
	return summarize(childID, activities), nil
}
