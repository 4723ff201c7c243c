package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:gradesync.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/gradesync?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := EnsureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates all tables if missing. Exported so store tests can
// run it against an in-memory sqlite handle.
func EnsureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS interactions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,        -- BIGSERIAL in Postgres
  learner_id TEXT NOT NULL,
  course_id INTEGER NOT NULL,
  assignment_id INTEGER NOT NULL,
  activity_id TEXT NOT NULL,
  kind TEXT NOT NULL,                          -- 'progressed' | 'answered'
  progress INTEGER NOT NULL DEFAULT -1,        -- 0..100 for progressed, -1 otherwise
  success INTEGER NOT NULL DEFAULT -1,         -- 0|1 for answered, -1 otherwise
  pending_reprocessing INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  UNIQUE (learner_id, activity_id, kind, progress, success)
);

CREATE INDEX IF NOT EXISTS idx_interactions_pending
  ON interactions (pending_reprocessing, id);

CREATE TABLE IF NOT EXISTS completions (
  learner_id TEXT NOT NULL,
  activity_id TEXT NOT NULL,
  completed_at INTEGER NOT NULL,
  PRIMARY KEY (learner_id, activity_id)
);

CREATE TABLE IF NOT EXISTS module_states (
  learner_id TEXT NOT NULL,
  course_id INTEGER NOT NULL,
  assignment_id INTEGER NOT NULL,
  activity_id TEXT NOT NULL,
  state_id TEXT NOT NULL,                      -- suspend_data | bookmark | cumulative_time
  value TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (learner_id, course_id, assignment_id, activity_id, state_id)
);

CREATE TABLE IF NOT EXISTS modules (
  activity_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  question_count INTEGER NOT NULL DEFAULT 0,
  quiz_breakdown_json TEXT NOT NULL DEFAULT '[]',
  score_maximum REAL NOT NULL DEFAULT 100,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS launch_sessions (
  token_id TEXT PRIMARY KEY,                   -- jti of the launch token
  learner_id TEXT NOT NULL,
  host_user_id INTEGER NOT NULL DEFAULT 0,
  course_id INTEGER NOT NULL,
  assignment_id INTEGER NOT NULL,
  section_id INTEGER NOT NULL DEFAULT 0,
  activity_id TEXT NOT NULL,
  line_item_url TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assignment_overrides (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  assignment_id INTEGER NOT NULL,
  scope TEXT NOT NULL,                         -- 'section' | 'user'
  target_id INTEGER NOT NULL,
  due_at INTEGER,                              -- NULL clears the due date
  position INTEGER NOT NULL DEFAULT 0          -- list order; last match wins
);

CREATE INDEX IF NOT EXISTS idx_overrides_assignment
  ON assignment_overrides (assignment_id, position, id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS interactions (
  id BIGSERIAL PRIMARY KEY,
  learner_id TEXT NOT NULL,
  course_id BIGINT NOT NULL,
  assignment_id BIGINT NOT NULL,
  activity_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT -1,
  success INTEGER NOT NULL DEFAULT -1,
  pending_reprocessing BOOLEAN NOT NULL DEFAULT TRUE,
  created_at BIGINT NOT NULL,
  UNIQUE (learner_id, activity_id, kind, progress, success)
);

CREATE INDEX IF NOT EXISTS idx_interactions_pending
  ON interactions (pending_reprocessing, id);

CREATE TABLE IF NOT EXISTS completions (
  learner_id TEXT NOT NULL,
  activity_id TEXT NOT NULL,
  completed_at BIGINT NOT NULL,
  PRIMARY KEY (learner_id, activity_id)
);

CREATE TABLE IF NOT EXISTS module_states (
  learner_id TEXT NOT NULL,
  course_id BIGINT NOT NULL,
  assignment_id BIGINT NOT NULL,
  activity_id TEXT NOT NULL,
  state_id TEXT NOT NULL,
  value TEXT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (learner_id, course_id, assignment_id, activity_id, state_id)
);

CREATE TABLE IF NOT EXISTS modules (
  activity_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  question_count INTEGER NOT NULL DEFAULT 0,
  quiz_breakdown_json TEXT NOT NULL DEFAULT '[]',
  score_maximum DOUBLE PRECISION NOT NULL DEFAULT 100,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS launch_sessions (
  token_id TEXT PRIMARY KEY,
  learner_id TEXT NOT NULL,
  host_user_id BIGINT NOT NULL DEFAULT 0,
  course_id BIGINT NOT NULL,
  assignment_id BIGINT NOT NULL,
  section_id BIGINT NOT NULL DEFAULT 0,
  activity_id TEXT NOT NULL,
  line_item_url TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS assignment_overrides (
  id BIGSERIAL PRIMARY KEY,
  assignment_id BIGINT NOT NULL,
  scope TEXT NOT NULL,
  target_id BIGINT NOT NULL,
  due_at BIGINT,
  position INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_overrides_assignment
  ON assignment_overrides (assignment_id, position, id);
`
