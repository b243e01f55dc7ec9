package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies the schema. Statements are idempotent so the server can run
// this on every boot.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id            TEXT PRIMARY KEY,
		enrollment_no TEXT UNIQUE NOT NULL,
		name          TEXT NOT NULL,
		semester      TEXT NOT NULL,
		branch        TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS lectures (
		id         BIGSERIAL PRIMARY KEY,
		semester   TEXT NOT NULL,
		branch     TEXT NOT NULL,
		subject    TEXT NOT NULL,
		room       TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lectures_class ON lectures(semester, branch, start_time);

	CREATE TABLE IF NOT EXISTS attendance_sessions (
		id                 UUID PRIMARY KEY,
		student_id         TEXT NOT NULL REFERENCES students(id),
		enrollment_no      TEXT NOT NULL,
		semester           TEXT NOT NULL,
		branch             TEXT NOT NULL,
		lecture_subject    TEXT NOT NULL,
		lecture_room       TEXT NOT NULL,
		lecture_start      TIMESTAMPTZ NOT NULL,
		lecture_end        TIMESTAMPTZ NOT NULL,
		state              TEXT NOT NULL,
		attended_seconds   INTEGER NOT NULL DEFAULT 0,
		session_start_time TIMESTAMPTZ NOT NULL,
		last_tick_at       TIMESTAMPTZ NOT NULL,
		last_heartbeat_at  TIMESTAMPTZ,
		paused_by_ring_id  UUID,
		day                TEXT NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (student_id, day)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON attendance_sessions(state);
	CREATE INDEX IF NOT EXISTS idx_sessions_class ON attendance_sessions(semester, branch, day);

	CREATE TABLE IF NOT EXISTS ring_challenges (
		id         UUID PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		semester   TEXT NOT NULL,
		branch     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		deadline   TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ring_targets (
		challenge_id    UUID NOT NULL REFERENCES ring_challenges(id),
		student_id      TEXT NOT NULL,
		teacher_action  TEXT NOT NULL DEFAULT 'pending',
		verified        BOOLEAN NOT NULL DEFAULT FALSE,
		outcome         TEXT NOT NULL DEFAULT 'pending',
		pause_seconds   INTEGER NOT NULL DEFAULT 0,
		paused_at       TIMESTAMPTZ NOT NULL,
		second_deadline TIMESTAMPTZ,
		resolved_at     TIMESTAMPTZ,
		PRIMARY KEY (challenge_id, student_id)
	);
	CREATE INDEX IF NOT EXISTS idx_ring_targets_pending ON ring_targets(outcome) WHERE outcome = 'pending';
	CREATE INDEX IF NOT EXISTS idx_ring_targets_student ON ring_targets(student_id, paused_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
