package ring

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository persists challenges and targets. Target resolution is a
// compare-and-set keyed by (challenge_id, student_id): the first writer wins,
// later writers see zero rows.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateChallenge inserts the challenge row.
func (r *PostgresRepository) CreateChallenge(ctx context.Context, c *Challenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ring_challenges (id, teacher_id, semester, branch, created_at, deadline)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.TeacherID, c.Semester, c.Branch, c.CreatedAt, c.Deadline)
	return err
}

// InsertTarget adds a pending target to a challenge.
func (r *PostgresRepository) InsertTarget(ctx context.Context, t *Target) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ring_targets (challenge_id, student_id, teacher_action, verified, outcome, pause_seconds, paused_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, t.ChallengeID, t.StudentID, t.TeacherAction, t.Verified, t.Outcome, t.PauseSeconds, t.PausedAt)
	return err
}

// GetChallenge returns a challenge by id.
func (r *PostgresRepository) GetChallenge(ctx context.Context, id uuid.UUID) (*Challenge, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, semester, branch, created_at, deadline
		FROM ring_challenges WHERE id = $1
	`, id)
	var c Challenge
	if err := row.Scan(&c.ID, &c.TeacherID, &c.Semester, &c.Branch, &c.CreatedAt, &c.Deadline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTargetNotFound
		}
		return nil, err
	}
	return &c, nil
}

// GetTarget returns one target.
func (r *PostgresRepository) GetTarget(ctx context.Context, challengeID uuid.UUID, studentID string) (*Target, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT challenge_id, student_id, teacher_action, verified, outcome, pause_seconds, paused_at, second_deadline, resolved_at
		FROM ring_targets WHERE challenge_id = $1 AND student_id = $2
	`, challengeID, studentID)
	return scanTarget(row)
}

func scanTarget(row interface{ Scan(...any) error }) (*Target, error) {
	var t Target
	var second, resolved sql.NullTime
	err := row.Scan(&t.ChallengeID, &t.StudentID, &t.TeacherAction, &t.Verified, &t.Outcome,
		&t.PauseSeconds, &t.PausedAt, &second, &resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTargetNotFound
		}
		return nil, err
	}
	if second.Valid {
		t.SecondDeadline = second.Time
	}
	if resolved.Valid {
		t.ResolvedAt = resolved.Time
	}
	return &t, nil
}

// ResolveTarget applies a terminal outcome iff the target is still pending.
// Returns false when another resolution was durably applied first.
func (r *PostgresRepository) ResolveTarget(ctx context.Context, challengeID uuid.UUID, studentID string, outcome Outcome, verified bool, action TeacherAction, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ring_targets
		SET outcome = $3, verified = $4,
		    teacher_action = CASE WHEN $5 = 'pending' THEN teacher_action ELSE $5 END,
		    resolved_at = $6
		WHERE challenge_id = $1 AND student_id = $2 AND outcome = 'pending'
	`, challengeID, studentID, outcome, verified, action, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRejected records the teacher's rejection and opens the second, shorter
// verification window. A target already rejected or resolved is untouched.
func (r *PostgresRepository) MarkRejected(ctx context.Context, challengeID uuid.UUID, studentID string, secondDeadline time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ring_targets
		SET teacher_action = 'rejected', second_deadline = $3
		WHERE challenge_id = $1 AND student_id = $2 AND outcome = 'pending' AND teacher_action = 'pending'
	`, challengeID, studentID, secondDeadline)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// NextDeadline returns the earliest effective deadline among pending targets,
// or nil when none are pending.
func (r *PostgresRepository) NextDeadline(ctx context.Context) (*time.Time, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT MIN(COALESCE(t.second_deadline, c.deadline))
		FROM ring_targets t
		JOIN ring_challenges c ON c.id = t.challenge_id
		WHERE t.outcome = 'pending'
	`)
	var deadline sql.NullTime
	if err := row.Scan(&deadline); err != nil {
		return nil, err
	}
	if !deadline.Valid {
		return nil, nil
	}
	return &deadline.Time, nil
}

// DueTargets returns pending targets whose effective deadline has passed.
func (r *PostgresRepository) DueTargets(ctx context.Context, now time.Time, limit int) ([]DueTarget, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.challenge_id, t.student_id
		FROM ring_targets t
		JOIN ring_challenges c ON c.id = t.challenge_id
		WHERE t.outcome = 'pending' AND COALESCE(t.second_deadline, c.deadline) <= $1
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []DueTarget
	for rows.Next() {
		var d DueTarget
		if err := rows.Scan(&d.ChallengeID, &d.StudentID); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// TargetsInWindow returns a student's targets from challenges created inside
// [from, to], newest first. The reconciliation service consults this before
// crediting any offline time.
func (r *PostgresRepository) TargetsInWindow(ctx context.Context, studentID string, from, to time.Time) ([]*WindowTarget, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.challenge_id, t.student_id, t.teacher_action, t.verified, t.outcome, t.pause_seconds, t.paused_at, t.second_deadline, t.resolved_at, c.deadline
		FROM ring_targets t
		JOIN ring_challenges c ON c.id = t.challenge_id
		WHERE t.student_id = $1 AND c.created_at >= $2 AND c.created_at <= $3
		ORDER BY c.created_at DESC
	`, studentID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WindowTarget
	for rows.Next() {
		var w WindowTarget
		var second, resolved sql.NullTime
		err := rows.Scan(&w.ChallengeID, &w.StudentID, &w.TeacherAction, &w.Verified, &w.Outcome,
			&w.PauseSeconds, &w.PausedAt, &second, &resolved, &w.ChallengeDeadline)
		if err != nil {
			return nil, err
		}
		if second.Valid {
			w.SecondDeadline = second.Time
		}
		if resolved.Valid {
			w.ResolvedAt = resolved.Time
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}
