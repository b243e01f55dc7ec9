package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository persists sessions, students and the timetable.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const sessionColumns = `id, student_id, enrollment_no, semester, branch,
	lecture_subject, lecture_room, lecture_start, lecture_end,
	state, attended_seconds, session_start_time, last_tick_at, last_heartbeat_at,
	paused_by_ring_id, day, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*AttendanceSession, error) {
	var s AttendanceSession
	var ringID sql.NullString
	var lastHB sql.NullTime
	err := row.Scan(&s.ID, &s.StudentID, &s.EnrollmentNo, &s.Semester, &s.Branch,
		&s.LectureSubject, &s.LectureRoom, &s.LectureStart, &s.LectureEnd,
		&s.State, &s.AttendedSeconds, &s.SessionStartTime, &s.LastTickAt, &lastHB,
		&ringID, &s.Day, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ringID.Valid {
		s.PausedByRingID, _ = uuid.Parse(ringID.String)
	}
	if lastHB.Valid {
		s.LastHeartbeatAt = lastHB.Time
	}
	return &s, nil
}

// GetByStudentAndDay returns the session for a student on a day, or
// ErrNotFound.
func (r *PostgresRepository) GetByStudentAndDay(ctx context.Context, studentID, day string) (*AttendanceSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE student_id = $1 AND day = $2
	`, studentID, day)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// Create inserts a new session row.
func (r *PostgresRepository) Create(ctx context.Context, s *AttendanceSession) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,NOW())
	`, s.ID, s.StudentID, s.EnrollmentNo, s.Semester, s.Branch,
		s.LectureSubject, s.LectureRoom, s.LectureStart, s.LectureEnd,
		s.State, s.AttendedSeconds, s.SessionStartTime, s.LastTickAt, nullTime(s.LastHeartbeatAt),
		nullUUID(s.PausedByRingID), s.Day)
	return err
}

// Update writes state and counters atomically for one row. State and
// attended_seconds always travel together.
func (r *PostgresRepository) Update(ctx context.Context, s *AttendanceSession) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET state = $2, attended_seconds = $3, last_tick_at = $4,
		    last_heartbeat_at = $5, paused_by_ring_id = $6, updated_at = NOW()
		WHERE id = $1
	`, s.ID, s.State, s.AttendedSeconds, s.LastTickAt, nullTime(s.LastHeartbeatAt), nullUUID(s.PausedByRingID))
	return err
}

// ListByStates returns today's sessions in the given states.
func (r *PostgresRepository) ListByStates(ctx context.Context, day string, states ...State) ([]*AttendanceSession, error) {
	stateStrs := make([]string, len(states))
	for i, st := range states {
		stateStrs[i] = string(st)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE day = $1 AND state = ANY($2)
	`, day, stateStrs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AttendanceSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListAttendingByClass returns attending sessions for one class today.
func (r *PostgresRepository) ListAttendingByClass(ctx context.Context, day, semester, branch string) ([]*AttendanceSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE day = $1 AND semester = $2 AND branch = $3 AND state = $4
	`, day, semester, branch, StateAttending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AttendanceSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListStale returns sessions from earlier days still in a live state.
func (r *PostgresRepository) ListStale(ctx context.Context, today string) ([]*AttendanceSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE day < $1 AND state IN ($2, $3)
	`, today, StateAttending, StatePausedForVerification)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AttendanceSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Student returns the roster entry for a student id, or nil when unknown.
func (r *PostgresRepository) Student(ctx context.Context, studentID string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, enrollment_no, name, semester, branch
		FROM students WHERE id = $1
	`, studentID)
	var st Student
	if err := row.Scan(&st.ID, &st.EnrollmentNo, &st.Name, &st.Semester, &st.Branch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// ActiveLecture returns the lecture covering the given instant for a class,
// or nil when none is scheduled.
func (r *PostgresRepository) ActiveLecture(ctx context.Context, semester, branch string, at time.Time) (*Lecture, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT subject, room, start_time, end_time
		FROM lectures
		WHERE semester = $1 AND branch = $2 AND start_time <= $3 AND end_time > $3
		ORDER BY start_time DESC
		LIMIT 1
	`, semester, branch, at)
	var l Lecture
	if err := row.Scan(&l.Subject, &l.Room, &l.Start, &l.End); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullUUID(id uuid.UUID) sql.NullString {
	return sql.NullString{String: id.String(), Valid: id != uuid.Nil}
}
