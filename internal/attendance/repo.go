package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepository persists attendance data in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, group_id, created_by, name, session_type, created_at, started_at, ended_at,
	latitude, longitude, allowed_radius_meters, qr_token, qr_duration_minutes,
	allow_late_entry, late_threshold_minutes, status`

func scanSession(row rowScanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.GroupID, &s.CreatedBy, &s.Name, &s.Type, &s.CreatedAt, &s.StartedAt, &s.EndedAt,
		&s.Location.Latitude, &s.Location.Longitude, &s.RadiusMeters, &s.QRToken, &s.QRMinutes,
		&s.AllowLateEntry, &s.LateThresholdMinutes, &s.Status)
	return s, err
}

const recordColumns = `id, session_id, student_id, status, checked_in_at, check_in_method,
	location_verified, manual_reason, edited_by_faculty, updated_at`

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.SessionID, &r.StudentID, &r.Status, &r.CheckedInAt, &r.Method,
		&r.LocationVerified, &r.ManualReason, &r.EditedByFaculty, &r.UpdatedAt)
	return r, err
}

// GroupOwner returns the faculty owning the group.
func (r *PostgresRepository) GroupOwner(ctx context.Context, groupID string) (string, error) {
	var owner string
	err := r.db.QueryRowContext(ctx, `SELECT faculty_id FROM groups WHERE id = $1`, groupID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrGroupNotFound
	}
	return owner, err
}

// GroupMembers lists the student ids enrolled in the group.
func (r *PostgresRepository) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM group_members WHERE group_id = $1 ORDER BY student_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// GetSettings returns the stored settings or nil.
func (r *PostgresRepository) GetSettings(ctx context.Context, groupID string) (*Settings, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT group_id, minimum_percentage, notification_threshold, default_qr_minutes,
			default_radius_meters, allow_late_entry, late_threshold_minutes
		FROM class_attendance_settings WHERE group_id = $1
	`, groupID)
	var s Settings
	if err := row.Scan(&s.GroupID, &s.MinPercentage, &s.NotifyBelowPercentage, &s.DefaultQRMinutes,
		&s.DefaultRadiusMeters, &s.AllowLateEntry, &s.LateThresholdMinutes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SaveSettings upserts the group's settings row.
func (r *PostgresRepository) SaveSettings(ctx context.Context, s Settings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO class_attendance_settings (group_id, minimum_percentage, notification_threshold,
			default_qr_minutes, default_radius_meters, allow_late_entry, late_threshold_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (group_id) DO UPDATE SET
			minimum_percentage = EXCLUDED.minimum_percentage,
			notification_threshold = EXCLUDED.notification_threshold,
			default_qr_minutes = EXCLUDED.default_qr_minutes,
			default_radius_meters = EXCLUDED.default_radius_meters,
			allow_late_entry = EXCLUDED.allow_late_entry,
			late_threshold_minutes = EXCLUDED.late_threshold_minutes,
			updated_at = NOW()
	`, s.GroupID, s.MinPercentage, s.NotifyBelowPercentage, s.DefaultQRMinutes,
		s.DefaultRadiusMeters, s.AllowLateEntry, s.LateThresholdMinutes)
	return err
}

// CreateSession supersedes the group's active sessions and inserts s.
func (r *PostgresRepository) CreateSession(ctx context.Context, s Session) (Session, []string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE attendance_sessions SET status = 'ended', ended_at = $2
		WHERE group_id = $1 AND status = 'active'
		RETURNING id
	`, s.GroupID, s.StartedAt)
	if err != nil {
		return Session{}, nil, err
	}
	var superseded []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Session{}, nil, err
		}
		superseded = append(superseded, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Session{}, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, group_id, created_by, name, session_type, created_at, started_at,
			latitude, longitude, allowed_radius_meters, qr_token, qr_duration_minutes,
			allow_late_entry, late_threshold_minutes, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, s.ID, s.GroupID, s.CreatedBy, s.Name, s.Type, s.CreatedAt, s.StartedAt,
		s.Location.Latitude, s.Location.Longitude, s.RadiusMeters, s.QRToken, s.QRMinutes,
		s.AllowLateEntry, s.LateThresholdMinutes, s.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, nil, ErrConflict
		}
		return Session{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, nil, err
	}
	return s, superseded, nil
}

// GetSession returns a single session by id.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetSessionByToken returns the session a QR token belongs to.
func (r *PostgresRepository) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE qr_token = $1`, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the group's sessions, newest first.
func (r *PostgresRepository) ListSessions(ctx context.Context, groupID string) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE group_id = $1 ORDER BY started_at DESC
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// EndSession closes the session if it is still active.
func (r *PostgresRepository) EndSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetRecord returns the record of a student in a session.
func (r *PostgresRepository) GetRecord(ctx context.Context, sessionID, studentID string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// InsertRecord writes a new record. The (session_id, student_id) unique index
// turns a duplicate into ErrConflict.
func (r *PostgresRepository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, checked_in_at, check_in_method,
			location_verified, manual_reason, edited_by_faculty, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.CheckedInAt, rec.Method,
		rec.LocationVerified, rec.ManualReason, rec.EditedByFaculty, rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrConflict
		}
		return Record{}, err
	}
	return rec, nil
}

// UpdateRecord overwrites the mutable fields of a record.
func (r *PostgresRepository) UpdateRecord(ctx context.Context, rec Record) (Record, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, checked_in_at = $3, check_in_method = $4, location_verified = $5,
			manual_reason = $6, edited_by_faculty = $7, updated_at = $8
		WHERE id = $1
	`, rec.ID, rec.Status, rec.CheckedInAt, rec.Method, rec.LocationVerified,
		rec.ManualReason, rec.EditedByFaculty, rec.UpdatedAt)
	return rec, err
}

// ListRecords returns every record of a session.
func (r *PostgresRepository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	return r.listRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 ORDER BY student_id
	`, sessionID)
}

// ListGroupRecords returns every record of every session of a group.
func (r *PostgresRepository) ListGroupRecords(ctx context.Context, groupID string) ([]Record, error) {
	return r.listRecords(ctx, `
		SELECT r.id, r.session_id, r.student_id, r.status, r.checked_in_at, r.check_in_method,
			r.location_verified, r.manual_reason, r.edited_by_faculty, r.updated_at
		FROM attendance_records r
		JOIN attendance_sessions s ON s.id = r.session_id
		WHERE s.group_id = $1
	`, groupID)
}

func (r *PostgresRepository) listRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SeedGroup upserts a group and enrolls students. Groups are owned by an
// external roster service in production; this is for dev and tests.
func (r *PostgresRepository) SeedGroup(ctx context.Context, groupID, facultyID string, students ...string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO groups (id, faculty_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET faculty_id = EXCLUDED.faculty_id
	`, groupID, facultyID); err != nil {
		return err
	}
	for _, s := range students {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, student_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, groupID, s); err != nil {
			return err
		}
	}
	return tx.Commit()
}
