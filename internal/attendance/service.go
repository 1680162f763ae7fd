package attendance

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classroom/internal/geo"
	"classroom/internal/metrics"
)

// DefaultLocateTimeout bounds geolocation acquisition.
const DefaultLocateTimeout = 10 * time.Second

const tokenAttempts = 3

// Service runs the attendance session engine on top of a repository.
type Service struct {
	repo          Repository
	pub           Publisher
	log           *zap.Logger
	now           func() time.Time
	locateTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where engine events are sent.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocateTimeout bounds every geolocation call.
func WithLocateTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.locateTimeout = d
		}
	}
}

// NewService creates a service backed by a repository.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		log:           zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
		locateTimeout: DefaultLocateTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSessionParams describes a new session. Zero values for the QR window,
// radius, late policy and threshold take the group's settings.
type CreateSessionParams struct {
	GroupID              string
	FacultyID            string
	Name                 string
	Type                 SessionType
	QRMinutes            int
	RadiusMeters         float64
	AllowLateEntry       *bool
	LateThresholdMinutes *int
}

// CreateSession opens an active session at the faculty's current location.
func (s *Service) CreateSession(ctx context.Context, p CreateSessionParams, loc geo.Provider) (Session, error) {
	if err := s.AuthorizeFaculty(ctx, p.GroupID, p.FacultyID); err != nil {
		return Session{}, err
	}
	settings, err := s.GetSettings(ctx, p.GroupID)
	if err != nil {
		return Session{}, err
	}
	sess, err := newSession(p, settings)
	if err != nil {
		return Session{}, err
	}

	point, err := s.locate(ctx, loc)
	if err != nil {
		return Session{}, err
	}
	// The caller may have gone away while we waited on the device.
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	now := s.now()
	sess.ID = uuid.NewString()
	sess.CreatedAt = now
	sess.StartedAt = now
	sess.Location = point
	sess.Status = SessionActive

	var superseded []string
	for attempt := 0; ; attempt++ {
		sess.QRToken, err = newToken()
		if err != nil {
			return Session{}, err
		}
		created, ended, err := s.repo.CreateSession(ctx, sess)
		if err == nil {
			sess, superseded = created, ended
			break
		}
		if !errors.Is(err, ErrConflict) || attempt+1 >= tokenAttempts {
			return Session{}, persistence("create session", err)
		}
	}

	for _, id := range superseded {
		metrics.SessionsEnded.Inc()
		s.log.Info("attendance session superseded", zap.String("session_id", id), zap.String("by", sess.ID))
		s.publish(ctx, EventSessionEnded, Event{SessionID: id, GroupID: sess.GroupID, At: now})
	}
	metrics.SessionsCreated.Inc()
	s.log.Info("attendance session created",
		zap.String("session_id", sess.ID),
		zap.String("group_id", sess.GroupID),
		zap.Int("qr_minutes", sess.QRMinutes),
		zap.Float64("radius_m", sess.RadiusMeters))
	s.publish(ctx, EventSessionCreated, Event{SessionID: sess.ID, GroupID: sess.GroupID, At: now})
	return sess, nil
}

func newSession(p CreateSessionParams, settings Settings) (Session, error) {
	var fields []FieldError
	if strings.TrimSpace(p.Name) == "" {
		fields = append(fields, FieldError{Field: "name", Error: "this field is required"})
	}
	if !p.Type.Valid() {
		fields = append(fields, FieldError{Field: "session_type", Error: "must be one of lecture, lab, tutorial, seminar, practical"})
	}
	if p.QRMinutes < 0 {
		fields = append(fields, FieldError{Field: "qr_duration_minutes", Error: "must be positive"})
	}
	if p.RadiusMeters < 0 {
		fields = append(fields, FieldError{Field: "allowed_radius_meters", Error: "must be positive"})
	}

	sess := Session{
		GroupID:              p.GroupID,
		CreatedBy:            p.FacultyID,
		Name:                 strings.TrimSpace(p.Name),
		Type:                 p.Type,
		QRMinutes:            p.QRMinutes,
		RadiusMeters:         p.RadiusMeters,
		AllowLateEntry:       settings.AllowLateEntry,
		LateThresholdMinutes: settings.LateThresholdMinutes,
	}
	if sess.QRMinutes == 0 {
		sess.QRMinutes = settings.DefaultQRMinutes
	}
	if sess.RadiusMeters == 0 {
		sess.RadiusMeters = settings.DefaultRadiusMeters
	}
	if p.AllowLateEntry != nil {
		sess.AllowLateEntry = *p.AllowLateEntry
	}
	if p.LateThresholdMinutes != nil && *p.LateThresholdMinutes != 0 {
		sess.LateThresholdMinutes = p.LateThresholdMinutes
	}
	if m := sess.LateThresholdMinutes; m != nil && (*m <= 0 || *m > sess.QRMinutes) {
		fields = append(fields, FieldError{Field: "late_threshold_minutes", Error: "must be within the qr duration"})
	}

	if len(fields) > 0 {
		return Session{}, NewValidationError(fields...)
	}
	return sess, nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate qr token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Service) locate(ctx context.Context, loc geo.Provider) (geo.Point, error) {
	if err := ctx.Err(); err != nil {
		return geo.Point{}, err
	}
	if loc == nil {
		return geo.Point{}, ErrLocationUnavailable
	}
	lctx, cancel := context.WithTimeout(ctx, s.locateTimeout)
	defer cancel()

	p, err := loc.CurrentLocation(lctx)
	if err != nil {
		return geo.Point{}, fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
	}
	if !p.Valid() {
		return geo.Point{}, fmt.Errorf("%w: coordinates out of range", ErrLocationUnavailable)
	}
	return p, nil
}

// EvaluateCheckIn decides whether a student's scan is recorded and how.
func (s *Service) EvaluateCheckIn(ctx context.Context, sessionID, studentID string, loc geo.Provider, method Method) (rec Record, err error) {
	defer func() { metrics.CheckIns.WithLabelValues(checkInOutcome(rec, err)).Inc() }()

	if method != MethodQRScan {
		return Record{}, NewValidationError(FieldError{Field: "check_in_method", Error: "only qr_scan check-ins are evaluated"})
	}
	if studentID == "" {
		return Record{}, NewValidationError(FieldError{Field: "student_id", Error: "this field is required"})
	}
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	return s.checkIn(ctx, sess, studentID, loc)
}

// CheckInByToken resolves the session from a scanned QR token and evaluates the scan.
func (s *Service) CheckInByToken(ctx context.Context, token, studentID string, loc geo.Provider) (rec Record, err error) {
	defer func() { metrics.CheckIns.WithLabelValues(checkInOutcome(rec, err)).Inc() }()

	if studentID == "" {
		return Record{}, NewValidationError(FieldError{Field: "student_id", Error: "this field is required"})
	}
	if token == "" {
		return Record{}, ErrSessionNotFound
	}
	sess, err := s.repo.GetSessionByToken(ctx, token)
	if err != nil {
		return Record{}, persistence("get session by token", err)
	}
	if sess == nil {
		return Record{}, ErrSessionNotFound
	}
	return s.checkIn(ctx, *sess, studentID, loc)
}

func (s *Service) checkIn(ctx context.Context, sess Session, studentID string, loc geo.Provider) (Record, error) {
	now := s.now()
	if sess.Status != SessionActive {
		return Record{}, ErrSessionClosed
	}
	if now.After(sess.QRExpiresAt()) {
		return Record{}, ErrQRExpired
	}

	existing, err := s.repo.GetRecord(ctx, sess.ID, studentID)
	if err != nil {
		return Record{}, persistence("get record", err)
	}
	if existing != nil {
		return Record{}, &AlreadyRecordedError{Record: *existing}
	}

	point, err := s.locate(ctx, loc)
	if err != nil {
		return Record{}, err
	}
	if d := geo.Distance(sess.Location, point); d > sess.RadiusMeters {
		return Record{}, &OutsideGeofenceError{Distance: d, Radius: sess.RadiusMeters}
	}

	status := StatusPresent
	if now.Sub(sess.StartedAt) > sess.LateAfter() {
		if !sess.AllowLateEntry {
			return Record{}, ErrLateEntryClosed
		}
		status = StatusLate
	}

	rec, err := s.repo.InsertRecord(ctx, Record{
		ID:               uuid.NewString(),
		SessionID:        sess.ID,
		StudentID:        studentID,
		Status:           status,
		CheckedInAt:      &now,
		Method:           MethodQRScan,
		LocationVerified: true,
		UpdatedAt:        now,
	})
	if errors.Is(err, ErrConflict) {
		// Lost a race against another scan by the same student.
		winner, gerr := s.repo.GetRecord(ctx, sess.ID, studentID)
		if gerr != nil || winner == nil {
			return Record{}, ErrAlreadyRecorded
		}
		return Record{}, &AlreadyRecordedError{Record: *winner}
	}
	if err != nil {
		return Record{}, persistence("insert record", err)
	}

	s.publish(ctx, EventCheckIn, Event{SessionID: sess.ID, GroupID: sess.GroupID, StudentID: studentID, Status: status, At: now})
	return rec, nil
}

func checkInOutcome(rec Record, err error) string {
	switch {
	case err == nil:
		return string(rec.Status)
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrQRExpired):
		return "qr_expired"
	case errors.Is(err, ErrAlreadyRecorded):
		return "already_recorded"
	case errors.Is(err, ErrOutsideGeofence):
		return "outside_geofence"
	case errors.Is(err, ErrLocationUnavailable):
		return "location_unavailable"
	case errors.Is(err, ErrLateEntryClosed):
		return "late_entry_closed"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// MarkParams describes a manual attendance override.
type MarkParams struct {
	SessionID string
	StudentID string
	Status    Status
	Reason    string
	FacultyID string
}

// criticalChange reports transitions between present and absent, which need a reason.
func criticalChange(from, to Status) bool {
	return (from == StatusPresent && to == StatusAbsent) || (from == StatusAbsent && to == StatusPresent)
}

// ManualMark sets a student's status on behalf of faculty. It is not time-boxed
// and works on ended sessions.
func (s *Service) ManualMark(ctx context.Context, p MarkParams) (Record, error) {
	var fields []FieldError
	if p.StudentID == "" {
		fields = append(fields, FieldError{Field: "student_id", Error: "this field is required"})
	}
	if !p.Status.Valid() {
		fields = append(fields, FieldError{Field: "status", Error: "must be one of present, late, absent, excused"})
	}
	if len(fields) > 0 {
		return Record{}, NewValidationError(fields...)
	}

	sess, err := s.GetSession(ctx, p.SessionID)
	if err != nil {
		return Record{}, err
	}
	if err := s.AuthorizeFaculty(ctx, sess.GroupID, p.FacultyID); err != nil {
		return Record{}, err
	}

	// A concurrent first write can beat our insert; the retry then updates it.
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.repo.GetRecord(ctx, sess.ID, p.StudentID)
		if err != nil {
			return Record{}, persistence("get record", err)
		}

		prev := StatusAbsent
		if existing != nil {
			prev = existing.Status
		}
		reason := strings.TrimSpace(p.Reason)
		if reason == "" {
			if criticalChange(prev, p.Status) {
				return Record{}, NewValidationError(FieldError{
					Field: "reason",
					Error: fmt.Sprintf("a reason is required to change %s to %s", prev, p.Status),
				})
			}
			reason = fmt.Sprintf("marked %s by faculty", p.Status)
		}

		now := s.now()
		var rec Record
		if existing != nil {
			rec = *existing
		} else {
			rec = Record{ID: uuid.NewString(), SessionID: sess.ID, StudentID: p.StudentID}
		}
		applyMark(&rec, prev, p.Status, reason, now)

		if existing != nil {
			rec, err = s.repo.UpdateRecord(ctx, rec)
		} else {
			rec, err = s.repo.InsertRecord(ctx, rec)
			if errors.Is(err, ErrConflict) {
				continue
			}
		}
		if err != nil {
			return Record{}, persistence("save record", err)
		}

		metrics.ManualMarks.WithLabelValues(string(rec.Status)).Inc()
		s.log.Info("attendance marked manually",
			zap.String("session_id", sess.ID),
			zap.String("student_id", rec.StudentID),
			zap.String("from", string(prev)),
			zap.String("to", string(rec.Status)),
			zap.String("faculty_id", p.FacultyID))
		s.publish(ctx, EventManualMark, Event{SessionID: sess.ID, GroupID: sess.GroupID, StudentID: rec.StudentID, Status: rec.Status, At: now})
		return rec, nil
	}
	return Record{}, persistence("save record", ErrConflict)
}

func applyMark(rec *Record, prev, to Status, reason string, now time.Time) {
	rec.Status = to
	rec.Method = MethodManual
	rec.EditedByFaculty = true
	rec.ManualReason = &reason
	rec.UpdatedAt = now
	switch {
	case to == StatusAbsent:
		rec.CheckedInAt = nil
	case prev == StatusAbsent || rec.CheckedInAt == nil:
		at := now
		rec.CheckedInAt = &at
	}
}

// EndSession closes an active session. Ended sessions cannot be reopened.
func (s *Service) EndSession(ctx context.Context, sessionID, facultyID string) (Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.AuthorizeFaculty(ctx, sess.GroupID, facultyID); err != nil {
		return Session{}, err
	}
	if sess.Status != SessionActive {
		return Session{}, ErrSessionClosed
	}

	now := s.now()
	ok, err := s.repo.EndSession(ctx, sess.ID, now)
	if err != nil {
		return Session{}, persistence("end session", err)
	}
	if !ok {
		return Session{}, ErrSessionClosed
	}
	sess.Status = SessionEnded
	sess.EndedAt = &now

	metrics.SessionsEnded.Inc()
	s.log.Info("attendance session ended", zap.String("session_id", sess.ID), zap.String("group_id", sess.GroupID))
	s.publish(ctx, EventSessionEnded, Event{SessionID: sess.ID, GroupID: sess.GroupID, At: now})
	return sess, nil
}

// DisplayableSession returns a session whose QR code the owning faculty may
// still show: it must be active and inside its QR window.
func (s *Service) DisplayableSession(ctx context.Context, sessionID, facultyID string) (Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.AuthorizeFaculty(ctx, sess.GroupID, facultyID); err != nil {
		return Session{}, err
	}
	if sess.Status != SessionActive {
		return Session{}, ErrSessionClosed
	}
	if !sess.QRActive(s.now()) {
		return Session{}, ErrQRExpired
	}
	return sess, nil
}

// GetSession loads a session or returns ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, ErrSessionNotFound
	}
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, persistence("get session", err)
	}
	if sess == nil {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// ListGroupSessions returns the group's sessions, newest first.
func (s *Service) ListGroupSessions(ctx context.Context, groupID string) ([]Session, error) {
	sessions, err := s.repo.ListSessions(ctx, groupID)
	if err != nil {
		return nil, persistence("list sessions", err)
	}
	return sessions, nil
}

// AuthorizeFaculty checks that facultyID owns groupID.
func (s *Service) AuthorizeFaculty(ctx context.Context, groupID, facultyID string) error {
	owner, err := s.repo.GroupOwner(ctx, groupID)
	if errors.Is(err, ErrGroupNotFound) {
		return ErrGroupNotFound
	}
	if err != nil {
		return persistence("get group owner", err)
	}
	if facultyID == "" || owner != facultyID {
		return ErrUnauthorized
	}
	return nil
}

// IsMember reports whether studentID is enrolled in groupID.
func (s *Service) IsMember(ctx context.Context, groupID, studentID string) (bool, error) {
	members, err := s.repo.GroupMembers(ctx, groupID)
	if err != nil {
		return false, persistence("list members", err)
	}
	for _, m := range members {
		if m == studentID {
			return true, nil
		}
	}
	return false, nil
}

// GetSettings returns the group's settings or the defaults.
func (s *Service) GetSettings(ctx context.Context, groupID string) (Settings, error) {
	stored, err := s.repo.GetSettings(ctx, groupID)
	if err != nil {
		return Settings{}, persistence("get settings", err)
	}
	if stored == nil {
		return DefaultSettings(groupID), nil
	}
	return *stored, nil
}

// UpdateSettings replaces the group's settings.
func (s *Service) UpdateSettings(ctx context.Context, facultyID string, settings Settings) (Settings, error) {
	if err := s.AuthorizeFaculty(ctx, settings.GroupID, facultyID); err != nil {
		return Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	if err := s.repo.SaveSettings(ctx, settings); err != nil {
		return Settings{}, persistence("save settings", err)
	}
	return settings, nil
}
