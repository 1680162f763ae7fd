package attendance

import (
	"net/url"
	"time"

	"classroom/internal/geo"
)

// SessionType classifies a class meeting.
type SessionType string

const (
	TypeLecture   SessionType = "lecture"
	TypeLab       SessionType = "lab"
	TypeTutorial  SessionType = "tutorial"
	TypeSeminar   SessionType = "seminar"
	TypePractical SessionType = "practical"
)

// Valid reports whether t is a known session type.
func (t SessionType) Valid() bool {
	switch t {
	case TypeLecture, TypeLab, TypeTutorial, TypeSeminar, TypePractical:
		return true
	}
	return false
}

// SessionStatus is the top-level lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Status is the attendance outcome of one student in one session.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"

	// StatusPending only appears in rosters of active sessions for members
	// without a record. It is never stored.
	StatusPending Status = "pending"
)

// Valid reports whether s can be stored on a record.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Method is how a record was produced.
type Method string

const (
	MethodQRScan Method = "qr_scan"
	MethodManual Method = "manual"
)

// Session is one attendance-taking window opened by faculty for a group.
type Session struct {
	ID                   string        `json:"id"`
	GroupID              string        `json:"group_id"`
	CreatedBy            string        `json:"created_by"`
	Name                 string        `json:"name"`
	Type                 SessionType   `json:"session_type"`
	CreatedAt            time.Time     `json:"created_at"`
	StartedAt            time.Time     `json:"started_at"`
	EndedAt              *time.Time    `json:"ended_at"`
	Location             geo.Point     `json:"location"`
	RadiusMeters         float64       `json:"allowed_radius_meters"`
	QRToken              string        `json:"qr_token,omitempty"`
	QRMinutes            int           `json:"qr_duration_minutes"`
	AllowLateEntry       bool          `json:"allow_late_entry"`
	LateThresholdMinutes *int          `json:"late_threshold_minutes,omitempty"`
	Status               SessionStatus `json:"status"`
}

// QRWindow is how long the session's QR code accepts scans.
func (s Session) QRWindow() time.Duration {
	return time.Duration(s.QRMinutes) * time.Minute
}

// QRExpiresAt is the last instant at which a scan is accepted.
func (s Session) QRExpiresAt() time.Time {
	return s.StartedAt.Add(s.QRWindow())
}

// QRActive reports whether scans are still accepted at now.
func (s Session) QRActive(now time.Time) bool {
	return s.Status == SessionActive && !now.After(s.QRExpiresAt())
}

// LateAfter is the elapsed time after which a scan is classified late.
// Without an explicit threshold it is the first half of the QR window.
func (s Session) LateAfter() time.Duration {
	if s.LateThresholdMinutes != nil {
		return time.Duration(*s.LateThresholdMinutes) * time.Minute
	}
	return s.QRWindow() / 2
}

// CheckInURL derives the URL encoded into the session's QR code.
func (s Session) CheckInURL(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?token=" + url.QueryEscape(s.QRToken)
	}
	q := u.Query()
	q.Set("token", s.QRToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted returns a copy without the QR secret, for students.
func (s Session) Redacted() Session {
	s.QRToken = ""
	return s
}

// Record is the attendance state of one student in one session.
type Record struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	StudentID        string     `json:"student_id"`
	Status           Status     `json:"status"`
	CheckedInAt      *time.Time `json:"checked_in_at"`
	Method           Method     `json:"check_in_method"`
	LocationVerified bool       `json:"location_verified"`
	ManualReason     *string    `json:"manual_reason"`
	EditedByFaculty  bool       `json:"edited_by_faculty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Settings is the per-group attendance configuration owned by faculty.
type Settings struct {
	GroupID               string  `json:"group_id"`
	MinPercentage         float64 `json:"minimum_attendance_percentage"`
	NotifyBelowPercentage float64 `json:"notification_threshold_percentage"`
	DefaultQRMinutes      int     `json:"default_qr_duration_minutes"`
	DefaultRadiusMeters   float64 `json:"default_allowed_radius_meters"`
	AllowLateEntry        bool    `json:"allow_late_entry"`
	LateThresholdMinutes  *int    `json:"late_threshold_minutes,omitempty"`
}

// DefaultSettings is used for groups that never saved their own settings.
func DefaultSettings(groupID string) Settings {
	return Settings{
		GroupID:               groupID,
		MinPercentage:         75,
		NotifyBelowPercentage: 75,
		DefaultQRMinutes:      5,
		DefaultRadiusMeters:   20,
		AllowLateEntry:        true,
	}
}

// Validate checks ranges of every field.
func (s Settings) Validate() error {
	var fields []FieldError
	if s.GroupID == "" {
		fields = append(fields, FieldError{Field: "group_id", Error: "this field is required"})
	}
	if s.MinPercentage < 0 || s.MinPercentage > 100 {
		fields = append(fields, FieldError{Field: "minimum_attendance_percentage", Error: "must be between 0 and 100"})
	}
	if s.NotifyBelowPercentage < 0 || s.NotifyBelowPercentage > 100 {
		fields = append(fields, FieldError{Field: "notification_threshold_percentage", Error: "must be between 0 and 100"})
	}
	if s.DefaultQRMinutes <= 0 {
		fields = append(fields, FieldError{Field: "default_qr_duration_minutes", Error: "must be positive"})
	}
	if s.DefaultRadiusMeters <= 0 {
		fields = append(fields, FieldError{Field: "default_allowed_radius_meters", Error: "must be positive"})
	}
	if s.LateThresholdMinutes != nil && (*s.LateThresholdMinutes <= 0 || *s.LateThresholdMinutes > s.DefaultQRMinutes) {
		fields = append(fields, FieldError{Field: "late_threshold_minutes", Error: "must be within the qr duration"})
	}
	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}
