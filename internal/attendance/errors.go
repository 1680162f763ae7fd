package attendance

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionNotFound     = errors.New("attendance session not found")
	ErrGroupNotFound       = errors.New("group not found")
	ErrSessionClosed       = errors.New("attendance session is closed")
	ErrQRExpired           = errors.New("qr code has expired")
	ErrAlreadyRecorded     = errors.New("attendance already recorded")
	ErrOutsideGeofence     = errors.New("outside the allowed check-in radius")
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrLateEntryClosed     = errors.New("late entry is not allowed for this session")
	ErrUnauthorized        = errors.New("not allowed for this group")
	ErrValidation          = errors.New("validation failed")
	ErrPersistence         = errors.New("persistence failure")

	// ErrConflict is returned by repositories when a unique constraint rejects a write.
	ErrConflict = errors.New("unique constraint conflict")
)

// AlreadyRecordedError carries the record that blocked a second check-in.
type AlreadyRecordedError struct {
	Record Record
}

func (e *AlreadyRecordedError) Error() string {
	return fmt.Sprintf("%s: marked %s", ErrAlreadyRecorded, e.Record.Status)
}

func (e *AlreadyRecordedError) Is(target error) bool { return target == ErrAlreadyRecorded }

// OutsideGeofenceError reports how far the student was from the faculty snapshot.
type OutsideGeofenceError struct {
	Distance float64
	Radius   float64
}

func (e *OutsideGeofenceError) Error() string {
	return fmt.Sprintf("%s: %.1fm away, %.1fm allowed", ErrOutsideGeofence, e.Distance, e.Radius)
}

func (e *OutsideGeofenceError) Is(target error) bool { return target == ErrOutsideGeofence }

// FieldError is used to indicate an error with a specific field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError lists every rejected field of a request.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError builds a ValidationError from fields.
func NewValidationError(fields ...FieldError) error {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Error)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PersistenceError wraps a store failure the caller may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
