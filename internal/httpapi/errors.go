package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"classroom/internal/attendance"
)

// writeError maps engine errors to a status and a stable code.
func (h *handler) writeError(c *gin.Context, err error) {
	var (
		already *attendance.AlreadyRecordedError
		outside *attendance.OutsideGeofenceError
		invalid *attendance.ValidationError
		status  int
		code    string
	)
	extra := gin.H{}
	switch {
	case errors.As(err, &already):
		status, code = http.StatusConflict, "already_recorded"
		extra["record"] = already.Record
	case errors.As(err, &outside):
		status, code = http.StatusForbidden, "outside_geofence"
		extra["distance_meters"] = outside.Distance
		extra["allowed_radius_meters"] = outside.Radius
	case errors.As(err, &invalid):
		status, code = http.StatusBadRequest, "validation_failed"
		extra["fields"] = invalid.Fields
	case errors.Is(err, attendance.ErrSessionNotFound):
		status, code = http.StatusNotFound, "session_not_found"
	case errors.Is(err, attendance.ErrGroupNotFound):
		status, code = http.StatusNotFound, "group_not_found"
	case errors.Is(err, attendance.ErrSessionClosed):
		status, code = http.StatusConflict, "session_closed"
	case errors.Is(err, attendance.ErrQRExpired):
		status, code = http.StatusGone, "qr_expired"
	case errors.Is(err, attendance.ErrLocationUnavailable):
		status, code = http.StatusUnprocessableEntity, "location_unavailable"
	case errors.Is(err, attendance.ErrLateEntryClosed):
		status, code = http.StatusForbidden, "late_entry_closed"
	case errors.Is(err, attendance.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, attendance.ErrPersistence):
		status, code = http.StatusInternalServerError, "persistence_error"
	default:
		status, code = http.StatusInternalServerError, "internal"
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	body := gin.H{"error": msg, "code": code}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, body)
}
