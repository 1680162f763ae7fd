package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"classroom/internal/attendance"
	"classroom/internal/auth"
	"classroom/internal/geo"
	"classroom/internal/qr"
)

// coordinates is embedded in requests that carry a device location.
type coordinates struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// provider reports the request's location, or ErrUnavailable when it has none.
func (p coordinates) provider() geo.Provider {
	if p.Latitude == nil || p.Longitude == nil {
		return geo.Fixed(nil)
	}
	return geo.Fixed(&geo.Point{Latitude: *p.Latitude, Longitude: *p.Longitude})
}

type createSessionRequest struct {
	GroupID              string                 `json:"group_id" binding:"required"`
	Name                 string                 `json:"name" binding:"required,max=200"`
	Type                 attendance.SessionType `json:"session_type" binding:"required,session_type"`
	QRMinutes            int                    `json:"qr_duration_minutes"`
	RadiusMeters         float64                `json:"allowed_radius_meters"`
	AllowLateEntry       *bool                  `json:"allow_late_entry"`
	LateThresholdMinutes *int                   `json:"late_threshold_minutes"`
	coordinates
}

type checkInRequest struct {
	Method attendance.Method `json:"method"`
	coordinates
}

type tokenCheckInRequest struct {
	Token string `json:"token" binding:"required"`
	coordinates
}

type markRequest struct {
	StudentID string            `json:"student_id" binding:"required"`
	Status    attendance.Status `json:"status" binding:"required,attendance_status"`
	Reason    string            `json:"reason" binding:"max=500"`
}

func subject(c *gin.Context) auth.Claims {
	claims, _ := auth.FromContext(c)
	return claims
}

func (h *handler) sessionView(sess attendance.Session) gin.H {
	return gin.H{
		"session":       sess,
		"checkin_url":   sess.CheckInURL(h.cfg.CheckinBaseURL),
		"qr_expires_at": sess.QRExpiresAt(),
	}
}

func (h *handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	sess, err := h.svc.CreateSession(c.Request.Context(), attendance.CreateSessionParams{
		GroupID:              req.GroupID,
		FacultyID:            subject(c).Subject,
		Name:                 req.Name,
		Type:                 req.Type,
		QRMinutes:            req.QRMinutes,
		RadiusMeters:         req.RadiusMeters,
		AllowLateEntry:       req.AllowLateEntry,
		LateThresholdMinutes: req.LateThresholdMinutes,
	}, req.provider())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.sessionView(sess))
}

// getSession returns the QR secret only to the owning faculty.
func (h *handler) getSession(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.svc.GetSession(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	claims := subject(c)
	if claims.Role == auth.RoleFaculty && h.svc.AuthorizeFaculty(ctx, sess.GroupID, claims.Subject) == nil {
		c.JSON(http.StatusOK, h.sessionView(sess))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.Redacted(), "qr_expires_at": sess.QRExpiresAt()})
}

type qrQuery struct {
	Size int `form:"size" binding:"omitempty,min=64,max=1024"`
}

func (h *handler) sessionQR(c *gin.Context) {
	var q qrQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	sess, err := h.svc.DisplayableSession(c.Request.Context(), c.Param("id"), subject(c).Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	png, err := qr.PNG(sess.CheckInURL(h.cfg.CheckinBaseURL), q.Size)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("X-QR-Expires-At", sess.QRExpiresAt().Format(time.RFC3339))
	c.Data(http.StatusOK, "image/png", png)
}

func (h *handler) checkIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	if req.Method == "" {
		req.Method = attendance.MethodQRScan
	}
	rec, err := h.svc.EvaluateCheckIn(c.Request.Context(), c.Param("id"), subject(c).Subject, req.provider(), req.Method)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

func (h *handler) checkInByToken(c *gin.Context) {
	var req tokenCheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	rec, err := h.svc.CheckInByToken(c.Request.Context(), req.Token, subject(c).Subject, req.provider())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

func (h *handler) mark(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	rec, err := h.svc.ManualMark(c.Request.Context(), attendance.MarkParams{
		SessionID: c.Param("id"),
		StudentID: req.StudentID,
		Status:    req.Status,
		Reason:    req.Reason,
		FacultyID: subject(c).Subject,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func (h *handler) endSession(c *gin.Context) {
	sess, err := h.svc.EndSession(c.Request.Context(), c.Param("id"), subject(c).Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (h *handler) roster(c *gin.Context) {
	entries, err := h.svc.SessionRoster(c.Request.Context(), c.Param("id"), subject(c).Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": entries})
}

// groupSessions is open to the owning faculty and to enrolled students.
func (h *handler) groupSessions(c *gin.Context) {
	ctx := c.Request.Context()
	groupID := c.Param("id")
	claims := subject(c)

	redact := true
	switch claims.Role {
	case auth.RoleFaculty:
		if err := h.svc.AuthorizeFaculty(ctx, groupID, claims.Subject); err != nil {
			h.writeError(c, err)
			return
		}
		redact = false
	default:
		member, err := h.svc.IsMember(ctx, groupID, claims.Subject)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !member {
			h.writeError(c, attendance.ErrUnauthorized)
			return
		}
	}

	sessions, err := h.svc.ListGroupSessions(ctx, groupID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if redact {
		for i := range sessions {
			sessions[i] = sessions[i].Redacted()
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *handler) report(c *gin.Context) {
	summaries, err := h.svc.GroupReport(c.Request.Context(), c.Param("id"), subject(c).Subject)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": summaries})
}

// studentSummary is readable by the student themself and by the owning faculty.
func (h *handler) studentSummary(c *gin.Context) {
	ctx := c.Request.Context()
	groupID, studentID := c.Param("id"), c.Param("student")
	claims := subject(c)
	if claims.Role != auth.RoleStudent || claims.Subject != studentID {
		if err := h.svc.AuthorizeFaculty(ctx, groupID, claims.Subject); err != nil {
			h.writeError(c, err)
			return
		}
	}
	sum, err := h.svc.StudentSummary(ctx, groupID, studentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handler) getSettings(c *gin.Context) {
	ctx := c.Request.Context()
	groupID := c.Param("id")
	if err := h.svc.AuthorizeFaculty(ctx, groupID, subject(c).Subject); err != nil {
		h.writeError(c, err)
		return
	}
	settings, err := h.svc.GetSettings(ctx, groupID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *handler) putSettings(c *gin.Context) {
	var req attendance.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	req.GroupID = c.Param("id")
	settings, err := h.svc.UpdateSettings(c.Request.Context(), subject(c).Subject, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}
