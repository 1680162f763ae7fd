// Package httpapi exposes the attendance engine over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classroom/internal/attendance"
	"classroom/internal/auth"
	"classroom/internal/httpmiddleware"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Config carries everything the router needs besides the service.
type Config struct {
	SigningKey      string
	Issuer          string
	CheckinBaseURL  string
	CORSOrigins     []string
	RateLimitPerMin int
	Health          map[string]HealthCheck
}

type handler struct {
	svc *attendance.Service
	cfg Config
	log *zap.Logger
}

// NewRouter builds the gin engine with middleware and all /v1 routes.
func NewRouter(cfg Config, svc *attendance.Service, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	registerValidators()

	h := &handler{svc: svc, cfg: cfg, log: log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log, "/healthz", "/metrics"))
	r.Use(observeDuration())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewIPRateLimiter(cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1", auth.Authenticate(cfg.SigningKey, cfg.Issuer))
	faculty := auth.RequireRole(auth.RoleFaculty)
	student := auth.RequireRole(auth.RoleStudent)
	anyone := auth.RequireRole(auth.RoleFaculty, auth.RoleStudent)

	v1.POST("/sessions", faculty, h.createSession)
	v1.GET("/sessions/:id", anyone, h.getSession)
	v1.GET("/sessions/:id/qr", faculty, h.sessionQR)
	v1.POST("/sessions/:id/checkin", student, h.checkIn)
	v1.POST("/checkin", student, h.checkInByToken)
	v1.POST("/sessions/:id/mark", faculty, h.mark)
	v1.POST("/sessions/:id/end", faculty, h.endSession)
	v1.GET("/sessions/:id/records", faculty, h.roster)

	v1.GET("/groups/:id/sessions", anyone, h.groupSessions)
	v1.GET("/groups/:id/report", faculty, h.report)
	v1.GET("/groups/:id/students/:student/summary", anyone, h.studentSummary)
	v1.GET("/groups/:id/settings", faculty, h.getSettings)
	v1.PUT("/groups/:id/settings", faculty, h.putSettings)

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-QR-Expires-At"},
		MaxAge:        24 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (h *handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.cfg.Health {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
