// Package metrics holds the Prometheus collectors shared by the api and worker binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "classroom"

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attendance",
		Name:      "sessions_created_total",
		Help:      "Attendance sessions opened by faculty.",
	})

	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attendance",
		Name:      "sessions_ended_total",
		Help:      "Attendance sessions closed by faculty or superseded.",
	})

	// CheckIns counts QR check-in attempts by outcome (present, late, qr_expired, ...).
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attendance",
		Name:      "checkins_total",
		Help:      "QR check-in attempts by outcome.",
	}, []string{"outcome"})

	ManualMarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attendance",
		Name:      "manual_marks_total",
		Help:      "Manual attendance overrides by target status.",
	}, []string{"status"})

	LowAttendanceAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "low_attendance_alerts_total",
		Help:      "Students found below their group's notification threshold.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
