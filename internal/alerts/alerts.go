// Package alerts reacts to attendance events. When a session ends it
// recomputes the group's standings and flags students below the
// notification threshold.
package alerts

import (
	"context"

	"go.uber.org/zap"

	"classroom/internal/attendance"
	"classroom/internal/metrics"
	"classroom/internal/queue"
)

// Standings is the part of attendance.Service the consumer needs.
type Standings interface {
	Standings(ctx context.Context, groupID string) ([]attendance.Summary, error)
}

// Consumer handles queue messages one at a time.
type Consumer struct {
	svc Standings
	log *zap.Logger
}

// NewConsumer builds a consumer.
func NewConsumer(svc Standings, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{svc: svc, log: log}
}

// Run consumes q until ctx is done.
func (c *Consumer) Run(ctx context.Context, q queue.Queue) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		c.Handle(ctx, msg)
	}
	return nil
}

// Handle processes one message. Failures are logged and never retried.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) {
	evt, err := attendance.DecodeEvent(msg)
	if err != nil {
		c.log.Warn("undecodable event", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	switch msg.Type {
	case attendance.EventSessionEnded:
		c.flagLowAttendance(ctx, evt)
	case attendance.EventCheckIn, attendance.EventManualMark:
		c.log.Debug("attendance recorded",
			zap.String("session_id", evt.SessionID),
			zap.String("student_id", evt.StudentID),
			zap.String("status", string(evt.Status)))
	default:
		c.log.Debug("event ignored", zap.String("type", msg.Type), zap.String("session_id", evt.SessionID))
	}
}

func (c *Consumer) flagLowAttendance(ctx context.Context, evt attendance.Event) {
	summaries, err := c.svc.Standings(ctx, evt.GroupID)
	if err != nil {
		c.log.Error("standings failed", zap.String("group_id", evt.GroupID), zap.Error(err))
		return
	}
	flagged := 0
	for _, s := range summaries {
		if !s.BelowNotify {
			continue
		}
		flagged++
		metrics.LowAttendanceAlerts.Inc()
		c.log.Info("low attendance",
			zap.String("group_id", s.GroupID),
			zap.String("student_id", s.StudentID),
			zap.Float64p("percentage", s.Percentage),
			zap.String("standing", string(s.Standing)))
	}
	c.log.Info("session ended processed",
		zap.String("session_id", evt.SessionID),
		zap.String("group_id", evt.GroupID),
		zap.Int("students", len(summaries)),
		zap.Int("flagged", flagged))
}
