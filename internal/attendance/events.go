package attendance

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"classroom/internal/queue"
)

// Event types published on the queue.
const (
	EventSessionCreated = "session.created"
	EventSessionEnded   = "session.ended"
	EventCheckIn        = "checkin.recorded"
	EventManualMark     = "record.marked"
)

// Publisher is the part of queue.Queue the service needs.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Event is the body of every attendance queue message.
type Event struct {
	SessionID string    `json:"session_id"`
	GroupID   string    `json:"group_id"`
	StudentID string    `json:"student_id,omitempty"`
	Status    Status    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// DecodeEvent parses a queue message produced by the service.
func DecodeEvent(msg queue.Message) (Event, error) {
	var evt Event
	err := json.Unmarshal(msg.Body, &evt)
	return evt, err
}

// publish is best effort: a lost event never fails the operation that produced it.
func (s *Service) publish(ctx context.Context, typ string, evt Event) {
	if s.pub == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		s.log.Error("encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := s.pub.Publish(ctx, queue.Message{Type: typ, Body: body}); err != nil {
		s.log.Warn("queue publish failed", zap.String("type", typ), zap.String("session_id", evt.SessionID), zap.Error(err))
	}
}
