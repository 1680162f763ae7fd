package attendance

import (
	"context"
	"time"
)

// Repository is the persistence collaborator of the engine.
//
// Lookups return (nil, nil) when nothing matches. Writes that hit a unique
// constraint return ErrConflict.
type Repository interface {
	// GroupOwner returns the faculty id owning groupID or ErrGroupNotFound.
	GroupOwner(ctx context.Context, groupID string) (string, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)

	GetSettings(ctx context.Context, groupID string) (*Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error

	// CreateSession ends every other active session of the group and inserts s
	// in one transaction. It returns the ids of the sessions it ended.
	CreateSession(ctx context.Context, s Session) (Session, []string, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	ListSessions(ctx context.Context, groupID string) ([]Session, error)
	// EndSession reports false when the session was not active.
	EndSession(ctx context.Context, id string, at time.Time) (bool, error)

	GetRecord(ctx context.Context, sessionID, studentID string) (*Record, error)
	InsertRecord(ctx context.Context, r Record) (Record, error)
	UpdateRecord(ctx context.Context, r Record) (Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	ListGroupRecords(ctx context.Context, groupID string) ([]Record, error)
}
