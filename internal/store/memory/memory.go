// Package memory is an in-process attendance.Repository for development and tests.
// It enforces the same uniqueness rules as the Postgres schema.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"classroom/internal/attendance"
)

type recordKey struct {
	session string
	student string
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	owners   map[string]string
	members  map[string][]string
	settings map[string]attendance.Settings
	sessions map[string]attendance.Session
	tokens   map[string]string
	records  map[recordKey]attendance.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{
		owners:   make(map[string]string),
		members:  make(map[string][]string),
		settings: make(map[string]attendance.Settings),
		sessions: make(map[string]attendance.Session),
		tokens:   make(map[string]string),
		records:  make(map[recordKey]attendance.Record),
	}
}

var _ attendance.Repository = (*Store)(nil)

// AddGroup registers a group, its owning faculty and its students.
func (s *Store) AddGroup(groupID, facultyID string, students ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[groupID] = facultyID
	enrolled := make(map[string]bool, len(s.members[groupID]))
	for _, m := range s.members[groupID] {
		enrolled[m] = true
	}
	for _, st := range students {
		if st == "" || enrolled[st] {
			continue
		}
		enrolled[st] = true
		s.members[groupID] = append(s.members[groupID], st)
	}
	sort.Strings(s.members[groupID])
}

// SeedGroup is AddGroup behind the seeding interface shared with Postgres.
func (s *Store) SeedGroup(_ context.Context, groupID, facultyID string, students ...string) error {
	s.AddGroup(groupID, facultyID, students...)
	return nil
}

func (s *Store) GroupOwner(_ context.Context, groupID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[groupID]
	if !ok {
		return "", attendance.ErrGroupNotFound
	}
	return owner, nil
}

func (s *Store) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members[groupID]...), nil
}

func (s *Store) GetSettings(_ context.Context, groupID string) (*attendance.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[groupID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *Store) SaveSettings(_ context.Context, st attendance.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[st.GroupID] = st
	return nil
}

func (s *Store) CreateSession(_ context.Context, sess attendance.Session) (attendance.Session, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tokens[sess.QRToken]; dup {
		return attendance.Session{}, nil, attendance.ErrConflict
	}
	if _, dup := s.sessions[sess.ID]; dup {
		return attendance.Session{}, nil, attendance.ErrConflict
	}
	var superseded []string
	for id, other := range s.sessions {
		if other.GroupID == sess.GroupID && other.Status == attendance.SessionActive {
			at := sess.StartedAt
			other.Status = attendance.SessionEnded
			other.EndedAt = &at
			s.sessions[id] = other
			superseded = append(superseded, id)
		}
	}
	sort.Strings(superseded)
	s.sessions[sess.ID] = sess
	s.tokens[sess.QRToken] = sess.ID
	return sess, superseded, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*attendance.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *Store) GetSessionByToken(_ context.Context, token string) (*attendance.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	sess := s.sessions[id]
	return &sess, nil
}

func (s *Store) ListSessions(_ context.Context, groupID string) ([]attendance.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []attendance.Session
	for _, sess := range s.sessions {
		if sess.GroupID == groupID {
			res = append(res, sess)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StartedAt.After(res[j].StartedAt) })
	return res, nil
}

func (s *Store) EndSession(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != attendance.SessionActive {
		return false, nil
	}
	sess.Status = attendance.SessionEnded
	sess.EndedAt = &at
	s.sessions[id] = sess
	return true, nil
}

func (s *Store) GetRecord(_ context.Context, sessionID, studentID string) (*attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{sessionID, studentID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) InsertRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{rec.SessionID, rec.StudentID}
	if _, dup := s.records[key]; dup {
		return attendance.Record{}, attendance.ErrConflict
	}
	s.records[key] = rec
	return rec, nil
}

func (s *Store) UpdateRecord(_ context.Context, rec attendance.Record) (attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.SessionID, rec.StudentID}] = rec
	return rec, nil
}

func (s *Store) ListRecords(_ context.Context, sessionID string) ([]attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []attendance.Record
	for key, rec := range s.records {
		if key.session == sessionID {
			res = append(res, rec)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].StudentID < res[j].StudentID })
	return res, nil
}

func (s *Store) ListGroupRecords(_ context.Context, groupID string) ([]attendance.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []attendance.Record
	for _, rec := range s.records {
		if s.sessions[rec.SessionID].GroupID == groupID {
			res = append(res, rec)
		}
	}
	return res, nil
}
