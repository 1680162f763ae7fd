package attendance

import (
	"context"
	"errors"
	"sort"
)

// Standing classifies a student's attendance against the group minimum.
type Standing string

const (
	StandingRegular Standing = "regular"
	StandingAtRisk  Standing = "at_risk"
	StandingNoData  Standing = "no_data"
)

// Summary is the derived attendance of one student in one group. It is
// recomputed on every read.
type Summary struct {
	GroupID       string   `json:"group_id"`
	StudentID     string   `json:"student_id"`
	Present       int      `json:"present"`
	Late          int      `json:"late"`
	Absent        int      `json:"absent"`
	Excused       int      `json:"excused"`
	TotalSessions int      `json:"total_sessions"`
	Percentage    *float64 `json:"attendance_percentage"`
	Standing      Standing `json:"standing"`
	BelowNotify   bool     `json:"below_notification_threshold"`
}

// Attended is the percentage numerator.
func (s Summary) Attended() int { return s.Present + s.Late }

// Summarize computes a student's summary from all sessions and records of a group.
//
// Ended sessions without a record count as absences. Active sessions only count
// once the student has a record. Excused sessions are counted but excluded from
// the percentage.
func Summarize(groupID, studentID string, sessions []Session, records []Record, settings Settings) Summary {
	byKey := make(map[string]Status, len(records))
	for _, r := range records {
		if r.StudentID == studentID {
			byKey[r.SessionID] = r.Status
		}
	}

	sum := Summary{GroupID: groupID, StudentID: studentID}
	for _, sess := range sessions {
		status, ok := byKey[sess.ID]
		if !ok {
			if sess.Status != SessionEnded {
				continue
			}
			status = StatusAbsent
		}
		switch status {
		case StatusPresent:
			sum.Present++
		case StatusLate:
			sum.Late++
		case StatusAbsent:
			sum.Absent++
		case StatusExcused:
			sum.Excused++
		default:
			continue
		}
		sum.TotalSessions++
	}

	denominator := sum.Present + sum.Late + sum.Absent
	if denominator == 0 {
		sum.Standing = StandingNoData
		return sum
	}
	pct := 100 * float64(sum.Attended()) / float64(denominator)
	sum.Percentage = &pct
	sum.Standing = StandingRegular
	if pct < settings.MinPercentage {
		sum.Standing = StandingAtRisk
	}
	sum.BelowNotify = pct < settings.NotifyBelowPercentage
	return sum
}

// StudentSummary computes one student's attendance in a group.
func (s *Service) StudentSummary(ctx context.Context, groupID, studentID string) (Summary, error) {
	sessions, records, settings, err := s.groupData(ctx, groupID)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(groupID, studentID, sessions, records, settings), nil
}

// GroupReport computes every member's summary for the owning faculty.
func (s *Service) GroupReport(ctx context.Context, groupID, facultyID string) ([]Summary, error) {
	if err := s.AuthorizeFaculty(ctx, groupID, facultyID); err != nil {
		return nil, err
	}
	return s.Standings(ctx, groupID)
}

// Standings computes every member's summary without an ownership check.
// It is a full scan over the group's sessions and records.
func (s *Service) Standings(ctx context.Context, groupID string) ([]Summary, error) {
	sessions, records, settings, err := s.groupData(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := s.repo.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, persistence("list members", err)
	}
	out := make([]Summary, 0, len(members))
	for _, m := range members {
		out = append(out, Summarize(groupID, m, sessions, records, settings))
	}
	return out, nil
}

func (s *Service) groupData(ctx context.Context, groupID string) ([]Session, []Record, Settings, error) {
	if _, err := s.repo.GroupOwner(ctx, groupID); err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			return nil, nil, Settings{}, ErrGroupNotFound
		}
		return nil, nil, Settings{}, persistence("get group owner", err)
	}
	sessions, err := s.repo.ListSessions(ctx, groupID)
	if err != nil {
		return nil, nil, Settings{}, persistence("list sessions", err)
	}
	records, err := s.repo.ListGroupRecords(ctx, groupID)
	if err != nil {
		return nil, nil, Settings{}, persistence("list group records", err)
	}
	settings, err := s.GetSettings(ctx, groupID)
	if err != nil {
		return nil, nil, Settings{}, err
	}
	return sessions, records, settings, nil
}

// RosterEntry is one row of a session roster.
type RosterEntry struct {
	StudentID string  `json:"student_id"`
	Status    Status  `json:"status"`
	Implicit  bool    `json:"implicit"`
	Member    bool    `json:"member"`
	Record    *Record `json:"record,omitempty"`
}

// SessionRoster lists every member with their record. Members without one are
// implicitly absent once the session has ended and pending while it is active.
func (s *Service) SessionRoster(ctx context.Context, sessionID, facultyID string) ([]RosterEntry, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.AuthorizeFaculty(ctx, sess.GroupID, facultyID); err != nil {
		return nil, err
	}
	members, err := s.repo.GroupMembers(ctx, sess.GroupID)
	if err != nil {
		return nil, persistence("list members", err)
	}
	records, err := s.repo.ListRecords(ctx, sess.ID)
	if err != nil {
		return nil, persistence("list records", err)
	}
	return buildRoster(sess, members, records), nil
}

func buildRoster(sess Session, members []string, records []Record) []RosterEntry {
	byStudent := make(map[string]Record, len(records))
	for _, r := range records {
		byStudent[r.StudentID] = r
	}
	implicit := StatusPending
	if sess.Status == SessionEnded {
		implicit = StatusAbsent
	}

	out := make([]RosterEntry, 0, len(members)+len(records))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		seen[m] = true
		if r, ok := byStudent[m]; ok {
			rec := r
			out = append(out, RosterEntry{StudentID: m, Status: r.Status, Member: true, Record: &rec})
			continue
		}
		out = append(out, RosterEntry{StudentID: m, Status: implicit, Implicit: true, Member: true})
	}
	// Records of students who left the group stay visible.
	for _, r := range records {
		if seen[r.StudentID] {
			continue
		}
		rec := r
		out = append(out, RosterEntry{StudentID: r.StudentID, Status: r.Status, Record: &rec})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}
