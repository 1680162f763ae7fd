package attendance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom/internal/attendance"
	"classroom/internal/geo"
	"classroom/internal/queue"
	"classroom/internal/store/memory"
)

var (
	t0        = time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)
	facultyAt = geo.Point{Latitude: 12.97, Longitude: 77.59}
	nearby    = geo.Point{Latitude: 12.9701, Longitude: 77.5901}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recorder struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (r *recorder) Publish(_ context.Context, msg queue.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

type fixture struct {
	svc   *attendance.Service
	store *memory.Store
	clock *clock
	pub   *recorder
}

func setup(t *testing.T) fixture {
	t.Helper()
	st := memory.New()
	st.AddGroup("cs101", "prof-ada", "stu-a", "stu-b", "stu-c")
	st.AddGroup("cs102", "prof-bob", "stu-a")
	c := &clock{now: t0}
	pub := &recorder{}
	svc := attendance.NewService(st,
		attendance.WithClock(c.Now),
		attendance.WithPublisher(pub),
		attendance.WithLocateTimeout(time.Second))
	return fixture{svc: svc, store: st, clock: c, pub: pub}
}

func (f fixture) createSession(t *testing.T, mutate ...func(*attendance.CreateSessionParams)) attendance.Session {
	t.Helper()
	p := attendance.CreateSessionParams{
		GroupID:      "cs101",
		FacultyID:    "prof-ada",
		Name:         "Week 1 lecture",
		Type:         attendance.TypeLecture,
		QRMinutes:    5,
		RadiusMeters: 20,
	}
	for _, m := range mutate {
		m(&p)
	}
	loc := facultyAt
	sess, err := f.svc.CreateSession(context.Background(), p, geo.Fixed(&loc))
	require.NoError(t, err)
	return sess
}

func (f fixture) checkIn(sessionID, student string, at geo.Point) (attendance.Record, error) {
	return f.svc.EvaluateCheckIn(context.Background(), sessionID, student, geo.Fixed(&at), attendance.MethodQRScan)
}

func TestScenario(t *testing.T) {
	f := setup(t)
	sess := f.createSession(t)
	assert.Equal(t, attendance.SessionActive, sess.Status)
	assert.Nil(t, sess.EndedAt)
	assert.NotEmpty(t, sess.QRToken)
	assert.Equal(t, t0.Add(5*time.Minute), sess.QRExpiresAt())

	f.clock.Set(t0.Add(2 * time.Minute))
	rec, err := f.checkIn(sess.ID, "stu-a", nearby)
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPresent, rec.Status)
	assert.True(t, rec.LocationVerified)
	assert.Equal(t, attendance.MethodQRScan, rec.Method)
	assert.False(t, rec.EditedByFaculty)
	require.NotNil(t, rec.CheckedInAt)
	assert.Equal(t, t0.Add(2*time.Minute), *rec.CheckedInAt)

	f.clock.Set(t0.Add(6 * time.Minute))
	_, err = f.checkIn(sess.ID, "stu-b", nearby)
	assert.ErrorIs(t, err, attendance.ErrQRExpired)

	f.clock.Set(t0.Add(10 * time.Minute))
	rec, err = f.svc.ManualMark(context.Background(), attendance.MarkParams{
		SessionID: sess.ID,
		StudentID: "stu-b",
		Status:    attendance.StatusPresent,
		Reason:    "technical issue",
		FacultyID: "prof-ada",
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPresent, rec.Status)
	assert.Equal(t, attendance.MethodManual, rec.Method)
	assert.True(t, rec.EditedByFaculty)
	require.NotNil(t, rec.ManualReason)
	assert.Equal(t, "technical issue", *rec.ManualReason)

	assert.Equal(t, []string{attendance.EventSessionCreated, attendance.EventCheckIn, attendance.EventManualMark}, f.pub.types())
}

func TestCheckInURL(t *testing.T) {
	sess := attendance.Session{QRToken: "abc+/"}
	assert.Equal(t, "https://class.example.edu/attend?token=abc%2B%2F", sess.CheckInURL("https://class.example.edu/attend"))
}

func TestQRExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		wantErr error
	}{
		{name: "one second before expiry", offset: 5*time.Minute - time.Second},
		{name: "exactly at expiry", offset: 5 * time.Minute},
		{name: "one second after expiry", offset: 5*time.Minute + time.Second, wantErr: attendance.ErrQRExpired},
		{name: "long after", offset: time.Hour, wantErr: attendance.ErrQRExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			sess := f.createSession(t)
			f.clock.Set(t0.Add(tt.offset))
			_, err := f.checkIn(sess.ID, "stu-a", nearby)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGeofenceBoundary(t *testing.T) {
	student := geo.Point{Latitude: 12.9702, Longitude: 77.5902}
	d := geo.Distance(facultyAt, student)

	tests := []struct {
		name    string
		radius  float64
		wantErr bool
	}{
		{name: "inside", radius: d + 5},
		{name: "exactly on the boundary", radius: d},
		{name: "just outside", radius: d - 0.01, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			sess := f.createSession(t, func(p *attendance.CreateSessionParams) { p.RadiusMeters = tt.radius })
			_, err := f.checkIn(sess.ID, "stu-a", student)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var geoErr *attendance.OutsideGeofenceError
			require.ErrorAs(t, err, &geoErr)
			assert.ErrorIs(t, err, attendance.ErrOutsideGeofence)
			assert.InDelta(t, d, geoErr.Distance, 1e-9)
		})
	}
}

func TestCheckInFailures(t *testing.T) {
	f := setup(t)
	sess := f.createSession(t)

	_, err := f.checkIn("missing", "stu-a", nearby)
	assert.ErrorIs(t, err, attendance.ErrSessionNotFound)

	_, err = f.svc.EvaluateCheckIn(context.Background(), sess.ID, "stu-a", geo.Fixed(nil), attendance.MethodQRScan)
	assert.ErrorIs(t, err, attendance.ErrLocationUnavailable)

	_, err = f.svc.EvaluateCheckIn(context.Background(), sess.ID, "stu-a", geo.Fixed(&nearby), attendance.MethodManual)
	assert.ErrorIs(t, err, attendance.ErrValidation)

	_, err = f.checkIn(sess.ID, "stu-a", geo.Point{Latitude: 13.0, Longitude: 77.59})
	assert.ErrorIs(t, err, attendance.ErrOutsideGeofence)

	first, err := f.checkIn(sess.ID, "stu-a", nearby)
	require.NoError(t, err)
	_, err = f.checkIn(sess.ID, "stu-a", nearby)
	var dup *attendance.AlreadyRecordedError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first, dup.Record)

	_, err = f.svc.EndSession(context.Background(), sess.ID, "prof-ada")
	require.NoError(t, err)
	_, err = f.checkIn(sess.ID, "stu-b", nearby)
	assert.ErrorIs(t, err, attendance.ErrSessionClosed)
}

func TestConcurrentCheckInSameStudent(t *testing.T) {
	f := setup(t)
	sess := f.createSession(t)

	const scans = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
		other    []error
	)
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.checkIn(sess.ID, "stu-a", nearby)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, attendance.ErrAlreadyRecorded):
				dups++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, 1, ok)
	assert.Equal(t, scans-1, dups)

	records, err := f.store.ListRecords(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLateClassification(t *testing.T) {
	two, zero := 2, 0
	tests := []struct {
		name    string
		mutate  func(*attendance.CreateSessionParams)
		offset  time.Duration
		want    attendance.Status
		wantErr error
	}{
		{name: "first half of window", offset: 150 * time.Second, want: attendance.StatusPresent},
		{name: "second half of window", offset: 151 * time.Second, want: attendance.StatusLate},
		{
			name:   "explicit threshold",
			mutate: func(p *attendance.CreateSessionParams) { p.LateThresholdMinutes = &two },
			offset: 2*time.Minute + time.Second,
			want:   attendance.StatusLate,
		},
		{
			name:   "zero threshold uses group default",
			mutate: func(p *attendance.CreateSessionParams) { p.LateThresholdMinutes = &zero },
			offset: 150 * time.Second,
			want:   attendance.StatusPresent,
		},
		{
			name:   "zero threshold still marks late after default",
			mutate: func(p *attendance.CreateSessionParams) { p.LateThresholdMinutes = &zero },
			offset: 151 * time.Second,
			want:   attendance.StatusLate,
		},
		{
			name: "late entry disabled",
			mutate: func(p *attendance.CreateSessionParams) {
				no := false
				p.AllowLateEntry = &no
			},
			offset:  4 * time.Minute,
			wantErr: attendance.ErrLateEntryClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			var mutate []func(*attendance.CreateSessionParams)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			sess := f.createSession(t, mutate...)
			f.clock.Set(t0.Add(tt.offset))
			rec, err := f.checkIn(sess.ID, "stu-a", nearby)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

func TestCheckInByToken(t *testing.T) {
	f := setup(t)
	sess := f.createSession(t)

	rec, err := f.svc.CheckInByToken(context.Background(), sess.QRToken, "stu-c", geo.Fixed(&nearby))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, rec.SessionID)

	_, err = f.svc.CheckInByToken(context.Background(), "forged", "stu-c", geo.Fixed(&nearby))
	assert.ErrorIs(t, err, attendance.ErrSessionNotFound)
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	loc := facultyAt

	t.Run("defaults from settings", func(t *testing.T) {
		f := setup(t)
		sess, err := f.svc.CreateSession(ctx, attendance.CreateSessionParams{
			GroupID: "cs101", FacultyID: "prof-ada", Name: "Lab", Type: attendance.TypeLab,
		}, geo.Fixed(&loc))
		require.NoError(t, err)
		assert.Equal(t, 5, sess.QRMinutes)
		assert.Equal(t, 20.0, sess.RadiusMeters)
		assert.True(t, sess.AllowLateEntry)
		assert.Equal(t, facultyAt, sess.Location)
	})

	t.Run("group settings override defaults", func(t *testing.T) {
		f := setup(t)
		st := attendance.DefaultSettings("cs101")
		st.DefaultQRMinutes = 10
		st.DefaultRadiusMeters = 50
		_, err := f.svc.UpdateSettings(ctx, "prof-ada", st)
		require.NoError(t, err)

		sess := f.createSession(t, func(p *attendance.CreateSessionParams) { p.QRMinutes, p.RadiusMeters = 0, 0 })
		assert.Equal(t, 10, sess.QRMinutes)
		assert.Equal(t, 50.0, sess.RadiusMeters)
	})

	t.Run("new session ends the previous one", func(t *testing.T) {
		f := setup(t)
		first := f.createSession(t)
		f.clock.Set(t0.Add(time.Minute))
		second := f.createSession(t)

		got, err := f.svc.GetSession(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, attendance.SessionEnded, got.Status)
		assert.Equal(t, []string{
			attendance.EventSessionCreated,
			attendance.EventSessionEnded,
			attendance.EventSessionCreated,
		}, f.pub.types())

		f.pub.mu.Lock()
		ended, err := attendance.DecodeEvent(f.pub.msgs[1])
		f.pub.mu.Unlock()
		require.NoError(t, err)
		assert.Equal(t, first.ID, ended.SessionID)
		assert.Equal(t, "cs101", ended.GroupID)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("validation", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.CreateSession(ctx, attendance.CreateSessionParams{
			GroupID: "cs101", FacultyID: "prof-ada", Type: "party", QRMinutes: -1, RadiusMeters: -3,
		}, geo.Fixed(&loc))
		var verr *attendance.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Len(t, verr.Fields, 4)
	})

	t.Run("not the owner", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.CreateSession(ctx, attendance.CreateSessionParams{
			GroupID: "cs101", FacultyID: "prof-bob", Name: "x", Type: attendance.TypeLecture,
		}, geo.Fixed(&loc))
		assert.ErrorIs(t, err, attendance.ErrUnauthorized)

		_, err = f.svc.CreateSession(ctx, attendance.CreateSessionParams{
			GroupID: "nope", FacultyID: "prof-bob", Name: "x", Type: attendance.TypeLecture,
		}, geo.Fixed(&loc))
		assert.ErrorIs(t, err, attendance.ErrGroupNotFound)
	})

	t.Run("location unavailable writes nothing", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.CreateSession(ctx, attendance.CreateSessionParams{
			GroupID: "cs101", FacultyID: "prof-ada", Name: "x", Type: attendance.TypeLecture,
		}, geo.Fixed(nil))
		assert.ErrorIs(t, err, attendance.ErrLocationUnavailable)

		sessions, err := f.svc.ListGroupSessions(ctx, "cs101")
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("abandoned after location writes nothing", func(t *testing.T) {
		f := setup(t)
		cctx, cancel := context.WithCancel(ctx)
		provider := geo.ProviderFunc(func(context.Context) (geo.Point, error) {
			cancel()
			return facultyAt, nil
		})
		_, err := f.svc.CreateSession(cctx, attendance.CreateSessionParams{
			GroupID: "cs101", FacultyID: "prof-ada", Name: "x", Type: attendance.TypeLecture,
		}, provider)
		assert.ErrorIs(t, err, context.Canceled)

		sessions, err := f.svc.ListGroupSessions(ctx, "cs101")
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("new session supersedes active one", func(t *testing.T) {
		f := setup(t)
		first := f.createSession(t)
		f.clock.Set(t0.Add(time.Hour))
		second := f.createSession(t)
		assert.NotEqual(t, first.QRToken, second.QRToken)

		old, err := f.svc.GetSession(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, attendance.SessionEnded, old.Status)
		require.NotNil(t, old.EndedAt)
	})
}

func TestManualMark(t *testing.T) {
	ctx := context.Background()

	mark := func(f fixture, sessionID, student string, status attendance.Status, reason string) (attendance.Record, error) {
		return f.svc.ManualMark(ctx, attendance.MarkParams{
			SessionID: sessionID, StudentID: student, Status: status, Reason: reason, FacultyID: "prof-ada",
		})
	}

	t.Run("critical changes need a reason", func(t *testing.T) {
		f := setup(t)
		sess := f.createSession(t)

		_, err := mark(f, sess.ID, "stu-a", attendance.StatusPresent, "")
		assert.ErrorIs(t, err, attendance.ErrValidation)

		_, err = f.checkIn(sess.ID, "stu-b", nearby)
		require.NoError(t, err)
		_, err = mark(f, sess.ID, "stu-b", attendance.StatusAbsent, "  ")
		assert.ErrorIs(t, err, attendance.ErrValidation)

		rec, err := mark(f, sess.ID, "stu-b", attendance.StatusAbsent, "left after scanning")
		require.NoError(t, err)
		assert.Equal(t, attendance.StatusAbsent, rec.Status)
		assert.Nil(t, rec.CheckedInAt)
		assert.True(t, rec.EditedByFaculty)
		assert.True(t, rec.LocationVerified)

		_, err = mark(f, sess.ID, "stu-b", attendance.StatusPresent, "")
		assert.ErrorIs(t, err, attendance.ErrValidation)
	})

	t.Run("other changes get a generated reason", func(t *testing.T) {
		f := setup(t)
		sess := f.createSession(t)

		rec, err := mark(f, sess.ID, "stu-a", attendance.StatusExcused, "")
		require.NoError(t, err)
		require.NotNil(t, rec.ManualReason)
		assert.Equal(t, "marked excused by faculty", *rec.ManualReason)
		require.NotNil(t, rec.CheckedInAt)

		rec, err = mark(f, sess.ID, "stu-a", attendance.StatusLate, "")
		require.NoError(t, err)
		assert.Equal(t, attendance.StatusLate, rec.Status)
	})

	t.Run("allowed after the session ended", func(t *testing.T) {
		f := setup(t)
		sess := f.createSession(t)
		_, err := f.svc.EndSession(ctx, sess.ID, "prof-ada")
		require.NoError(t, err)

		f.clock.Set(t0.Add(48 * time.Hour))
		rec, err := mark(f, sess.ID, "stu-c", attendance.StatusPresent, "roll call correction")
		require.NoError(t, err)
		assert.Equal(t, t0.Add(48*time.Hour), *rec.CheckedInAt)
	})

	t.Run("rejections", func(t *testing.T) {
		f := setup(t)
		sess := f.createSession(t)

		_, err := mark(f, sess.ID, "stu-a", "pending", "x")
		assert.ErrorIs(t, err, attendance.ErrValidation)

		_, err = mark(f, "missing", "stu-a", attendance.StatusLate, "x")
		assert.ErrorIs(t, err, attendance.ErrSessionNotFound)

		_, err = f.svc.ManualMark(ctx, attendance.MarkParams{
			SessionID: sess.ID, StudentID: "stu-a", Status: attendance.StatusLate, FacultyID: "prof-bob",
		})
		assert.ErrorIs(t, err, attendance.ErrUnauthorized)
	})
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sess := f.createSession(t)

	_, err := f.svc.EndSession(ctx, sess.ID, "prof-bob")
	assert.ErrorIs(t, err, attendance.ErrUnauthorized)

	f.clock.Set(t0.Add(30 * time.Minute))
	ended, err := f.svc.EndSession(ctx, sess.ID, "prof-ada")
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, t0.Add(30*time.Minute), *ended.EndedAt)

	f.clock.Set(t0.Add(time.Hour))
	_, err = f.svc.EndSession(ctx, sess.ID, "prof-ada")
	assert.ErrorIs(t, err, attendance.ErrSessionClosed)

	stored, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Minute), *stored.EndedAt)

	_, err = f.svc.EndSession(ctx, "missing", "prof-ada")
	assert.ErrorIs(t, err, attendance.ErrSessionNotFound)
}

func TestDisplayableSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess := f.createSession(t)

	got, err := f.svc.DisplayableSession(ctx, sess.ID, "prof-ada")
	require.NoError(t, err)
	assert.Equal(t, sess.QRToken, got.QRToken)

	_, err = f.svc.DisplayableSession(ctx, sess.ID, "prof-bob")
	assert.ErrorIs(t, err, attendance.ErrUnauthorized)

	f.clock.Set(t0.Add(5*time.Minute + time.Second))
	_, err = f.svc.DisplayableSession(ctx, sess.ID, "prof-ada")
	assert.ErrorIs(t, err, attendance.ErrQRExpired)

	_, err = f.svc.EndSession(ctx, sess.ID, "prof-ada")
	require.NoError(t, err)
	_, err = f.svc.DisplayableSession(ctx, sess.ID, "prof-ada")
	assert.ErrorIs(t, err, attendance.ErrSessionClosed)
}

func TestRosterAndReport(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	sess := f.createSession(t)
	_, err := f.checkIn(sess.ID, "stu-a", nearby)
	require.NoError(t, err)

	roster, err := f.svc.SessionRoster(ctx, sess.ID, "prof-ada")
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.Equal(t, attendance.StatusPresent, roster[0].Status)
	assert.Equal(t, attendance.StatusPending, roster[1].Status)
	assert.True(t, roster[1].Implicit)

	_, err = f.svc.EndSession(ctx, sess.ID, "prof-ada")
	require.NoError(t, err)

	roster, err = f.svc.SessionRoster(ctx, sess.ID, "prof-ada")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusAbsent, roster[2].Status)

	report, err := f.svc.GroupReport(ctx, "cs101", "prof-ada")
	require.NoError(t, err)
	require.Len(t, report, 3)
	assert.Equal(t, "stu-a", report[0].StudentID)
	require.NotNil(t, report[0].Percentage)
	assert.Equal(t, 100.0, *report[0].Percentage)
	assert.Equal(t, attendance.StandingRegular, report[0].Standing)
	assert.Equal(t, 1, report[1].Absent)
	assert.Equal(t, attendance.StandingAtRisk, report[1].Standing)
	assert.True(t, report[1].BelowNotify)

	_, err = f.svc.GroupReport(ctx, "cs101", "prof-bob")
	assert.ErrorIs(t, err, attendance.ErrUnauthorized)
}
