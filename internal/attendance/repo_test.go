package attendance_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom/internal/attendance"
	"classroom/internal/geo"
	"classroom/internal/store"
)

// postgresRepo connects to DATABASE_URL and migrates it. Tests using it are
// skipped when no database is configured.
func postgresRepo(t *testing.T) (*attendance.PostgresRepository, string) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.NewDB(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(ctx, db.Client))

	repo := attendance.NewRepository(db.Client)
	group := "grp-" + uuid.NewString()
	require.NoError(t, repo.SeedGroup(ctx, group, "prof-ada", "stu-a", "stu-b", "stu-a"))
	return repo, group
}

func pgSession(group string, started time.Time) attendance.Session {
	return attendance.Session{
		ID:             uuid.NewString(),
		GroupID:        group,
		CreatedBy:      "prof-ada",
		Name:           "Week 1 lecture",
		Type:           attendance.TypeLecture,
		CreatedAt:      started,
		StartedAt:      started,
		Location:       geo.Point{Latitude: 51.5007, Longitude: -0.1246},
		RadiusMeters:   20,
		QRToken:        uuid.NewString(),
		QRMinutes:      5,
		AllowLateEntry: true,
		Status:         attendance.SessionActive,
	}
}

func TestPostgresCreateSessionSupersedes(t *testing.T) {
	repo, group := postgresRepo(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	first, ended, err := repo.CreateSession(ctx, pgSession(group, start))
	require.NoError(t, err)
	assert.Empty(t, ended)

	second, ended, err := repo.CreateSession(ctx, pgSession(group, start.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ended)

	got, err := repo.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, attendance.SessionEnded, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(second.StartedAt))

	byToken, err := repo.GetSessionByToken(ctx, second.QRToken)
	require.NoError(t, err)
	require.NotNil(t, byToken)
	assert.Equal(t, second.ID, byToken.ID)

	missing, err := repo.GetSession(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresConflicts(t *testing.T) {
	repo, group := postgresRepo(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	sess, _, err := repo.CreateSession(ctx, pgSession(group, start))
	require.NoError(t, err)

	dup := pgSession(group, start.Add(time.Minute))
	dup.QRToken = sess.QRToken
	_, _, err = repo.CreateSession(ctx, dup)
	assert.ErrorIs(t, err, attendance.ErrConflict)

	rec := attendance.Record{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		StudentID:   "stu-a",
		Status:      attendance.StatusPresent,
		CheckedInAt: &start,
		Method:      attendance.MethodQRScan,
		UpdatedAt:   start,
	}
	_, err = repo.InsertRecord(ctx, rec)
	require.NoError(t, err)

	rec.ID = uuid.NewString()
	_, err = repo.InsertRecord(ctx, rec)
	assert.ErrorIs(t, err, attendance.ErrConflict)

	members, err := repo.GroupMembers(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, []string{"stu-a", "stu-b"}, members)
}
