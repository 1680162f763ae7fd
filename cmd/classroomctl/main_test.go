package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classroom/internal/attendance"
	"classroom/internal/auth"
	"classroom/internal/config"
)

func TestTokenCommand(t *testing.T) {
	cfg := config.App{JWTIssuer: "iss", JWTSigningKey: "key", AccessTTL: time.Hour}
	app := newApp(cfg)
	var out bytes.Buffer
	app.Writer = &out

	require.NoError(t, app.Run([]string{"classroomctl", "token", "--subject", "prof-ada", "--role", "faculty"}))

	claims, err := auth.Parse(strings.TrimSpace(out.String()), "key", "iss")
	require.NoError(t, err)
	assert.Equal(t, "prof-ada", claims.Subject)
	assert.Equal(t, auth.RoleFaculty, claims.Role)
}

func TestPrintReport(t *testing.T) {
	pct := 66.66666
	var out bytes.Buffer
	require.NoError(t, printReport(&out, []attendance.Summary{
		{StudentID: "stu-a", Present: 1, Late: 1, Absent: 1, Percentage: &pct, Standing: attendance.StandingAtRisk},
		{StudentID: "stu-b", Standing: attendance.StandingNoData},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "66.7")
	assert.Contains(t, lines[1], "at_risk")
	assert.Contains(t, lines[2], "-")
	assert.Contains(t, lines[2], "no_data")
}
