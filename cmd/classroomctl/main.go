// Command classroomctl runs operational tasks against the attendance database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"classroom/internal/attendance"
	"classroom/internal/auth"
	"classroom/internal/config"
	"classroom/internal/store"
)

func main() {
	if err := newApp(config.Load()).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(cfg config.App) *cli.App {
	return &cli.App{
		Name:  "classroomctl",
		Usage: "administer classroom attendance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", Value: cfg.DatabaseURL, EnvVars: []string{"DATABASE_URL"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "apply schema migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "status", Usage: "print migration status instead of migrating"},
				},
				Action: func(c *cli.Context) error {
					return withDB(c, func(ctx context.Context, db *store.DB) error {
						if c.Bool("status") {
							return store.MigrationStatus(ctx, db.Client)
						}
						if err := store.Migrate(ctx, db.Client); err != nil {
							return err
						}
						fmt.Fprintln(c.App.Writer, "migrations applied")
						return nil
					})
				},
			},
			{
				Name:      "seed",
				Usage:     "upsert groups and enrollments",
				ArgsUsage: "group:faculty:student1|student2[;...]",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected one roster argument", 2)
					}
					return withDB(c, func(ctx context.Context, db *store.DB) error {
						return store.Seed(ctx, attendance.NewRepository(db.Client), c.Args().First())
					})
				},
			},
			{
				Name:  "token",
				Usage: "mint an access token for local testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true},
					&cli.StringFlag{Name: "role", Value: auth.RoleStudent},
					&cli.DurationFlag{Name: "ttl", Value: cfg.AccessTTL},
				},
				Action: func(c *cli.Context) error {
					tok, err := auth.Issue(c.String("subject"), c.String("role"), cfg.JWTIssuer, cfg.JWTSigningKey, c.Duration("ttl"))
					if err != nil {
						return cli.Exit(err.Error(), 2)
					}
					fmt.Fprintln(c.App.Writer, tok.AccessToken)
					return nil
				},
			},
			{
				Name:  "report",
				Usage: "print every member's attendance in a group",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "group", Required: true},
				},
				Action: func(c *cli.Context) error {
					return withDB(c, func(ctx context.Context, db *store.DB) error {
						svc := attendance.NewService(attendance.NewRepository(db.Client))
						summaries, err := svc.Standings(ctx, c.String("group"))
						if err != nil {
							return err
						}
						return printReport(c.App.Writer, summaries)
					})
				},
			},
		},
	}
}

func withDB(c *cli.Context, fn func(ctx context.Context, db *store.DB) error) error {
	ctx, cancel := context.WithTimeout(c.Context, time.Minute)
	defer cancel()
	db, err := store.NewDB(ctx, c.String("database-url"))
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	return fn(ctx, db)
}

func printReport(w io.Writer, summaries []attendance.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STUDENT\tPRESENT\tLATE\tABSENT\tEXCUSED\tPERCENT\tSTANDING")
	for _, s := range summaries {
		pct := "-"
		if s.Percentage != nil {
			pct = fmt.Sprintf("%.1f", *s.Percentage)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n", s.StudentID, s.Present, s.Late, s.Absent, s.Excused, pct, s.Standing)
	}
	return tw.Flush()
}
