package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"classroom/internal/attendance"
	"classroom/internal/config"
	"classroom/internal/queue"
	"classroom/internal/store/memory"
)

// Seeder enrolls students in a group owned by a faculty member.
type Seeder interface {
	SeedGroup(ctx context.Context, groupID, facultyID string, students ...string) error
}

// Backend bundles the repository and queue selected by configuration.
type Backend struct {
	Repo  attendance.Repository
	Queue queue.Queue
	DB    *DB
	Redis *Redis

	// Health maps a dependency name to its probe.
	Health map[string]func(ctx context.Context) bool
}

// Open wires the store and queue backends named in cfg. With the memory store
// the SEED_GROUPS roster is loaded; with postgres it is upserted.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Backend, error) {
	b := &Backend{Health: map[string]func(ctx context.Context) bool{}}

	switch cfg.StoreBackend {
	case "memory":
		b.Repo = memory.New()
		b.Health["store"] = func(context.Context) bool { return true }
	case "postgres":
		db, err := NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.DB = db
		if cfg.AutoMigrate {
			if err := Migrate(ctx, db.Client); err != nil {
				b.Close()
				return nil, err
			}
			log.Info("migrations applied")
		}
		b.Repo = attendance.NewRepository(db.Client)
		b.Health["db"] = db.Healthy
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	switch cfg.QueueBackend {
	case "memory":
		b.Queue = queue.NewInMemory(256)
	case "redis":
		r, err := NewRedis(cfg.RedisAddr)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		if !r.Healthy(ctx) {
			log.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr))
		}
		b.Redis = r
		b.Queue = queue.NewRedisQueue(r.Client, queue.DefaultKey)
		b.Health["redis"] = r.Healthy
	default:
		b.Close()
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	if cfg.SeedGroups != "" {
		if err := Seed(ctx, b.Repo, cfg.SeedGroups); err != nil {
			b.Close()
			return nil, err
		}
		log.Info("seeded groups", zap.String("groups", cfg.SeedGroups))
	}
	return b, nil
}

// Seed parses a SEED_GROUPS roster and applies it to repo.
func Seed(ctx context.Context, repo attendance.Repository, roster string) error {
	seeder, ok := repo.(Seeder)
	if !ok {
		return errors.New("repository does not support seeding")
	}
	groups, err := config.ParseGroups(roster)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := seeder.SeedGroup(ctx, g.ID, g.Faculty, g.Students...); err != nil {
			return fmt.Errorf("seed group %s: %w", g.ID, err)
		}
	}
	return nil
}

// Close releases every connection the backend opened.
func (b *Backend) Close() {
	_ = b.DB.Close()
	_ = b.Redis.Close()
}
