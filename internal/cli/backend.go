package cli

import (
	"context"
	"time"

	"eventpulse/internal/app"
	"eventpulse/internal/auth"
	"eventpulse/internal/db"
	"eventpulse/internal/scheduler"
	"eventpulse/internal/types"
)

// appBackend runs commands against a fully assembled application.
type appBackend struct {
	a *app.App
}

// OpenAppBackend loads configuration and assembles the application. The
// scheduler is never started.
func OpenAppBackend(ctx context.Context) (Backend, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, app.NewLogger(cfg.LogLevel))
	if err != nil {
		return nil, err
	}
	return &appBackend{a: a}, nil
}

func (b *appBackend) Migrate(ctx context.Context) error { return db.ApplySchema(ctx, b.a.DB) }

func (b *appBackend) JobTypes() []string { return b.a.Catalog.Types() }

func (b *appBackend) Watermarks(ctx context.Context) ([]types.JobWatermark, error) {
	return b.a.Store.Watermarks.List(ctx)
}

func (b *appBackend) Locks(ctx context.Context) ([]types.RunLock, error) {
	return b.a.Store.Locks.List(ctx)
}

func (b *appBackend) ReapLocks(ctx context.Context) ([]string, error) { return b.a.Reaper.Reap(ctx) }

func (b *appBackend) Sweep(ctx context.Context) (scheduler.SweepReport, error) {
	return b.a.Sweeper.Sweep(ctx)
}

func (b *appBackend) CatchUp(ctx context.Context, jobType string) (scheduler.CatchUpReport, error) {
	return b.a.Runner.CatchUp(ctx, jobType)
}

func (b *appBackend) CreateAPIKey(ctx context.Context, name string, ttl time.Duration) (*auth.IssuedKey, error) {
	return b.a.APIKeys.Create(ctx, name, ttl)
}

func (b *appBackend) RevokeAPIKey(ctx context.Context, id string) error {
	return b.a.APIKeys.Revoke(ctx, id)
}

func (b *appBackend) Close() { b.a.CloseWithTimeout() }
