package game

import (
	"context"
	"log/slog"
	"time"

	"tablesync/cmd/internal/docstore"
)

// Janitor deletes games nobody has touched for the retention period.
type Janitor struct {
	log       *slog.Logger
	store     docstore.Store
	registry  *Registry
	retention time.Duration
	metrics   *Metrics
}

// NewJanitor constructs a Janitor. Active games in registry are never purged.
func NewJanitor(log *slog.Logger, store docstore.Store, registry *Registry, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Janitor{
		log:       log,
		store:     store,
		registry:  registry,
		retention: retention,
		metrics:   registry.opts.Metrics,
	}
}

// PurgeOnce deletes games whose last activity is before now minus the retention.
func (j *Janitor) PurgeOnce(ctx context.Context, now time.Time) (int64, error) {
	n, err := j.store.PurgeInactive(ctx, now.Add(-j.retention), j.registry.ActiveIDs())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.metrics.purged.Add(float64(n))
		j.log.Info("game.purge", "deleted", n)
	}
	return n, nil
}

// Run purges on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 24 * time.Hour
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := j.PurgeOnce(ctx, now.UTC()); err != nil {
				j.log.Warn("game.purge.fail", "err", err)
			}
		}
	}
}
