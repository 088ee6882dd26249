package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AccountLister finds the accounts of a zone that should be syncing, across all shards.
type AccountLister interface {
	SyncableAccountIDs(ctx context.Context, zone string) ([]int64, error)
}

// Populator keeps the queue in step with the database: syncable accounts that
// are neither queued nor assigned get queued, and assigned accounts that should
// no longer sync get unassigned, which stops them on their worker.
type Populator struct {
	queue    *QueueClient
	accounts AccountLister
	interval time.Duration
	logger   zerolog.Logger
}

func NewPopulator(queue *QueueClient, accounts AccountLister, interval time.Duration, logger zerolog.Logger) *Populator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Populator{
		queue:    queue,
		accounts: accounts,
		interval: interval,
		logger:   logger.With().Str("component", "populator").Str("zone", queue.Zone()).Logger(),
	}
}

// Run populates every interval until ctx is done.
func (p *Populator) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PopulateOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("Populate pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PopulateOnce runs one diff pass.
func (p *Populator) PopulateOnce(ctx context.Context) error {
	syncable, err := p.accounts.SyncableAccountIDs(ctx, p.queue.Zone())
	if err != nil {
		return err
	}
	queued, err := p.queue.Queued(ctx)
	if err != nil {
		return err
	}
	assigned, err := p.queue.Assignments(ctx)
	if err != nil {
		return err
	}

	want := make(map[int64]bool, len(syncable))
	for _, id := range syncable {
		want[id] = true
	}
	known := make(map[int64]bool, len(queued)+len(assigned))
	for _, id := range queued {
		known[id] = true
	}
	for id := range assigned {
		known[id] = true
	}

	var missing []int64
	for _, id := range syncable {
		if !known[id] {
			missing = append(missing, id)
		}
	}
	if err := p.queue.Enqueue(ctx, missing...); err != nil {
		return err
	}
	if len(missing) > 0 {
		p.logger.Info().Int("count", len(missing)).Msg("Queued accounts")
	}

	for id, worker := range assigned {
		if want[id] {
			continue
		}
		ok, err := p.queue.Unassign(ctx, id, worker)
		if err != nil {
			return err
		}
		if ok {
			p.logger.Info().Int64("account_id", id).Str("worker", worker).Msg("Unassigned account that should no longer sync")
		}
	}
	return nil
}
