package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/mailsync"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrNotRunning is returned by StopSync when this worker does not run the account.
var ErrNotRunning = errors.New("account is not syncing on this worker")

// AccountStore is the account bookkeeping the service touches. sync_host is a
// mirror of the assignment for operators, never read back.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID int64) (*models.Account, error)
	SetSyncHost(ctx context.Context, accountID int64, host string) error
	SetSyncShouldRun(ctx context.Context, accountID int64, run bool) error
	SetDesiredSyncHost(ctx context.Context, accountID int64, host string) error
}

// Monitor is the per-account sync loop. *mailsync.AccountMonitor implements it.
type Monitor interface {
	Run(ctx context.Context) error
	Shutdown()
	Status() mailsync.AccountStatus
}

// MonitorFactory builds the monitor of a freshly claimed account.
type MonitorFactory func(account *models.Account) Monitor

type ServiceConfig struct {
	WorkerID string
	// MaxAccounts caps the accounts this worker syncs at once.
	MaxAccounts int
	// ClaimInterval is how often the service reconciles assignments and claims more work.
	ClaimInterval time.Duration
}

type runningMonitor struct {
	monitor Monitor
	done    chan struct{}
	// handOff is set, under SyncService.mu, once the account is moving to another worker.
	handOff *handOff
}

type handOff struct {
	worker string
	zone   string
}

// SyncService claims accounts from the queue and runs a Monitor for each. An
// account whose assignment disappears is stopped on the next reconcile, and an
// account assigned to this worker by a transfer is adopted.
type SyncService struct {
	queue      *QueueClient
	accounts   AccountStore
	newMonitor MonitorFactory
	cfg        ServiceConfig
	logger     zerolog.Logger

	mu       sync.Mutex
	monitors map[int64]*runningMonitor
	wg       sync.WaitGroup
}

func NewSyncService(queue *QueueClient, accounts AccountStore, newMonitor MonitorFactory, cfg ServiceConfig, logger zerolog.Logger) *SyncService {
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = 100
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = time.Second
	}
	return &SyncService{
		queue:      queue,
		accounts:   accounts,
		newMonitor: newMonitor,
		cfg:        cfg,
		logger:     logger.With().Str("component", "sync_service").Str("worker", cfg.WorkerID).Logger(),
		monitors:   make(map[int64]*runningMonitor),
	}
}

// Run reconciles and claims every ClaimInterval until ctx is done, then stops
// all monitors and releases their assignments.
func (s *SyncService) Run(ctx context.Context) error {
	s.logger.Info().Int("max_accounts", s.cfg.MaxAccounts).Msg("Sync service starting")
	defer s.stopAll()

	ticker := time.NewTicker(s.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		if err := s.step(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Scheduler pass failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sync service stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// step stops monitors that lost their assignment, hands accounts to their
// desired sync host, adopts transferred accounts, then claims up to MaxAccounts.
func (s *SyncService) step(ctx context.Context) error {
	assigned, err := s.queue.Assignments(ctx)
	if err != nil {
		return err
	}
	var owned, adopt []int64
	s.mu.Lock()
	for id, rm := range s.monitors {
		if assigned[id] != s.cfg.WorkerID {
			s.logger.Info().Int64("account_id", id).Msg("Assignment gone, stopping account")
			rm.monitor.Shutdown()
			continue
		}
		owned = append(owned, id)
	}
	for id, worker := range assigned {
		if _, running := s.monitors[id]; worker == s.cfg.WorkerID && !running {
			adopt = append(adopt, id)
		}
	}
	room := s.cfg.MaxAccounts - len(s.monitors)
	s.mu.Unlock()

	for _, id := range owned {
		if err := s.moveIfRequested(ctx, id); err != nil {
			s.logger.Warn().Err(err).Int64("account_id", id).Msg("Failed to check desired sync host")
		}
	}

	// Transferred accounts were placed here on purpose, so they do not wait for room.
	for _, id := range adopt {
		room--
		s.logger.Info().Int64("account_id", id).Msg("Adopting account assigned to this worker")
		if err := s.startAccount(ctx, id); err != nil {
			s.logger.Error().Err(err).Int64("account_id", id).Msg("Failed to start account")
			s.release(context.WithoutCancel(ctx), id)
		}
	}

	for i := 0; i < room; i++ {
		id, ok, err := s.queue.ClaimNext(ctx, s.cfg.WorkerID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.startAccount(ctx, id); err != nil {
			s.logger.Error().Err(err).Int64("account_id", id).Msg("Failed to start account")
			s.release(context.WithoutCancel(ctx), id)
		}
	}
	return nil
}

func (s *SyncService) startAccount(ctx context.Context, id int64) error {
	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if account.DeletedAt != nil || !account.SyncShouldRun {
		return fmt.Errorf("account %d should not sync", id)
	}

	if err := s.accounts.SetSyncHost(ctx, id, s.cfg.WorkerID); err != nil {
		s.logger.Warn().Err(err).Int64("account_id", id).Msg("Failed to record sync host")
	}

	rm := &runningMonitor{monitor: s.newMonitor(account), done: make(chan struct{})}
	s.mu.Lock()
	s.monitors[id] = rm
	s.mu.Unlock()
	metrics.ActiveAccounts.Inc()
	s.logger.Info().Int64("account_id", id).Msg("Account claimed")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(rm.done)

		err := rm.monitor.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Int64("account_id", id).Msg("Account sync exited")
		}

		s.mu.Lock()
		h := rm.handOff
		s.mu.Unlock()
		// The assignment changes before the monitor leaves the map, so a
		// reconcile in between never sees an owned account without a monitor.
		if h != nil {
			s.transfer(context.WithoutCancel(ctx), id, *h)
		} else {
			s.release(context.WithoutCancel(ctx), id)
		}

		s.mu.Lock()
		if s.monitors[id] == rm {
			delete(s.monitors, id)
		}
		s.mu.Unlock()
		metrics.ActiveAccounts.Dec()
	}()
	return nil
}

// moveIfRequested starts handing the account to its desired sync host when one
// is set to another worker. The monitor stops first; the assignment moves once
// it has exited, so two workers never sync the account at the same time.
func (s *SyncService) moveIfRequested(ctx context.Context, id int64) error {
	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	target := account.DesiredSyncHost
	if target == "" {
		return nil
	}
	if target == s.cfg.WorkerID {
		return s.accounts.SetDesiredSyncHost(ctx, id, "")
	}
	zone := account.Zone
	if zone == "" {
		zone = s.queue.Zone()
	}

	s.mu.Lock()
	rm, ok := s.monitors[id]
	if !ok || rm.handOff != nil {
		s.mu.Unlock()
		return nil
	}
	rm.handOff = &handOff{worker: target, zone: zone}
	s.mu.Unlock()

	s.logger.Info().Int64("account_id", id).Str("to_worker", target).Str("to_zone", zone).Msg("Handing account to desired sync host")
	rm.monitor.Shutdown()
	return nil
}

// transfer moves the assignment of a stopped account to h and clears the
// request. If the move fails the account is released instead.
func (s *SyncService) transfer(ctx context.Context, id int64, h handOff) {
	ok, err := s.queue.Transfer(ctx, id, h.worker, h.zone, s.cfg.WorkerID)
	if err != nil || !ok {
		s.logger.Warn().Err(err).Int64("account_id", id).Str("to_worker", h.worker).Msg("Failed to transfer account, releasing it")
		s.release(ctx, id)
		return
	}
	if err := s.accounts.SetDesiredSyncHost(ctx, id, ""); err != nil {
		s.logger.Warn().Err(err).Int64("account_id", id).Msg("Failed to clear desired sync host")
	}
	if err := s.accounts.SetSyncHost(ctx, id, ""); err != nil {
		s.logger.Warn().Err(err).Int64("account_id", id).Msg("Failed to clear sync host")
	}
	s.logger.Info().Int64("account_id", id).Str("to_worker", h.worker).Msg("Account transferred")
}

// release gives the account back so another worker can claim it.
func (s *SyncService) release(ctx context.Context, id int64) {
	ok, err := s.queue.Unassign(ctx, id, s.cfg.WorkerID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("account_id", id).Msg("Failed to unassign account")
		return
	}
	if !ok {
		return
	}
	if err := s.accounts.SetSyncHost(ctx, id, ""); err != nil {
		s.logger.Warn().Err(err).Int64("account_id", id).Msg("Failed to clear sync host")
	}
}

// StartSync marks the account syncable and queues it. Any worker of the zone may pick it up.
func (s *SyncService) StartSync(ctx context.Context, accountID int64) error {
	if err := s.accounts.SetSyncShouldRun(ctx, accountID, true); err != nil {
		return err
	}
	if _, owned, err := s.queue.Owner(ctx, accountID); err != nil || owned {
		return err
	}
	return s.queue.Enqueue(ctx, accountID)
}

// StopSync marks the account stopped and, if this worker runs it, stops it and
// waits for the monitor to exit. Elsewhere the populator unassigns it.
func (s *SyncService) StopSync(ctx context.Context, accountID int64) error {
	if err := s.accounts.SetSyncShouldRun(ctx, accountID, false); err != nil {
		return err
	}

	s.mu.Lock()
	rm, ok := s.monitors[accountID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	rm.monitor.Shutdown()
	select {
	case <-rm.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MoveSync asks the worker running the account to hand it to worker. The
// running worker acts on it during its next reconcile.
func (s *SyncService) MoveSync(ctx context.Context, accountID int64, worker string) error {
	return s.accounts.SetDesiredSyncHost(ctx, accountID, worker)
}

// Status reports every account running on this worker.
func (s *SyncService) Status() map[int64]mailsync.AccountStatus {
	s.mu.Lock()
	monitors := make(map[int64]Monitor, len(s.monitors))
	for id, rm := range s.monitors {
		monitors[id] = rm.monitor
	}
	s.mu.Unlock()

	out := make(map[int64]mailsync.AccountStatus, len(monitors))
	for id, m := range monitors {
		out[id] = m.Status()
	}
	return out
}

func (s *SyncService) stopAll() {
	s.mu.Lock()
	for _, rm := range s.monitors {
		rm.monitor.Shutdown()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
