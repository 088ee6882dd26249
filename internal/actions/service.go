package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vdavid/mailsync/internal/blobstore"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

var errAccountDeleted = errors.New("account deleted")

// Store is the part of the shard store the syncback service reads and updates.
// Only actionlog rows are ever written.
type Store interface {
	MessageSource
	GetAccount(ctx context.Context, accountID int64) (*models.Account, error)
	PendingActions(ctx context.Context, shardKey int, afterID int64, limit int) ([]*models.ActionLogEntry, error)
	MarkActionSuccessful(ctx context.Context, actionID int64) error
	RecordActionFailure(ctx context.Context, actionID int64, maxRetries int, permanent bool) (models.ActionStatus, int, error)
	SyncbackWatermark(ctx context.Context, shardKey int) (int64, error)
	AdvanceSyncbackWatermark(ctx context.Context, shardKey int) (int64, error)
}

// SessionProvider checks out an IMAP session for the duration of fn. *imap.Pool implements it.
type SessionProvider interface {
	With(ctx context.Context, account *models.Account, fn func(imap.Session) error) error
}

type Config struct {
	// ShardKeys are the shards this process drains. No two processes may share one.
	ShardKeys    []int
	Workers      int
	PollInterval time.Duration
	// MaxRetries is the number of failed attempts after which an entry is marked failed.
	MaxRetries int
	BatchSize  int
	// RescanInterval is how often a shard is read from the start instead of past
	// its watermark. Ids are allocated at insert but become visible at commit, so
	// an entry can appear below a watermark that already moved past it.
	RescanInterval time.Duration
}

// Service drains the action log of its shards. Entries are read in id order past
// the shard watermark and handed to a fixed set of worker slots; entries of the
// same record always land in the same slot, so they run one after the other.
type Service struct {
	store    Store
	sessions SessionProvider
	registry *Registry
	cfg      Config
	logger   zerolog.Logger

	slots []chan *models.ActionLogEntry

	mu       sync.Mutex
	inFlight map[int64]struct{}

	// lastRescan is only touched by the poll loop.
	lastRescan map[int]time.Time
}

func NewService(store Store, sessions SessionProvider, registry *Registry, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = 30 * time.Second
	}

	slots := make([]chan *models.ActionLogEntry, cfg.Workers)
	for i := range slots {
		slots[i] = make(chan *models.ActionLogEntry, cfg.BatchSize)
	}
	return &Service{
		store:    store,
		sessions: sessions,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "syncback").Logger(),
		slots:    slots,
		inFlight: make(map[int64]struct{}),

		lastRescan: make(map[int]time.Time),
	}
}

// Run polls and works until ctx is done. Entries interrupted by shutdown stay
// pending and run again on the next start.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Ints("shards", s.cfg.ShardKeys).Int("workers", s.cfg.Workers).Msg("Syncback starting")

	g, ctx := errgroup.WithContext(ctx)
	for _, slot := range s.slots {
		slot := slot
		g.Go(func() error {
			s.work(ctx, slot)
			return nil
		})
	}
	g.Go(func() error {
		return s.poll(ctx)
	})

	err := g.Wait()
	s.logger.Info().Msg("Syncback stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for _, key := range s.cfg.ShardKeys {
			if err := s.pollShard(ctx, key); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error().Err(err).Int("shard", key).Msg("Failed to poll action log")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollShard dispatches the pending entries past the watermark that are not
// already being worked on, then moves the watermark up to the oldest pending one.
// Every RescanInterval it reads from the start of the log to pick up entries
// that committed after the watermark passed their id.
func (s *Service) pollShard(ctx context.Context, key int) error {
	var after int64
	if time.Since(s.lastRescan[key]) >= s.cfg.RescanInterval {
		s.lastRescan[key] = time.Now()
	} else {
		var err error
		after, err = s.store.SyncbackWatermark(ctx, key)
		if err != nil {
			return err
		}
	}
	entries, err := s.store.PendingActions(ctx, key, after, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !s.claim(entry.ID) {
			continue
		}
		select {
		case s.slots[slotFor(entry.RecordID, len(s.slots))] <- entry:
		case <-ctx.Done():
			s.release(entry.ID)
			return ctx.Err()
		}
	}

	_, err = s.store.AdvanceSyncbackWatermark(ctx, key)
	return err
}

func slotFor(recordID int64, n int) int {
	return int(uint64(recordID) % uint64(n))
}

func (s *Service) claim(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) release(id int64) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// InFlight is the number of entries dispatched and not finished yet.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Service) work(ctx context.Context, slot <-chan *models.ActionLogEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-slot:
			s.process(ctx, entry)
			s.release(entry.ID)
		}
	}
}

// process runs one entry and records the outcome. Failures count against the
// retry cap unless they can never succeed, in which case the entry fails at once.
func (s *Service) process(ctx context.Context, entry *models.ActionLogEntry) {
	logger := s.logger.With().
		Int64("action_id", entry.ID).
		Str("action", entry.Action).
		Int64("account_id", entry.AccountID).
		Int64("record_id", entry.RecordID).
		Logger()

	err := s.execute(ctx, entry)
	if err == nil {
		if err := s.store.MarkActionSuccessful(ctx, entry.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark action successful")
			return
		}
		metrics.Actions.WithLabelValues(entry.Action, "successful").Inc()
		logger.Debug().Msg("Action synced back")
		return
	}
	if ctx.Err() != nil {
		return
	}

	status, retries, ferr := s.store.RecordActionFailure(ctx, entry.ID, s.cfg.MaxRetries, isPermanent(err))
	if ferr != nil {
		logger.Error().Err(ferr).AnErr("action_error", err).Msg("Failed to record action failure")
		return
	}
	if status == models.ActionStatusFailed {
		metrics.Actions.WithLabelValues(entry.Action, "failed").Inc()
		logger.Error().Err(err).Int("retries", retries).Msg("Action failed permanently")
		return
	}
	metrics.Actions.WithLabelValues(entry.Action, "retry").Inc()
	logger.Warn().Err(err).Int("retries", retries).Msg("Action failed, will retry")
}

func (s *Service) execute(ctx context.Context, entry *models.ActionLogEntry) error {
	handler, err := s.registry.Lookup(entry.Action)
	if err != nil {
		return err
	}
	account, err := s.store.GetAccount(ctx, entry.AccountID)
	if err != nil {
		return err
	}
	if account.DeletedAt != nil {
		return fmt.Errorf("%w: %d", errAccountDeleted, account.ID)
	}
	provider, err := ProviderFor(account)
	if err != nil {
		return err
	}

	env := &Env{Account: account, Provider: provider}
	if isEvent(entry.Action) {
		return handler(ctx, env, entry)
	}
	return s.sessions.With(ctx, account, func(sess imap.Session) error {
		env.Session = sess
		return handler(ctx, env, entry)
	})
}

func isEvent(name string) bool {
	return name == CreateEvent || name == UpdateEvent || name == DeleteEvent
}

// isPermanent reports errors that no retry can fix.
func isPermanent(err error) bool {
	for _, target := range []error{
		ErrUnknownAction,
		ErrUnsupported,
		ErrInvalidArgs,
		errAccountDeleted,
		db.ErrAccountNotFound,
		db.ErrMessageNotFound,
		blobstore.ErrBlobNotFound,
		blobstore.ErrBlobCorrupt,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
