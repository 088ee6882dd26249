package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// gmailSyncedFolders are the only Gmail folders synced. Every other label is
// already covered by All Mail and recorded through X-GM-LABELS.
var gmailSyncedFolders = []string{
	models.CanonicalInbox,
	models.CanonicalAll,
	models.CanonicalTrash,
	models.CanonicalSpam,
}

type MonitorConfig struct {
	Sync                  Config
	FolderRefreshInterval time.Duration
	// FetchRatePerSecond caps fetch round trips across all folders of the account. Zero is unlimited.
	FetchRatePerSecond float64
	// RestartDelay is the pause before a failed folder sync runs again.
	RestartDelay time.Duration
}

// AccountStatus aggregates the folder reports of one account.
type AccountStatus struct {
	AccountID      int64          `json:"account_id"`
	State          string         `json:"state"`
	StoredMessages int64          `json:"stored_messages"`
	StoredData     int64          `json:"stored_data"`
	Error          string         `json:"error,omitempty"`
	Folders        []FolderReport `json:"folders"`
}

type folderRunner struct {
	sync   *FolderSync
	exited chan struct{}
}

// AccountMonitor runs the folder syncs of one account. Only one folder at a
// time runs its initial download, and polling folders run in parallel.
// Shutdown is cooperative: each folder sync finishes its current round trip first.
type AccountMonitor struct {
	account  *models.Account
	store    Store
	sessions SessionProvider
	decoder  *Decoder
	limiter  *rate.Limiter
	// initialGate lets one folder at a time run its initial download.
	initialGate chan struct{}
	cfg         MonitorConfig
	logger      zerolog.Logger

	mu     sync.Mutex
	syncs  map[string]*folderRunner
	err    error
	wg     sync.WaitGroup
	done   chan struct{}
	doneMu sync.Once
}

func NewAccountMonitor(account *models.Account, store Store, sessions SessionProvider, decoder *Decoder, cfg MonitorConfig, logger zerolog.Logger) *AccountMonitor {
	if cfg.FolderRefreshInterval <= 0 {
		cfg.FolderRefreshInterval = 10 * time.Minute
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Minute
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.FetchRatePerSecond > 0 {
		burst := int(cfg.FetchRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.FetchRatePerSecond), burst)
	}

	return &AccountMonitor{
		account:  account,
		store:    store,
		sessions: sessions,
		decoder:  decoder,
		limiter:  limiter,
		cfg:      cfg,
		logger: logger.With().
			Int64("account_id", account.ID).
			Str("email", logging.RedactEmail(account.EmailAddress)).
			Logger(),
		syncs: make(map[string]*folderRunner),
		done:  make(chan struct{}),

		initialGate: make(chan struct{}, 1),
	}
}

// Shutdown asks Run to stop all folder syncs and return.
func (m *AccountMonitor) Shutdown() {
	m.doneMu.Do(func() { close(m.done) })
}

// Done is closed once shutdown has been requested.
func (m *AccountMonitor) Done() <-chan struct{} {
	return m.done
}

func (m *AccountMonitor) stopping() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Run discovers folders, starts their syncs and re-lists folders every
// FolderRefreshInterval until Shutdown. It returns imap.ErrAuthFailed after
// marking the account invalid.
func (m *AccountMonitor) Run(ctx context.Context) error {
	defer m.stopAll()
	m.logger.Info().Msg("Account sync starting")

	if err := m.refreshFolders(ctx); err != nil {
		if errors.Is(err, imap.ErrAuthFailed) {
			m.fail(ctx, err)
			return err
		}
		return fmt.Errorf("failed to start account sync: %w", err)
	}

	ticker := time.NewTicker(m.cfg.FolderRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			m.mu.Lock()
			err := m.err
			m.mu.Unlock()
			m.logger.Info().Msg("Account sync stopped")
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.refreshFolders(ctx); err != nil {
				if errors.Is(err, imap.ErrAuthFailed) {
					m.fail(ctx, err)
					continue
				}
				m.logger.Warn().Err(err).Msg("Failed to refresh folders")
			}
		}
	}
}

// Status reports every running folder sync.
func (m *AccountMonitor) Status() AccountStatus {
	m.mu.Lock()
	runners := make([]*folderRunner, 0, len(m.syncs))
	for _, r := range m.syncs {
		runners = append(runners, r)
	}
	err := m.err
	m.mu.Unlock()

	status := AccountStatus{AccountID: m.account.ID, State: string(models.SyncStateRunning), Folders: []FolderReport{}}
	if m.stopping() {
		status.State = string(models.SyncStateStopped)
	}
	if err != nil {
		status.State = string(models.SyncStateInvalid)
		status.Error = err.Error()
	}
	for _, r := range runners {
		rep := r.sync.Report()
		status.StoredMessages += rep.StoredMessages
		status.StoredData += rep.StoredData
		status.Folders = append(status.Folders, rep)
	}
	sort.Slice(status.Folders, func(i, j int) bool { return status.Folders[i].Folder < status.Folders[j].Folder })
	return status
}

// fail marks the account as needing attention and shuts the monitor down.
func (m *AccountMonitor) fail(ctx context.Context, err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()

	m.logger.Error().Err(err).Msg("Account needs attention")
	if serr := m.store.SetAccountSyncState(ctx, m.account.ID, models.SyncStateInvalid, err.Error()); serr != nil {
		m.logger.Error().Err(serr).Msg("Failed to mark account invalid")
	}
	m.Shutdown()
}

// refreshFolders reconciles server folders with stored ones, retires folders
// deleted remotely and starts syncs for the rest. It blocks while a newly
// started folder is in its initial download.
func (m *AccountMonitor) refreshFolders(ctx context.Context) error {
	var names *imap.FolderNames
	err := m.sessions.With(ctx, m.account, func(sess imap.Session) error {
		var err error
		names, err = sess.FolderNames()
		return err
	})
	if err != nil {
		return err
	}

	stored, err := m.store.ListFolders(ctx, m.account.ID)
	if err != nil {
		return err
	}

	remote := m.foldersToSync(names)
	onServer := make(map[string]bool, len(remote))
	for _, nf := range remote {
		onServer[nf.Name] = true
	}
	for _, f := range stored {
		if !onServer[f.Name] {
			if err := m.retire(ctx, f); err != nil {
				return err
			}
		}
	}

	folders := make([]*models.Folder, 0, len(remote))
	var allMail *models.Folder
	for _, nf := range remote {
		folder := &models.Folder{AccountID: m.account.ID, Name: nf.Name, CanonicalName: nf.CanonicalName}
		if err := m.store.SaveFolder(ctx, folder); err != nil {
			return err
		}
		if folder.CanonicalName == models.CanonicalAll {
			allMail = folder
		}
		folders = append(folders, folder)
	}

	for _, folder := range folders {
		if m.stopping() {
			return nil
		}
		if folder.State == models.FolderStateFinish || m.running(folder.Name) {
			continue
		}

		var am *models.Folder
		if m.account.IsGmail() {
			am = allMail
		}
		r := m.start(ctx, NewFolderSync(FolderSyncParams{
			Account:  m.account,
			Folder:   folder,
			AllMail:  am,
			Store:    m.store,
			Sessions: m.sessions,
			Decoder:  m.decoder,
			Limiter:  m.limiter,
			Config:   m.cfg.Sync,
			Logger:   m.logger,

			InitialGate: m.initialGate,
		}))

		// Waiting here keeps folders in order; the gate also covers folders that
		// a resync sends back to initial later.
		select {
		case <-r.sync.Ready():
		case <-r.exited:
		case <-m.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// foldersToSync picks the server folders to sync, inbox first.
func (m *AccountMonitor) foldersToSync(names *imap.FolderNames) []imap.NamedFolder {
	if m.account.IsGmail() {
		var out []imap.NamedFolder
		for _, canonical := range gmailSyncedFolders {
			if name := names.Get(canonical); name != "" {
				out = append(out, imap.NamedFolder{Name: name, CanonicalName: canonical})
			}
		}
		return out
	}

	all := names.Folders()
	out := make([]imap.NamedFolder, 0, len(all))
	for _, nf := range all {
		if nf.CanonicalName == models.CanonicalInbox {
			out = append(out, nf)
		}
	}
	for _, nf := range all {
		if nf.CanonicalName != models.CanonicalInbox {
			out = append(out, nf)
		}
	}
	return out
}

func (m *AccountMonitor) running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.syncs[name]
	return ok
}

// start runs fs until it stops, restarting it after RestartDelay when it fails.
func (m *AccountMonitor) start(ctx context.Context, fs *FolderSync) *folderRunner {
	r := &folderRunner{sync: fs, exited: make(chan struct{})}
	m.mu.Lock()
	m.syncs[fs.folder.Name] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.exited)
		for {
			err := fs.Run(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			if errors.Is(err, imap.ErrAuthFailed) {
				m.fail(ctx, err)
				return
			}
			m.logger.Error().Err(err).Str("folder", fs.folder.Name).Dur("restart_in", m.cfg.RestartDelay).Msg("Folder sync failed")
			if !fs.sleep(ctx, m.cfg.RestartDelay) {
				return
			}
		}
	}()
	return r
}

// retire finishes the sync of a folder that disappeared from the server and deletes it locally.
func (m *AccountMonitor) retire(ctx context.Context, folder *models.Folder) error {
	m.mu.Lock()
	r, ok := m.syncs[folder.Name]
	delete(m.syncs, folder.Name)
	m.mu.Unlock()

	if ok {
		r.sync.Finish()
		<-r.exited
	}
	m.logger.Info().Str("folder", folder.Name).Msg("Folder deleted on the server")
	return m.store.DeleteFolder(ctx, m.account.ID, folder.ID)
}

func (m *AccountMonitor) stopAll() {
	m.mu.Lock()
	for _, r := range m.syncs {
		r.sync.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
