package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrUIDValidityChanged means the cached uids of a folder no longer identify the
// same messages. The folder sync moves to its -invalid state and remaps.
var ErrUIDValidityChanged = errors.New("uid validity changed")

// errStopped unwinds a step when Stop was called between two round trips.
var errStopped = errors.New("folder sync stopped")

type Config struct {
	PollFrequency time.Duration
	// DownloadChunkSize is the number of uids persisted per transaction.
	DownloadChunkSize int
	// FetchChunkSize is the number of bodies fetched per round trip.
	FetchChunkSize int
	// RetryDelay is the pause after a transient network failure.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollFrequency:     30 * time.Second,
		DownloadChunkSize: 100,
		FetchChunkSize:    10,
		RetryDelay:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollFrequency <= 0 {
		c.PollFrequency = def.PollFrequency
	}
	if c.DownloadChunkSize <= 0 {
		c.DownloadChunkSize = def.DownloadChunkSize
	}
	if c.FetchChunkSize <= 0 {
		c.FetchChunkSize = def.FetchChunkSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	return c
}

// FolderReport is the published progress of one folder sync.
type FolderReport struct {
	Folder         string             `json:"folder"`
	State          models.FolderState `json:"state"`
	StoredMessages int64              `json:"stored_messages"`
	StoredData     int64              `json:"stored_data"`
	LastError      string             `json:"last_error,omitempty"`
}

// FolderSyncParams wires a FolderSync.
type FolderSyncParams struct {
	Account *models.Account
	Folder  *models.Folder
	// AllMail is the Gmail All Mail folder used for thread expansion. Nil disables expansion.
	AllMail  *models.Folder
	Store    Store
	Sessions SessionProvider
	Decoder  *Decoder
	// Remapper handles UIDVALIDITY changes. Defaults to GmailRemapper for Gmail
	// accounts and ResyncRemapper otherwise.
	Remapper UIDRemapper
	// Limiter throttles fetch round trips of the whole account. Nil means unlimited.
	Limiter *rate.Limiter
	// InitialGate is a one-slot channel shared by the folders of an account.
	// A folder holds it while in initial or initial-invalid, including after a
	// resync sends it back there. Nil means ungated.
	InitialGate chan struct{}
	Config      Config
	Logger      zerolog.Logger
}

// FolderSync drives one (account, folder) pair through the sync states:
//
//	initial ──> poll ──> poll (forever, sleeping PollFrequency in between)
//	   │          │
//	   v          v
//	initial-invalid / poll-invalid ──remap──> back to the prior state
//
// finish is terminal for the run. Only one FolderSync may run per folder.
type FolderSync struct {
	account  *models.Account
	folder   *models.Folder
	allMail  *models.Folder
	store    Store
	sessions SessionProvider
	decoder  *Decoder
	remapper UIDRemapper
	limiter  *rate.Limiter
	cfg      Config
	logger   zerolog.Logger

	gate chan struct{}
	// holdingGate is only touched by the goroutine in Run.
	holdingGate bool

	mu     sync.Mutex
	state  models.FolderState
	report FolderReport

	// pruneAfterInitial is set by a resync so orphaned messages are dropped once
	// the folder has been downloaded again.
	pruneAfterInitial bool

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	finish    atomic.Bool
}

func NewFolderSync(p FolderSyncParams) *FolderSync {
	folder := *p.Folder
	if folder.State == "" {
		folder.State = models.FolderStateInitial
	}

	var allMail *models.Folder
	if p.AllMail != nil && p.AllMail.ID != folder.ID {
		am := *p.AllMail
		allMail = &am
	}

	remapper := p.Remapper
	if remapper == nil {
		if p.Account.IsGmail() {
			remapper = &GmailRemapper{Store: p.Store, ChunkSize: p.Config.DownloadChunkSize}
		} else {
			remapper = &ResyncRemapper{Store: p.Store}
		}
	}

	limiter := p.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	f := &FolderSync{
		account:  p.Account,
		folder:   &folder,
		allMail:  allMail,
		store:    p.Store,
		sessions: p.Sessions,
		decoder:  p.Decoder,
		remapper: remapper,
		limiter:  limiter,
		gate:     p.InitialGate,
		cfg:      p.Config.withDefaults(),
		logger:   p.Logger.With().Str("folder", folder.Name).Logger(),
		state:    folder.State,
		report:   FolderReport{Folder: folder.Name, State: folder.State, LastError: folder.SyncError},
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
	}
	if isSettled(folder.State) {
		f.markReady()
	}
	return f
}

// State is the current state machine state.
func (f *FolderSync) State() models.FolderState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Report returns the latest published progress.
func (f *FolderSync) Report() FolderReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

// Ready is closed once the folder has left its initial download.
func (f *FolderSync) Ready() <-chan struct{} {
	return f.ready
}

// Stop asks the sync to return after its current round trip.
func (f *FolderSync) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// Finish stops the sync and moves the folder to finish.
func (f *FolderSync) Finish() {
	f.finish.Store(true)
	f.Stop()
}

func (f *FolderSync) stopped() bool {
	select {
	case <-f.stop:
		return true
	default:
		return false
	}
}

func (f *FolderSync) markReady() {
	f.readyOnce.Do(func() { close(f.ready) })
}

func isSettled(state models.FolderState) bool {
	return state == models.FolderStatePoll || state == models.FolderStatePollInvalid || state == models.FolderStateFinish
}

// Run loops until Stop, ctx cancellation, or a non-transient error. Transient
// network errors are logged and retried after RetryDelay. A returned error leaves
// committed state intact; running again resumes from the persisted watermark.
func (f *FolderSync) Run(ctx context.Context) error {
	defer f.releaseGate()
	for {
		if f.stopped() {
			if f.finish.Load() && f.State() != models.FolderStateFinish {
				return f.transition(ctx, models.FolderStateFinish)
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		state := f.State()
		if state == models.FolderStateFinish {
			f.markReady()
			return nil
		}
		if err := f.gateFor(ctx, state); err != nil {
			if errors.Is(err, errStopped) {
				continue
			}
			return err
		}

		err := f.runStep(ctx)
		if errors.Is(err, errStopped) {
			continue
		}
		if err != nil {
			f.recordError(ctx, err)
			if !imap.IsRetryable(err) {
				return err
			}
			f.logger.Warn().Err(err).Dur("retry_in", f.cfg.RetryDelay).Msg("Transient sync failure")
			f.sleep(ctx, f.cfg.RetryDelay)
			continue
		}

		f.refreshReport(ctx)
		if state == models.FolderStatePoll && f.State() == models.FolderStatePoll {
			f.sleep(ctx, f.cfg.PollFrequency)
		}
	}
}

// gateFor takes the account's initial slot before a download from scratch and
// hands it back once the folder has settled.
func (f *FolderSync) gateFor(ctx context.Context, state models.FolderState) error {
	if f.gate == nil {
		return nil
	}
	if isSettled(state) {
		f.releaseGate()
		return nil
	}
	if f.holdingGate {
		return nil
	}
	select {
	case f.gate <- struct{}{}:
		f.holdingGate = true
		return nil
	case <-f.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FolderSync) releaseGate() {
	if f.holdingGate {
		<-f.gate
		f.holdingGate = false
	}
}

// sleep waits d, returning false when interrupted by Stop or ctx.
func (f *FolderSync) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-f.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// runStep executes one state machine step and records the resulting transition.
func (f *FolderSync) runStep(ctx context.Context) error {
	state := f.State()
	start := time.Now()

	next, err := f.step(ctx, state)
	metrics.FolderIteration.WithLabelValues(string(state)).Observe(time.Since(start).Seconds())

	if errors.Is(err, ErrUIDValidityChanged) {
		f.logger.Warn().Err(err).Str("state", string(state)).Msg("UIDVALIDITY changed, remapping")
		next, err = invalidStateFor(state), nil
	}
	if err != nil {
		return err
	}
	if next != state {
		return f.transition(ctx, next)
	}
	f.clearError()
	return nil
}

func (f *FolderSync) step(ctx context.Context, state models.FolderState) (models.FolderState, error) {
	switch state {
	case models.FolderStateInitial:
		return f.initialSync(ctx)
	case models.FolderStatePoll:
		return f.pollOnce(ctx)
	case models.FolderStateInitialInvalid:
		return f.remap(ctx, models.FolderStateInitial)
	case models.FolderStatePollInvalid:
		return f.remap(ctx, models.FolderStatePoll)
	}
	return state, fmt.Errorf("unknown folder state %q", state)
}

func invalidStateFor(state models.FolderState) models.FolderState {
	switch state {
	case models.FolderStateInitial, models.FolderStateInitialInvalid:
		return models.FolderStateInitialInvalid
	}
	return models.FolderStatePollInvalid
}

func (f *FolderSync) transition(ctx context.Context, next models.FolderState) error {
	if err := f.store.SetFolderState(ctx, f.folder.ID, next, ""); err != nil {
		return fmt.Errorf("failed to persist folder state: %w", err)
	}
	f.mu.Lock()
	prev := f.state
	f.state = next
	f.folder.State = next
	f.report.State = next
	f.report.LastError = ""
	f.mu.Unlock()

	f.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("Folder state changed")
	if isSettled(next) {
		f.markReady()
	}
	return nil
}

func (f *FolderSync) recordError(ctx context.Context, err error) {
	f.mu.Lock()
	f.report.LastError = err.Error()
	state := f.state
	f.mu.Unlock()

	if serr := f.store.SetFolderState(ctx, f.folder.ID, state, err.Error()); serr != nil {
		f.logger.Warn().Err(serr).Msg("Failed to record folder sync error")
	}
}

func (f *FolderSync) clearError() {
	f.mu.Lock()
	f.report.LastError = ""
	f.mu.Unlock()
}

func (f *FolderSync) refreshReport(ctx context.Context) {
	n, size, err := f.store.FolderStats(ctx, f.folder.ID)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to read folder stats")
		return
	}
	f.mu.Lock()
	f.report.StoredMessages = n
	f.report.StoredData = size
	f.mu.Unlock()
}

// selectFolder selects the folder and rejects a changed UIDVALIDITY.
func (f *FolderSync) selectFolder(sess imap.Session) (*imap.SelectInfo, error) {
	info, err := sess.SelectFolder(f.folder.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", f.folder.Name, err)
	}
	if err := f.checkUIDValidity(info.UIDValidity); err != nil {
		return nil, err
	}
	return info, nil
}

func (f *FolderSync) checkUIDValidity(remote uint32) error {
	if f.folder.UIDValidity != 0 && remote != 0 && remote != f.folder.UIDValidity {
		return fmt.Errorf("%w: %s %d -> %d", ErrUIDValidityChanged, f.folder.Name, f.folder.UIDValidity, remote)
	}
	return nil
}

// initialSync downloads every uid the folder holds and nothing stores yet.
func (f *FolderSync) initialSync(ctx context.Context) (models.FolderState, error) {
	err := f.sessions.With(ctx, f.account, func(sess imap.Session) error {
		info, err := f.selectFolder(sess)
		if err != nil {
			return err
		}
		remote, err := sess.AllUIDs()
		if err != nil {
			return fmt.Errorf("failed to list uids: %w", err)
		}
		local, err := f.store.LocalUIDs(ctx, f.folder.ID)
		if err != nil {
			return err
		}

		if err := f.removeDeleted(ctx, local, remote); err != nil {
			return err
		}
		unknown := difference(remote, local)
		f.logger.Info().Int("remote", len(remote)).Int("local", len(local)).Int("unknown", len(unknown)).Msg("Initial sync")
		if err := f.downloadNew(ctx, sess, unknown); err != nil {
			return err
		}

		if f.pruneAfterInitial {
			if err := f.store.PruneOrphanMessages(ctx, f.account); err != nil {
				return err
			}
			f.pruneAfterInitial = false
		}
		return f.advanceWatermark(ctx, info.UIDValidity, info.HighestModSeq)
	})
	if err != nil {
		return models.FolderStateInitial, err
	}
	return models.FolderStatePoll, nil
}

// pollOnce runs one poll iteration: reconcile deletions, download new uids and
// refresh flags of changed ones, then advance the watermark.
func (f *FolderSync) pollOnce(ctx context.Context) (models.FolderState, error) {
	err := f.sessions.With(ctx, f.account, func(sess imap.Session) error {
		status, err := sess.FolderStatus(f.folder.Name)
		if err != nil {
			return fmt.Errorf("failed to get status of %s: %w", f.folder.Name, err)
		}
		if err := f.checkUIDValidity(status.UIDValidity); err != nil {
			return err
		}

		info, err := f.selectFolder(sess)
		if err != nil {
			return err
		}
		remote, err := sess.AllUIDs()
		if err != nil {
			return fmt.Errorf("failed to list uids: %w", err)
		}
		local, err := f.store.LocalUIDs(ctx, f.folder.ID)
		if err != nil {
			return err
		}

		if err := f.removeDeleted(ctx, local, remote); err != nil {
			return err
		}

		var updated []uint32
		known := intersection(remote, local)
		if sess.CondstoreSupported() && f.folder.HighestModSeq > 0 {
			if info.HighestModSeq > f.folder.HighestModSeq {
				changed, err := sess.NewAndUpdatedUIDs(f.folder.HighestModSeq)
				if err != nil {
					return fmt.Errorf("failed to search changed uids: %w", err)
				}
				updated = intersection(changed, known)
			}
		} else {
			updated = known
		}

		if err := f.downloadNew(ctx, sess, difference(remote, local)); err != nil {
			return err
		}
		if err := f.refreshFlags(ctx, sess, updated); err != nil {
			return err
		}
		return f.advanceWatermark(ctx, info.UIDValidity, info.HighestModSeq)
	})
	return models.FolderStatePoll, err
}

func (f *FolderSync) remap(ctx context.Context, resume models.FolderState) (models.FolderState, error) {
	var next models.FolderState
	err := f.sessions.With(ctx, f.account, func(sess imap.Session) error {
		var err error
		next, err = f.remapper.Remap(ctx, sess, RemapRequest{Account: f.account, Folder: f.folder, Resume: resume})
		return err
	})
	if err != nil {
		return invalidStateFor(resume), err
	}
	if next == models.FolderStateInitial {
		f.pruneAfterInitial = true
	}
	return next, nil
}

// advanceWatermark runs only after everything the watermark implies is committed.
func (f *FolderSync) advanceWatermark(ctx context.Context, uidValidity uint32, modseq uint64) error {
	if err := f.store.UpdateFolderWatermark(ctx, f.folder.ID, uidValidity, modseq); err != nil {
		return err
	}
	if f.folder.UIDValidity != uidValidity || modseq > f.folder.HighestModSeq {
		f.folder.HighestModSeq = modseq
	}
	f.folder.UIDValidity = uidValidity
	return nil
}

func (f *FolderSync) removeDeleted(ctx context.Context, local, remote []uint32) error {
	deleted := difference(local, remote)
	if len(deleted) == 0 {
		return nil
	}
	if err := f.store.RemoveUIDs(ctx, f.account, f.folder.ID, deleted); err != nil {
		return err
	}
	metrics.UIDsDeleted.Add(float64(len(deleted)))
	f.logger.Info().Int("count", len(deleted)).Msg("Removed uids deleted on the server")
	return nil
}

func (f *FolderSync) downloadNew(ctx context.Context, sess imap.Session, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if !f.account.IsGmail() {
		return f.downloadUIDs(ctx, sess, f.folder, newestFirst(uids))
	}
	gs, ok := sess.(imap.GmailSession)
	if !ok {
		return imap.ErrNotGmail
	}
	return f.downloadGmail(ctx, gs, uids)
}

// downloadGmail fetches only bodies whose X-GM-MSGID is not stored yet and links
// the rest, then pulls the rest of the touched threads from All Mail.
func (f *FolderSync) downloadGmail(ctx context.Context, gs imap.GmailSession, uids []uint32) error {
	plan, meta, err := f.planGmailDownload(ctx, gs, uids)
	if err != nil {
		return err
	}
	if err := f.linkExisting(ctx, gs, f.folder, plan.MetaOnly); err != nil {
		return err
	}
	if err := f.downloadUIDs(ctx, gs, f.folder, plan.Full); err != nil {
		return err
	}

	if f.allMail == nil || len(plan.Full) == 0 {
		return nil
	}
	downloaded := make(map[uint32]imap.GMetadata, len(plan.Full))
	for _, uid := range plan.Full {
		downloaded[uid] = meta[uid]
	}
	thrids := gmail.ThrIDs(downloaded)
	if len(thrids) == 0 {
		return nil
	}
	if err := f.expandThreads(ctx, gs, thrids); err != nil {
		return err
	}
	// Callers continue with uids of f.folder.
	_, err = f.selectFolder(gs)
	return err
}

func (f *FolderSync) planGmailDownload(ctx context.Context, gs imap.GmailSession, uids []uint32) (gmail.DownloadPlan, map[uint32]imap.GMetadata, error) {
	meta := make(map[uint32]imap.GMetadata, len(uids))
	for _, batch := range chunks(uids, f.cfg.DownloadChunkSize) {
		if err := f.limiter.Wait(ctx); err != nil {
			return gmail.DownloadPlan{}, nil, err
		}
		m, err := gs.GMetadata(batch)
		if err != nil {
			return gmail.DownloadPlan{}, nil, fmt.Errorf("failed to fetch gmail metadata: %w", err)
		}
		for uid, v := range m {
			meta[uid] = v
		}
	}
	stored, err := f.store.MessageIDsByGMsgID(ctx, f.account.ID, gmail.MsgIDs(meta))
	if err != nil {
		return gmail.DownloadPlan{}, nil, err
	}
	return gmail.DeduplicateMessageDownload(meta, uids, stored), meta, nil
}

// expandThreads downloads the All Mail copies of every message in thrids that
// is not stored yet. It leaves All Mail selected; downloadGmail reselects the folder.
func (f *FolderSync) expandThreads(ctx context.Context, gs imap.GmailSession, thrids []uint64) error {
	if len(thrids) == 0 {
		return nil
	}
	if _, err := gs.SelectFolder(f.allMail.Name); err != nil {
		return fmt.Errorf("failed to select %s: %w", f.allMail.Name, err)
	}
	uids, err := gmail.ExpandThreads(gs, f.allMail.Name, thrids)
	if err != nil {
		return err
	}
	local, err := f.store.LocalUIDs(ctx, f.allMail.ID)
	if err != nil {
		return err
	}
	missing := difference(uids, local)
	if len(missing) == 0 {
		return nil
	}

	plan, _, err := f.planGmailDownload(ctx, gs, missing)
	if err != nil {
		return err
	}
	f.logger.Debug().Int("threads", len(thrids)).Int("uids", len(missing)).Msg("Expanding threads from All Mail")
	if err := f.linkExisting(ctx, gs, f.allMail, plan.MetaOnly); err != nil {
		return err
	}
	return f.downloadUIDs(ctx, gs, f.allMail, plan.Full)
}

// linkExisting creates uid rows for messages already stored under another folder.
func (f *FolderSync) linkExisting(ctx context.Context, sess imap.Session, folder *models.Folder, metaOnly map[uint32]int64) error {
	if len(metaOnly) == 0 {
		return nil
	}
	label := gmail.FolderLabel(folder.CanonicalName, folder.Name)

	var links []models.UIDLink
	for _, batch := range chunks(sortedKeys(metaOnly), f.cfg.DownloadChunkSize) {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		infos, err := sess.FetchFlags(batch)
		if err != nil {
			return fmt.Errorf("failed to fetch flags: %w", err)
		}
		for _, u := range uidUpdates(infos, label, true) {
			links = append(links, models.UIDLink{MessageID: metaOnly[u.MsgUID], UID: u})
		}
	}
	if err := f.store.LinkMessages(ctx, f.account, folder.ID, links); err != nil {
		return err
	}
	metrics.FolderMetaOnly.Add(float64(len(links)))
	return nil
}

// downloadUIDs fetches, decodes and stores uids of the selected folder, one
// transaction per DownloadChunkSize uids. uids should be sorted newest first.
func (f *FolderSync) downloadUIDs(ctx context.Context, sess imap.Session, folder *models.Folder, uids []uint32) error {
	label := gmail.FolderLabel(folder.CanonicalName, folder.Name)
	isGmail := f.account.IsGmail()

	for _, chunk := range chunks(uids, f.cfg.DownloadChunkSize) {
		if f.stopped() {
			return errStopped
		}

		var roots map[uint32]uint32
		if !isGmail && sess.ThreadSupported() {
			var err error
			roots, err = sess.ThreadRoots(chunk)
			if err != nil {
				if imap.IsRetryable(err) {
					return err
				}
				f.logger.Warn().Err(err).Msg("THREAD failed, falling back to header threading")
			}
		}

		var results []Result
		for _, batch := range chunks(chunk, f.cfg.FetchChunkSize) {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
			fetched, err := sess.FetchUIDs(batch)
			if err != nil {
				return fmt.Errorf("failed to fetch uids: %w", err)
			}
			decoded, err := f.decoder.DecodeAll(ctx, fetched, label, isGmail)
			if err != nil {
				return err
			}
			results = append(results, decoded...)
		}

		msgs := f.collect(results, roots)
		if err := f.store.SaveMessages(ctx, f.account, folder.ID, msgs); err != nil {
			return err
		}
		metrics.MessagesDownloaded.WithLabelValues(string(f.account.Provider)).Add(float64(len(msgs)))
	}
	return nil
}

// collect keeps the storable results, logging the rest, and applies server-side
// thread roots to generic messages.
func (f *FolderSync) collect(results []Result, roots map[uint32]uint32) []*models.DownloadedMessage {
	byUID := make(map[uint32]*models.DownloadedMessage, len(results))
	msgs := make([]*models.DownloadedMessage, 0, len(results))
	for _, r := range results {
		var decodeErr *DecodeError
		switch {
		case errors.As(r.Err, &decodeErr):
			metrics.DecodeErrors.Inc()
			f.logger.Warn().Err(decodeErr.Err).Uint32("uid", r.UID).Str("raw_sha256", decodeErr.Hash).Msg("Storing undecodable message raw")
		case r.Err != nil:
			metrics.DecodeErrors.Inc()
			f.logger.Warn().Err(r.Err).Uint32("uid", r.UID).Msg("Skipping message")
			continue
		}
		if r.Message == nil {
			continue
		}
		byUID[r.UID] = r.Message
		msgs = append(msgs, r.Message)
	}

	for uid, root := range roots {
		dm, ok := byUID[uid]
		if !ok {
			continue
		}
		dm.ThreadRootUID = root
		if rootMsg, ok := byUID[root]; ok && rootMsg.Message.ThreadKey != "" {
			dm.Message.ThreadKey = rootMsg.Message.ThreadKey
		}
	}
	return msgs
}

// refreshFlags re-fetches flags and labels of already stored uids.
func (f *FolderSync) refreshFlags(ctx context.Context, sess imap.Session, uids []uint32) error {
	label := gmail.FolderLabel(f.folder.CanonicalName, f.folder.Name)
	for _, batch := range chunks(uids, f.cfg.DownloadChunkSize) {
		if f.stopped() {
			return errStopped
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		infos, err := sess.FetchFlags(batch)
		if err != nil {
			return fmt.Errorf("failed to fetch flags: %w", err)
		}
		if err := f.store.UpdateUIDMetadata(ctx, f.account, f.folder.ID, uidUpdates(infos, label, f.account.IsGmail())); err != nil {
			return err
		}
	}
	return nil
}
