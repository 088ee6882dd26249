package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// fakeStore keeps the action log of several shards in memory, with the same
// status and watermark rules as the SQL store.
type fakeStore struct {
	mu        sync.Mutex
	accounts  map[int64]*models.Account
	messages  map[int64]*models.Message
	locations map[int64][]models.MessageLocation
	entries   map[int][]*models.ActionLogEntry
	watermark map[int]int64
	// uncommitted entries have an id but are not visible to readers yet.
	uncommitted map[int64]bool
	nextID      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:  make(map[int64]*models.Account),
		messages:  make(map[int64]*models.Message),
		locations: make(map[int64][]models.MessageLocation),
		entries:   make(map[int][]*models.ActionLogEntry),
		watermark: make(map[int]int64),

		uncommitted: make(map[int64]bool),
	}
}

func (f *fakeStore) addAccount(a *models.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[a.ID] = a
}

func (f *fakeStore) addMessage(m *models.Message, locs ...models.MessageLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ID] = m
	f.locations[m.ID] = locs
}

// schedule appends a pending entry to a shard's log.
func (f *fakeStore) schedule(t *testing.T, shardKey int, accountID int64, name string, recordID int64, args any) int64 {
	t.Helper()

	raw := json.RawMessage(`{}`)
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.entries[shardKey] = append(f.entries[shardKey], &models.ActionLogEntry{
		ID:          f.nextID,
		AccountID:   accountID,
		NamespaceID: accountID,
		Action:      name,
		RecordID:    recordID,
		TableName:   TableMessages,
		ExtraArgs:   raw,
		Status:      models.ActionStatusPending,
	})
	return f.nextID
}

// scheduleUncommitted allocates an entry whose transaction has not committed yet.
func (f *fakeStore) scheduleUncommitted(t *testing.T, shardKey int, accountID int64, name string, recordID int64, args any) int64 {
	t.Helper()
	id := f.schedule(t, shardKey, accountID, name, recordID, args)
	f.mu.Lock()
	f.uncommitted[id] = true
	f.mu.Unlock()
	return id
}

func (f *fakeStore) commit(id int64) {
	f.mu.Lock()
	delete(f.uncommitted, id)
	f.mu.Unlock()
}

func (f *fakeStore) entry(id int64) models.ActionLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.entries {
		for _, e := range list {
			if e.ID == id {
				return *e
			}
		}
	}
	panic(fmt.Sprintf("no entry %d", id))
}

func (f *fakeStore) find(id int64) (*models.ActionLogEntry, bool) {
	for _, list := range f.entries {
		for _, e := range list {
			if e.ID == id {
				return e, true
			}
		}
	}
	return nil, false
}

func (f *fakeStore) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id int64) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, db.ErrMessageNotFound
	}
	c := *m
	return &c, nil
}

func (f *fakeStore) MessageLocations(_ context.Context, id int64) ([]models.MessageLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.MessageLocation(nil), f.locations[id]...), nil
}

func (f *fakeStore) PendingActions(_ context.Context, shardKey int, afterID int64, limit int) ([]*models.ActionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ActionLogEntry
	for _, e := range f.entries[shardKey] {
		if e.ID > afterID && e.Status == models.ActionStatusPending && !f.uncommitted[e.ID] {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) MarkActionSuccessful(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.find(id)
	if !ok {
		return db.ErrActionNotFound
	}
	e.Status = models.ActionStatusSuccessful
	return nil
}

func (f *fakeStore) RecordActionFailure(_ context.Context, id int64, maxRetries int, permanent bool) (models.ActionStatus, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.find(id)
	if !ok || e.Status != models.ActionStatusPending {
		return "", 0, db.ErrActionNotFound
	}
	e.Retries++
	if permanent || e.Retries >= maxRetries {
		e.Status = models.ActionStatusFailed
	}
	return e.Status, e.Retries, nil
}

func (f *fakeStore) SyncbackWatermark(_ context.Context, shardKey int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermark[shardKey], nil
}

func (f *fakeStore) AdvanceSyncbackWatermark(_ context.Context, shardKey int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var minPending, maxID int64
	for _, e := range f.entries[shardKey] {
		if f.uncommitted[e.ID] {
			continue
		}
		if e.Status == models.ActionStatusPending && (minPending == 0 || e.ID < minPending) {
			minPending = e.ID
		}
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	next := maxID
	if minPending != 0 {
		next = minPending - 1
	}
	if next > f.watermark[shardKey] {
		f.watermark[shardKey] = next
	}
	return f.watermark[shardKey], nil
}

// fakeSessions hands the same session to every checkout and counts them.
type fakeSessions struct {
	mu      sync.Mutex
	session imap.Session
	err     error
	calls   int
}

func (f *fakeSessions) With(_ context.Context, _ *models.Account, fn func(imap.Session) error) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(f.session)
}

func (f *fakeSessions) checkouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingProvider logs every call instead of talking to a server.
type recordingProvider struct {
	labels bool
	err    error
	calls  []string
}

func (p *recordingProvider) record(format string, args ...any) error {
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	return p.err
}

func (p *recordingProvider) SupportsLabels() bool { return p.labels }

func (p *recordingProvider) SetFlag(_ imap.Session, locs []models.MessageLocation, flag string, set bool) error {
	return p.record("flag %v %s %t", locs, flag, set)
}

func (p *recordingProvider) Move(_ imap.Session, msg *models.Message, locs []models.MessageLocation, destination string) error {
	return p.record("move %d %v %s", msg.ID, locs, destination)
}

func (p *recordingProvider) ChangeLabels(_ imap.Session, msg *models.Message, _ []models.MessageLocation, added, removed []string) error {
	return p.record("labels %d +%v -%v", msg.ID, added, removed)
}

func (p *recordingProvider) SaveDraft(_ imap.Session, msg *models.Message, raw []byte) error {
	return p.record("save draft %s %s", msg.MessageIDHeader, raw)
}

func (p *recordingProvider) DeleteDraft(_ imap.Session, args DeleteDraftArgs) error {
	return p.record("delete draft %s %s", args.InboxUID, args.MessageIDHeader)
}

func (p *recordingProvider) SaveSent(_ imap.Session, msg *models.Message, raw []byte) error {
	return p.record("save sent %s %s", msg.MessageIDHeader, raw)
}

func (p *recordingProvider) DeleteSent(_ imap.Session, messageIDHeader string) error {
	return p.record("delete sent %s", messageIDHeader)
}

func (p *recordingProvider) CreateCategory(_ imap.Session, name string) error {
	return p.record("create %s", name)
}

func (p *recordingProvider) RenameCategory(_ imap.Session, oldName, name string) error {
	return p.record("rename %s %s", oldName, name)
}

func (p *recordingProvider) DeleteCategory(_ imap.Session, name string) error {
	return p.record("delete %s", name)
}

// fakeGmail records the Gmail session calls the provider makes. Calls it does
// not expect hit the nil embedded interface and panic.
type fakeGmail struct {
	imap.GmailSession
	names    *imap.FolderNames
	selected string
	search   map[string][]uint32
	calls    []string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		names: imap.ResolveFolderNames([]*goimap.MailboxInfo{
			{Name: "INBOX"},
			{Name: "[Gmail]/All Mail", Attributes: []string{`\All`}},
			{Name: "[Gmail]/Sent Mail", Attributes: []string{`\Sent`}},
			{Name: "[Gmail]/Trash", Attributes: []string{`\Trash`}},
			{Name: "[Gmail]/Drafts", Attributes: []string{`\Drafts`}},
			{Name: "Work"},
		}),
		search: make(map[string][]uint32),
	}
}

func (g *fakeGmail) FolderNames() (*imap.FolderNames, error) { return g.names, nil }

func (g *fakeGmail) SelectFolder(name string) (*imap.SelectInfo, error) {
	g.selected = name
	g.calls = append(g.calls, "examine "+name)
	return &imap.SelectInfo{}, nil
}

func (g *fakeGmail) SelectFolderForWrite(name string) (*imap.SelectInfo, error) {
	g.selected = name
	g.calls = append(g.calls, "select "+name)
	return &imap.SelectInfo{}, nil
}

func (g *fakeGmail) SearchHeader(_, value string) ([]uint32, error) {
	return g.search[g.selected+" "+value], nil
}

func (g *fakeGmail) CopyUIDs(uids []uint32, dest string) error {
	g.calls = append(g.calls, fmt.Sprintf("copy %v %s", uids, dest))
	return nil
}

func (g *fakeGmail) DeleteUIDs(uids []uint32) error {
	g.calls = append(g.calls, fmt.Sprintf("delete %v", uids))
	return nil
}

func (g *fakeGmail) CopyThread(thrid uint64, dest string) error {
	g.calls = append(g.calls, fmt.Sprintf("copy thread %d %s", thrid, dest))
	return nil
}

func (g *fakeGmail) ArchiveThread(thrid uint64) error {
	g.calls = append(g.calls, fmt.Sprintf("archive thread %d", thrid))
	return nil
}

func (g *fakeGmail) AddLabel(thrid uint64, label string) error {
	g.calls = append(g.calls, fmt.Sprintf("+label %d %s", thrid, label))
	return nil
}

func (g *fakeGmail) RemoveLabel(thrid uint64, label string) error {
	g.calls = append(g.calls, fmt.Sprintf("-label %d %s", thrid, label))
	return nil
}

func genericAccount() *models.Account {
	return &models.Account{ID: 1, NamespaceID: 1, Provider: models.ProviderGenericIMAP, EmailAddress: "user@example.com"}
}

func gmailAccount() *models.Account {
	return &models.Account{ID: 2, NamespaceID: 2, Provider: models.ProviderGmail, EmailAddress: "user@gmail.com"}
}
