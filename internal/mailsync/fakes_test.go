package mailsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/blobstore"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

// fakeStore keeps sync state in memory with the same reuse and pruning rules as the database.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	folders  map[int64]*models.Folder
	uids     map[int64]map[uint32]models.ImapUID
	messages map[int64]*models.Message
	history  map[int64][]models.FolderState

	accountState models.SyncState
	accountError string
	saveErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		folders:  make(map[int64]*models.Folder),
		uids:     make(map[int64]map[uint32]models.ImapUID),
		messages: make(map[int64]*models.Message),
		history:  make(map[int64][]models.FolderState),
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) SetAccountSyncState(_ context.Context, _ int64, state models.SyncState, syncErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountState = state
	s.accountError = syncErr
	return nil
}

func (s *fakeStore) ListFolders(_ context.Context, accountID int64) ([]*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Folder
	for _, f := range s.folders {
		if f.AccountID == accountID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) SaveFolder(_ context.Context, folder *models.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.folders {
		if f.AccountID == folder.AccountID && f.Name == folder.Name {
			f.CanonicalName = folder.CanonicalName
			*folder = *f
			return nil
		}
	}
	c := *folder
	c.ID = s.id()
	if c.State == "" {
		c.State = models.FolderStateInitial
	}
	s.folders[c.ID] = &c
	s.uids[c.ID] = make(map[uint32]models.ImapUID)
	*folder = c
	return nil
}

func (s *fakeStore) DeleteFolder(_ context.Context, _ int64, folderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, folderID)
	delete(s.uids, folderID)
	s.prune()
	return nil
}

func (s *fakeStore) SetFolderState(_ context.Context, folderID int64, state models.FolderState, syncErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[folderID]
	if !ok {
		return fmt.Errorf("folder %d not found", folderID)
	}
	if f.State != state {
		s.history[folderID] = append(s.history[folderID], state)
	}
	f.State = state
	f.SyncError = syncErr
	return nil
}

func (s *fakeStore) UpdateFolderWatermark(_ context.Context, folderID int64, uidValidity uint32, modseq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folderID]
	if f.UIDValidity != uidValidity || modseq > f.HighestModSeq {
		f.HighestModSeq = modseq
	}
	f.UIDValidity = uidValidity
	now := time.Now()
	f.LastSyncedAt = &now
	return nil
}

func (s *fakeStore) FolderStats(_ context.Context, folderID int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n, size int64
	for _, u := range s.uids[folderID] {
		n++
		size += s.messages[u.MessageID].Size
	}
	return n, size, nil
}

func (s *fakeStore) LocalUIDs(_ context.Context, folderID int64) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.uids[folderID]), nil
}

func (s *fakeStore) MessageIDsByGMsgID(_ context.Context, _ int64, msgids []uint64) (map[uint64]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uint64]bool, len(msgids))
	for _, id := range msgids {
		want[id] = true
	}
	out := make(map[uint64]int64)
	for id, m := range s.messages {
		if m.GMsgID != 0 && want[m.GMsgID] {
			out[m.GMsgID] = id
		}
	}
	return out, nil
}

func (s *fakeStore) SaveMessages(_ context.Context, account *models.Account, folderID int64, msgs []*models.DownloadedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	for _, dm := range msgs {
		dm.Message.ID = 0
		for id, m := range s.messages {
			if m.DataSHA256 == dm.Message.DataSHA256 || (m.GMsgID != 0 && m.GMsgID == dm.Message.GMsgID) {
				dm.Message.ID = id
			}
		}
		if dm.Message.ID == 0 {
			dm.Message.ID = s.id()
			dm.Message.AccountID = account.ID
			c := *dm.Message
			s.messages[c.ID] = &c
		}
		u := dm.UID
		u.FolderID = folderID
		u.MessageID = dm.Message.ID
		s.uids[folderID][u.MsgUID] = u
	}
	return nil
}

func (s *fakeStore) LinkMessages(_ context.Context, _ *models.Account, folderID int64, links []models.UIDLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link(folderID, links)
	return nil
}

func (s *fakeStore) link(folderID int64, links []models.UIDLink) {
	for _, l := range links {
		u := l.UID
		u.FolderID = folderID
		u.MessageID = l.MessageID
		s.uids[folderID][u.MsgUID] = u
	}
}

func (s *fakeStore) RemoveUIDs(_ context.Context, _ *models.Account, folderID int64, uids []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range uids {
		delete(s.uids[folderID], uid)
	}
	s.prune()
	return nil
}

func (s *fakeStore) UpdateUIDMetadata(_ context.Context, _ *models.Account, folderID int64, updates []models.ImapUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		old, ok := s.uids[folderID][u.MsgUID]
		if !ok {
			continue
		}
		u.FolderID = folderID
		u.MessageID = old.MessageID
		s.uids[folderID][u.MsgUID] = u
	}
	return nil
}

func (s *fakeStore) RemapFolderUIDs(_ context.Context, _ *models.Account, folderID int64, links []models.UIDLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uids[folderID] = make(map[uint32]models.ImapUID)
	s.link(folderID, links)
	s.prune()
	return nil
}

func (s *fakeStore) ResetFolderUIDs(_ context.Context, _ *models.Account, folderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uids[folderID] = make(map[uint32]models.ImapUID)
	return nil
}

func (s *fakeStore) PruneOrphanMessages(_ context.Context, _ *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return nil
}

func (s *fakeStore) prune() {
	held := make(map[int64]bool)
	for _, rows := range s.uids {
		for _, u := range rows {
			held[u.MessageID] = true
		}
	}
	for id := range s.messages {
		if !held[id] {
			delete(s.messages, id)
		}
	}
}

func (s *fakeStore) folder(id int64) models.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.folders[id]
}

func (s *fakeStore) uid(folderID int64, uid uint32) (models.ImapUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uids[folderID][uid]
	return u, ok
}

func (s *fakeStore) messageIDFor(gmsgid uint64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.messages {
		if m.GMsgID == gmsgid {
			return id
		}
	}
	return 0
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// seed stores uids of a folder as if an earlier sync had downloaded them.
func (s *fakeStore) seed(t *testing.T, account *models.Account, folderID int64, msgs ...*fakeMessage) {
	t.Helper()
	var dms []*models.DownloadedMessage
	for _, m := range msgs {
		dms = append(dms, &models.DownloadedMessage{
			Message: &models.Message{DataSHA256: blobstore.Hash(m.body()), Size: int64(len(m.body())), GMsgID: m.msgID, GThrID: m.thrID},
			UID:     models.ImapUID{MsgUID: m.uid},
		})
	}
	require.NoError(t, s.SaveMessages(context.Background(), account, folderID, dms))
}

type fakeMessage struct {
	// key names the content; uids sharing a key have identical bodies.
	key    string
	uid    uint32
	msgID  uint64
	thrID  uint64
	modseq uint64
	flags  []string
	labels []string
}

// body is derived from key or the Gmail message id, so copies in two folders are identical.
func (m *fakeMessage) body() []byte {
	key := m.key
	switch {
	case key != "":
	case m.msgID != 0:
		key = fmt.Sprintf("gm-%d", m.msgID)
	default:
		key = fmt.Sprintf("uid-%d", m.uid)
	}
	return testutil.RawTestMessage(testutil.TestMessage{
		MessageID: "<" + key + "@example.com>",
		Subject:   "Message " + key,
	})
}

type fakeFolder struct {
	uidValidity uint32
	modseq      uint64
	msgs        map[uint32]*fakeMessage
}

// fakeServer is the shared mailbox state behind every fakeSession.
type fakeServer struct {
	mu        sync.Mutex
	folders   map[string]*fakeFolder
	infos     []*goimap.MailboxInfo
	condstore bool
	fetched   []uint32
	flagFetch [][]uint32
	// onSelect runs before every SELECT, outside the server lock.
	onSelect func(name string)
}

func newFakeServer() *fakeServer {
	return &fakeServer{folders: make(map[string]*fakeFolder)}
}

func (srv *fakeServer) addFolder(name string, uidValidity uint32, attrs ...string) *fakeFolder {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	f := &fakeFolder{uidValidity: uidValidity, msgs: make(map[uint32]*fakeMessage)}
	srv.folders[name] = f
	srv.infos = append(srv.infos, &goimap.MailboxInfo{Name: name, Attributes: attrs})
	return f
}

func (srv *fakeServer) removeFolder(name string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.folders, name)
	for i, info := range srv.infos {
		if info.Name == name {
			srv.infos = append(srv.infos[:i], srv.infos[i+1:]...)
			break
		}
	}
}

func (srv *fakeServer) add(folder string, msgs ...*fakeMessage) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	f := srv.folders[folder]
	for _, m := range msgs {
		f.msgs[m.uid] = m
		if m.modseq > f.modseq {
			f.modseq = m.modseq
		}
	}
}

func (srv *fakeServer) remove(folder string, uids ...uint32) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, uid := range uids {
		delete(srv.folders[folder].msgs, uid)
	}
}

func (srv *fakeServer) setUIDValidity(folder string, v uint32) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.folders[folder].uidValidity = v
}

func (srv *fakeServer) setSelectHook(hook func(name string)) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.onSelect = hook
}

func (srv *fakeServer) fetchedUIDs() []uint32 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := append([]uint32(nil), srv.fetched...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (srv *fakeServer) resetFetched() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.fetched = nil
	srv.flagFetch = nil
}

// fakeSession is one connection to a fakeServer with its own selection.
type fakeSession struct {
	srv      *fakeServer
	selected string
}

var _ imap.GmailSession = (*fakeSession)(nil)

func (s *fakeSession) folder() (*fakeFolder, error) {
	if s.selected == "" {
		return nil, imap.ErrNoFolderSelected
	}
	return s.srv.folders[s.selected], nil
}

func (s *fakeSession) FolderNames() (*imap.FolderNames, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	return imap.ResolveFolderNames(s.srv.infos), nil
}

func (s *fakeSession) FolderStatus(name string) (*imap.FolderStatus, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, ok := s.srv.folders[name]
	if !ok {
		return nil, fmt.Errorf("no such folder %s", name)
	}
	return &imap.FolderStatus{Name: name, Messages: uint32(len(f.msgs)), UIDValidity: f.uidValidity, HighestModSeq: f.modseq}, nil
}

func (s *fakeSession) SelectFolder(name string) (*imap.SelectInfo, error) {
	s.srv.mu.Lock()
	hook := s.srv.onSelect
	s.srv.mu.Unlock()
	if hook != nil {
		hook(name)
	}

	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, ok := s.srv.folders[name]
	if !ok {
		return nil, fmt.Errorf("no such folder %s", name)
	}
	s.selected = name
	info := &imap.SelectInfo{Name: name, Exists: uint32(len(f.msgs)), UIDValidity: f.uidValidity}
	if s.srv.condstore {
		info.HighestModSeq = f.modseq
	}
	return info, nil
}

func (s *fakeSession) SelectFolderForWrite(name string) (*imap.SelectInfo, error) {
	return s.SelectFolder(name)
}

func (s *fakeSession) SelectedFolder() string { return s.selected }

func (s *fakeSession) ClearSelection() error {
	s.selected = ""
	return nil
}

func (s *fakeSession) AllUIDs() ([]uint32, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	return sortedKeys(f.msgs), nil
}

func (s *fakeSession) NewAndUpdatedUIDs(since uint64) ([]uint32, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for uid, m := range f.msgs {
		if m.modseq > since {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (s *fakeSession) FetchUIDs(uids []uint32) ([]imap.FetchResult, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	var out []imap.FetchResult
	for _, uid := range uids {
		m, ok := f.msgs[uid]
		if !ok {
			continue
		}
		s.srv.fetched = append(s.srv.fetched, uid)
		out = append(out, imap.FetchResult{UID: uid, Message: &imap.RawMessage{
			UID:          uid,
			Flags:        m.flags,
			InternalDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Body:         m.body(),
			GMsgID:       m.msgID,
			GThrID:       m.thrID,
			Labels:       m.labels,
		}})
	}
	return out, nil
}

func (s *fakeSession) FetchFlags(uids []uint32) (map[uint32]imap.FlagInfo, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	s.srv.flagFetch = append(s.srv.flagFetch, append([]uint32(nil), uids...))
	out := make(map[uint32]imap.FlagInfo)
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			out[uid] = imap.FlagInfo{UID: uid, Flags: m.flags, Labels: m.labels, GMsgID: m.msgID}
		}
	}
	return out, nil
}

func (s *fakeSession) GMetadata(uids []uint32) (map[uint32]imap.GMetadata, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]imap.GMetadata)
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			out[uid] = imap.GMetadata{MsgID: m.msgID, ThrID: m.thrID}
		}
	}
	return out, nil
}

func (s *fakeSession) search(match func(*fakeMessage) bool) ([]uint32, error) {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	f, err := s.folder()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for uid, m := range f.msgs {
		if match(m) {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *fakeSession) SearchThread(thrid uint64) ([]uint32, error) {
	return s.search(func(m *fakeMessage) bool { return m.thrID == thrid })
}

func (s *fakeSession) SearchMsgID(msgid uint64) ([]uint32, error) {
	return s.search(func(m *fakeMessage) bool { return m.msgID == msgid })
}

func (s *fakeSession) SearchHeader(string, string) ([]uint32, error) { return nil, nil }
func (s *fakeSession) ThreadRoots([]uint32) (map[uint32]uint32, error) { return nil, nil }
func (s *fakeSession) SetFlags([]uint32, []string, bool) error { return nil }
func (s *fakeSession) CopyUIDs([]uint32, string) error { return nil }
func (s *fakeSession) DeleteUIDs([]uint32) error { return nil }
func (s *fakeSession) Append(string, []string, time.Time, []byte) error { return nil }
func (s *fakeSession) CreateFolder(string) error { return nil }
func (s *fakeSession) RenameFolder(string, string) error { return nil }
func (s *fakeSession) DeleteFolder(string) error { return nil }
func (s *fakeSession) CondstoreSupported() bool { return s.srv.condstore }
func (s *fakeSession) ThreadSupported() bool { return false }
func (s *fakeSession) Noop() error { return nil }
func (s *fakeSession) Logout() error { return nil }
func (s *fakeSession) Alive() bool { return true }
func (s *fakeSession) ArchiveThread(uint64) error { return nil }
func (s *fakeSession) CopyThread(uint64, string) error { return nil }
func (s *fakeSession) AddLabel(uint64, string) error { return nil }
func (s *fakeSession) RemoveLabel(uint64, string) error { return nil }

// fakeSessions hands every caller a fresh session on the shared server, like a pool would.
type fakeSessions struct {
	srv *fakeServer
	err error
}

func (p *fakeSessions) With(_ context.Context, _ *models.Account, fn func(imap.Session) error) error {
	if p.err != nil {
		return p.err
	}
	return fn(&fakeSession{srv: p.srv})
}

func genericAccount() *models.Account {
	return &models.Account{ID: 1, NamespaceID: 1, Provider: models.ProviderGenericIMAP, EmailAddress: "user@example.com"}
}

func gmailAccount() *models.Account {
	return &models.Account{ID: 2, NamespaceID: 2, Provider: models.ProviderGmail, EmailAddress: "user@gmail.com"}
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	blobs, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return NewDecoder(blobs)
}

func testConfig() Config {
	return Config{
		PollFrequency:     time.Hour,
		DownloadChunkSize: 2,
		FetchChunkSize:    1,
		RetryDelay:        10 * time.Millisecond,
	}
}

type syncFixture struct {
	store    *fakeStore
	srv      *fakeServer
	sessions *fakeSessions
	decoder  *Decoder
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	srv := newFakeServer()
	return &syncFixture{
		store:    newFakeStore(),
		srv:      srv,
		sessions: &fakeSessions{srv: srv},
		decoder:  newTestDecoder(t),
	}
}

// saveFolder persists a folder with the given cached state and returns it.
func (fx *syncFixture) saveFolder(t *testing.T, account *models.Account, name, canonical string, state models.FolderState, uidValidity uint32, modseq uint64) *models.Folder {
	t.Helper()
	ctx := context.Background()
	folder := &models.Folder{AccountID: account.ID, Name: name, CanonicalName: canonical}
	require.NoError(t, fx.store.SaveFolder(ctx, folder))
	require.NoError(t, fx.store.SetFolderState(ctx, folder.ID, state, ""))
	if uidValidity != 0 {
		require.NoError(t, fx.store.UpdateFolderWatermark(ctx, folder.ID, uidValidity, modseq))
	}
	f := fx.store.folder(folder.ID)
	fx.store.history[folder.ID] = nil
	return &f
}

func (fx *syncFixture) newSync(account *models.Account, folder, allMail *models.Folder) *FolderSync {
	return NewFolderSync(FolderSyncParams{
		Account:  account,
		Folder:   folder,
		AllMail:  allMail,
		Store:    fx.store,
		Sessions: fx.sessions,
		Decoder:  fx.decoder,
		Config:   testConfig(),
		Logger:   zerolog.Nop(),
	})
}
