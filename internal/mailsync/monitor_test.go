package mailsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

func (fx *syncFixture) newMonitor(account *models.Account) *AccountMonitor {
	return NewAccountMonitor(account, fx.store, fx.sessions, fx.decoder, MonitorConfig{
		Sync:                  testConfig(),
		FolderRefreshInterval: time.Hour,
		RestartDelay:          10 * time.Millisecond,
	}, zerolog.Nop())
}

func allPolling(status AccountStatus, folders int) bool {
	if len(status.Folders) != folders {
		return false
	}
	for _, f := range status.Folders {
		if f.State != models.FolderStatePoll {
			return false
		}
	}
	return true
}

func TestMonitorSyncsEveryFolder(t *testing.T) {
	fx := newSyncFixture(t)
	account := genericAccount()
	fx.srv.addFolder(inboxName, 1)
	fx.srv.addFolder("Archive", 1, `\Archive`)
	fx.srv.addFolder("Work", 1)
	fx.srv.add(inboxName, &fakeMessage{uid: 1}, &fakeMessage{uid: 2})
	fx.srv.add("Archive", &fakeMessage{uid: 3})
	fx.srv.add("Work", &fakeMessage{uid: 4})

	m := fx.newMonitor(account)
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		status := m.Status()
		return allPolling(status, 3) && status.StoredMessages == 4
	}, 5*time.Second, 10*time.Millisecond)

	status := m.Status()
	assert.Equal(t, string(models.SyncStateRunning), status.State)
	assert.Equal(t, []string{"Archive", inboxName, "Work"}, []string{
		status.Folders[0].Folder, status.Folders[1].Folder, status.Folders[2].Folder,
	})

	m.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor did not stop")
	}
	assert.Equal(t, string(models.SyncStateStopped), m.Status().State)
}

func TestMonitorRunsOneInitialSyncAtATime(t *testing.T) {
	fx := newSyncFixture(t)
	account := genericAccount()
	fx.srv.addFolder(inboxName, 1)
	fx.srv.addFolder("Work", 1)
	fx.srv.add(inboxName, &fakeMessage{uid: 1})
	fx.srv.add("Work", &fakeMessage{uid: 2})

	inboxSelected := make(chan struct{})
	releaseInbox := make(chan struct{})
	var once sync.Once
	var workSelected atomic.Bool
	fx.srv.setSelectHook(func(name string) {
		switch name {
		case inboxName:
			once.Do(func() {
				close(inboxSelected)
				<-releaseInbox
			})
		case "Work":
			workSelected.Store(true)
		}
	})

	m := fx.newMonitor(account)
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	select {
	case <-inboxSelected:
	case <-time.After(5 * time.Second):
		t.Fatal("Inbox initial sync did not start")
	}
	assert.Never(t, workSelected.Load, 200*time.Millisecond, 10*time.Millisecond, "Work waits for the inbox initial sync")
	assert.False(t, m.running("Work"))

	close(releaseInbox)
	require.Eventually(t, func() bool {
		status := m.Status()
		return allPolling(status, 2) && status.StoredMessages == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, workSelected.Load())

	m.Shutdown()
	require.NoError(t, <-done)
}

func TestMonitorGmailSyncsOnlyMailFolders(t *testing.T) {
	fx := newSyncFixture(t)
	account := gmailAccount()
	fx.srv.addFolder(inboxName, 1)
	fx.srv.addFolder(allMailName, 1, `\All`)
	fx.srv.addFolder("[Gmail]/Sent Mail", 1, `\Sent`)
	fx.srv.addFolder("Receipts", 1)
	fx.srv.add(inboxName, &fakeMessage{uid: 1, msgID: 1, thrID: 1})
	fx.srv.add(allMailName, &fakeMessage{uid: 1, msgID: 1, thrID: 1}, &fakeMessage{uid: 2, msgID: 2, thrID: 2})

	m := fx.newMonitor(account)
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return allPolling(m.Status(), 2)
	}, 5*time.Second, 10*time.Millisecond)

	folders, err := fx.store.ListFolders(context.Background(), account.ID)
	require.NoError(t, err)
	var names []string
	for _, f := range folders {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{inboxName, allMailName}, names)
	assert.Equal(t, 2, fx.store.messageCount(), "the inbox message is stored once")

	m.Shutdown()
	require.NoError(t, <-done)
}

func TestMonitorRetiresDeletedFolders(t *testing.T) {
	ctx := context.Background()
	fx := newSyncFixture(t)
	account := genericAccount()
	fx.srv.addFolder(inboxName, 1)
	fx.srv.addFolder("Work", 1)
	fx.srv.add("Work", &fakeMessage{uid: 1})

	m := fx.newMonitor(account)
	defer m.stopAll()
	require.NoError(t, m.refreshFolders(ctx))
	require.True(t, m.running("Work"))

	fx.srv.removeFolder("Work")
	require.NoError(t, m.refreshFolders(ctx))

	assert.False(t, m.running("Work"))
	folders, err := fx.store.ListFolders(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, inboxName, folders[0].Name)
	assert.Zero(t, fx.store.messageCount())
}

func TestMonitorAuthFailureMarksAccountInvalid(t *testing.T) {
	fx := newSyncFixture(t)
	account := genericAccount()
	fx.srv.addFolder(inboxName, 1)
	fx.sessions.err = fmt.Errorf("login: %w", imap.ErrAuthFailed)

	m := fx.newMonitor(account)
	err := m.Run(context.Background())

	require.ErrorIs(t, err, imap.ErrAuthFailed)
	assert.Equal(t, models.SyncStateInvalid, fx.store.accountState)
	assert.Contains(t, fx.store.accountError, "authentication failed")

	status := m.Status()
	assert.Equal(t, string(models.SyncStateInvalid), status.State)
	assert.NotEmpty(t, status.Error)
	select {
	case <-m.Done():
	default:
		t.Fatal("Expected monitor to be shut down")
	}
}

func TestFoldersToSync(t *testing.T) {
	infos := []*goimap.MailboxInfo{
		{Name: "Archive", Attributes: []string{`\Archive`}},
		{Name: inboxName},
		{Name: "Sent", Attributes: []string{`\Sent`}},
		{Name: "Work"},
		{Name: "[Gmail]", Attributes: []string{goimap.NoSelectAttr}},
		{Name: allMailName, Attributes: []string{`\All`}},
		{Name: "[Gmail]/Trash", Attributes: []string{`\Trash`}},
		{Name: "[Gmail]/Spam", Attributes: []string{`\Junk`}},
	}

	tests := []struct {
		name    string
		account *models.Account
		want    []imap.NamedFolder
	}{
		{
			name:    "gmail syncs inbox all trash spam",
			account: gmailAccount(),
			want: []imap.NamedFolder{
				{Name: inboxName, CanonicalName: models.CanonicalInbox},
				{Name: allMailName, CanonicalName: models.CanonicalAll},
				{Name: "[Gmail]/Trash", CanonicalName: models.CanonicalTrash},
				{Name: "[Gmail]/Spam", CanonicalName: models.CanonicalSpam},
			},
		},
		{
			name:    "generic syncs every selectable folder inbox first",
			account: genericAccount(),
			want: []imap.NamedFolder{
				{Name: inboxName, CanonicalName: models.CanonicalInbox},
				{Name: "Archive", CanonicalName: models.CanonicalArchive},
				{Name: "Sent", CanonicalName: models.CanonicalSent},
				{Name: allMailName, CanonicalName: models.CanonicalAll},
				{Name: "[Gmail]/Spam", CanonicalName: models.CanonicalSpam},
				{Name: "[Gmail]/Trash", CanonicalName: models.CanonicalTrash},
				{Name: "Work"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newSyncFixture(t)
			m := fx.newMonitor(tt.account)
			assert.Equal(t, tt.want, m.foldersToSync(imap.ResolveFolderNames(infos)))
		})
	}
}
