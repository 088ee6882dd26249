package actions

import (
	"context"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

type genericFixture struct {
	server  *testutil.TestIMAPServer
	pool    *imap.Pool
	account *models.Account
}

func newGenericFixture(t *testing.T) *genericFixture {
	t.Helper()

	server := testutil.NewTestIMAPServer(t)
	sealer := testutil.GetTestSealer(t)
	pool := imap.NewPool(&imap.DialConnector{Sealer: sealer, DialTimeout: 5 * time.Second, CommandTimeout: 10 * time.Second}, imap.DefaultPoolConfig(), zerolog.Nop())
	t.Cleanup(pool.Close)
	return &genericFixture{server: server, pool: pool, account: server.Account(t, 1, sealer)}
}

// twice runs fn in two separate checkouts, the way a retried action would.
func (f *genericFixture) twice(t *testing.T, fn func(imap.Session) error) {
	t.Helper()
	for i := 0; i < 2; i++ {
		require.NoError(t, f.pool.With(context.Background(), f.account, fn), "attempt %d", i+1)
	}
}

func (f *genericFixture) flags(t *testing.T, folder string, uid uint32) []string {
	t.Helper()

	c := f.server.Connect(t)
	_, err := c.Select(folder, true)
	require.NoError(t, err)
	set := new(goimap.SeqSet)
	set.AddNum(uid)
	ch := make(chan *goimap.Message, 1)
	require.NoError(t, c.UidFetch(set, []goimap.FetchItem{goimap.FetchFlags}, ch))
	msg := <-ch
	require.NotNil(t, msg)
	return msg.Flags
}

func (f *genericFixture) hasFolder(t *testing.T, name string) bool {
	t.Helper()

	var found bool
	require.NoError(t, f.pool.With(context.Background(), f.account, func(sess imap.Session) error {
		names, err := sess.FolderNames()
		if err != nil {
			return err
		}
		found = hasFolder(names, name)
		return nil
	}))
	return found
}

func TestGenericProviderFlagsAreIdempotent(t *testing.T) {
	f := newGenericFixture(t)
	p := GenericProvider{}
	uid := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<a@example.com>", Subject: "A"})
	locs := []models.MessageLocation{{FolderName: "INBOX", CanonicalName: models.CanonicalInbox, MsgUID: uid}}
	require.Contains(t, f.flags(t, "INBOX", uid), goimap.SeenFlag)

	f.twice(t, func(sess imap.Session) error {
		return p.SetFlag(sess, locs, goimap.SeenFlag, false)
	})
	assert.NotContains(t, f.flags(t, "INBOX", uid), goimap.SeenFlag)

	f.twice(t, func(sess imap.Session) error {
		return p.SetFlag(sess, locs, goimap.FlaggedFlag, true)
	})
	assert.Contains(t, f.flags(t, "INBOX", uid), goimap.FlaggedFlag)
}

func TestGenericProviderMoveIsIdempotent(t *testing.T) {
	f := newGenericFixture(t)
	f.server.CreateFolder(t, "Archive")
	uid := f.server.AddMessage(t, "INBOX", testutil.TestMessage{MessageID: "<move@example.com>", Subject: "Move me"})
	msg := &models.Message{ID: 1, MessageIDHeader: "<move@example.com>"}
	locs := []models.MessageLocation{{FolderName: "INBOX", CanonicalName: models.CanonicalInbox, MsgUID: uid}}

	f.twice(t, func(sess imap.Session) error {
		return GenericProvider{}.Move(sess, msg, locs, "Archive")
	})

	assert.NotContains(t, f.server.UIDs(t, "INBOX"), uid)
	assert.Len(t, f.server.UIDs(t, "Archive"), 1)
}

func TestGenericProviderDrafts(t *testing.T) {
	f := newGenericFixture(t)
	f.server.CreateFolder(t, "Drafts")
	p := GenericProvider{}
	msg := &models.Message{ID: 1, MessageIDHeader: "<draft@example.com>", ReceivedDate: time.Now()}
	raw := testutil.RawTestMessage(testutil.TestMessage{MessageID: msg.MessageIDHeader, Subject: "Draft"})

	f.twice(t, func(sess imap.Session) error {
		return p.SaveDraft(sess, msg, raw)
	})
	uids := f.server.UIDs(t, "Drafts")
	require.Len(t, uids, 1)
	assert.Contains(t, f.flags(t, "Drafts", uids[0]), goimap.DraftFlag)

	f.twice(t, func(sess imap.Session) error {
		return p.DeleteDraft(sess, DeleteDraftArgs{MessageIDHeader: msg.MessageIDHeader})
	})
	assert.Empty(t, f.server.UIDs(t, "Drafts"))

	err := f.pool.With(context.Background(), f.account, func(sess imap.Session) error {
		return p.DeleteDraft(sess, DeleteDraftArgs{})
	})
	assert.ErrorIs(t, err, ErrInvalidArgs)

	byInboxID := append([]byte(InboxIDHeader+": 4x9kq2\r\n"), testutil.RawTestMessage(testutil.TestMessage{MessageID: "<other@example.com>", Subject: "Draft"})...)
	f.twice(t, func(sess imap.Session) error {
		return p.SaveDraft(sess, &models.Message{ID: 2, MessageIDHeader: "<other@example.com>", ReceivedDate: time.Now()}, byInboxID)
	})
	require.Len(t, f.server.UIDs(t, "Drafts"), 1)
	f.twice(t, func(sess imap.Session) error {
		return p.DeleteDraft(sess, DeleteDraftArgs{InboxUID: "4x9kq2"})
	})
	assert.Empty(t, f.server.UIDs(t, "Drafts"))
}

func TestGenericProviderSentMail(t *testing.T) {
	f := newGenericFixture(t)
	f.server.CreateFolder(t, "Sent")
	p := GenericProvider{}
	msg := &models.Message{ID: 1, MessageIDHeader: "<sent@example.com>", ReceivedDate: time.Now()}
	raw := testutil.RawTestMessage(testutil.TestMessage{MessageID: msg.MessageIDHeader, Subject: "Sent"})

	f.twice(t, func(sess imap.Session) error {
		return p.SaveSent(sess, msg, raw)
	})
	assert.Len(t, f.server.UIDs(t, "Sent"), 1)

	f.twice(t, func(sess imap.Session) error {
		return p.DeleteSent(sess, msg.MessageIDHeader)
	})
	assert.Empty(t, f.server.UIDs(t, "Sent"))
}

func TestGenericProviderFolders(t *testing.T) {
	f := newGenericFixture(t)
	p := GenericProvider{}

	f.twice(t, func(sess imap.Session) error {
		return p.CreateCategory(sess, "Projects")
	})
	assert.True(t, f.hasFolder(t, "Projects"))

	f.twice(t, func(sess imap.Session) error {
		return p.RenameCategory(sess, "Projects", "Clients")
	})
	assert.False(t, f.hasFolder(t, "Projects"))
	assert.True(t, f.hasFolder(t, "Clients"))

	f.twice(t, func(sess imap.Session) error {
		return p.DeleteCategory(sess, "Clients")
	})
	assert.False(t, f.hasFolder(t, "Clients"))
}

func TestGmailProvider(t *testing.T) {
	inbox := models.MessageLocation{FolderName: "INBOX", CanonicalName: models.CanonicalInbox, MsgUID: 1}
	allMail := models.MessageLocation{FolderName: "[Gmail]/All Mail", CanonicalName: models.CanonicalAll, MsgUID: 9}
	threaded := &models.Message{ID: 1, GThrID: 77}

	tests := []struct {
		name  string
		run   func(p GmailProvider, g *fakeGmail) error
		calls []string
	}{
		{
			name: "move from inbox to a label",
			run: func(p GmailProvider, g *fakeGmail) error {
				return p.Move(g, threaded, []models.MessageLocation{inbox, allMail}, "Work")
			},
			calls: []string{"select INBOX", "copy thread 77 Work", "archive thread 77"},
		},
		{
			name: "archive",
			run: func(p GmailProvider, g *fakeGmail) error {
				return p.Move(g, threaded, []models.MessageLocation{inbox, allMail}, models.CanonicalArchive)
			},
			calls: []string{"select INBOX", "archive thread 77"},
		},
		{
			name: "move archived thread back to inbox",
			run: func(p GmailProvider, g *fakeGmail) error {
				return p.Move(g, threaded, []models.MessageLocation{allMail}, models.CanonicalInbox)
			},
			calls: []string{"examine [Gmail]/All Mail", "copy thread 77 INBOX"},
		},
		{
			name: "move without thread id",
			run: func(p GmailProvider, g *fakeGmail) error {
				return p.Move(g, &models.Message{ID: 1}, []models.MessageLocation{inbox}, "Work")
			},
			calls: []string{"select INBOX", "copy [1] Work", "delete [1]"},
		},
		{
			name: "change labels",
			run: func(p GmailProvider, g *fakeGmail) error {
				return p.ChangeLabels(g, threaded, nil, []string{models.CanonicalInbox, "Work"}, []string{models.CanonicalImportant})
			},
			calls: []string{"select [Gmail]/All Mail", `+label 77 \Inbox`, "+label 77 Work", `-label 77 \Important`},
		},
		{
			name: "sent mail is filed by Gmail",
			run: func(p GmailProvider, g *fakeGmail) error {
				return p.SaveSent(g, threaded, []byte("raw"))
			},
		},
		{
			name: "delete sent goes through trash",
			run: func(p GmailProvider, g *fakeGmail) error {
				g.search["[Gmail]/Sent Mail <s@example.com>"] = []uint32{4}
				g.search["[Gmail]/Trash <s@example.com>"] = []uint32{12}
				return p.DeleteSent(g, "<s@example.com>")
			},
			calls: []string{"select [Gmail]/Sent Mail", "copy [4] [Gmail]/Trash", "delete [4]", "select [Gmail]/Trash", "delete [12]"},
		},
		{
			name: "drafts by inbox uid",
			run: func(p GmailProvider, g *fakeGmail) error {
				g.search["[Gmail]/Drafts 4x9kq2"] = []uint32{5}
				return p.DeleteDraft(g, DeleteDraftArgs{InboxUID: "4x9kq2", MessageIDHeader: "<d@example.com>"})
			},
			calls: []string{"select [Gmail]/Drafts", "delete [5]"},
		},
		{
			name: "drafts fall back to message id",
			run: func(p GmailProvider, g *fakeGmail) error {
				g.search["[Gmail]/Drafts <d@example.com>"] = []uint32{3}
				return p.DeleteDraft(g, DeleteDraftArgs{InboxUID: "4x9kq2", MessageIDHeader: "<d@example.com>"})
			},
			calls: []string{"select [Gmail]/Drafts", "delete [3]"},
		},
		{
			name: "drafts use the localized folder",
			run: func(p GmailProvider, g *fakeGmail) error {
				g.search["[Gmail]/Drafts <d@example.com>"] = []uint32{3}
				return p.DeleteDraft(g, DeleteDraftArgs{MessageIDHeader: "<d@example.com>"})
			},
			calls: []string{"select [Gmail]/Drafts", "delete [3]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newFakeGmail()
			require.NoError(t, tt.run(GmailProvider{}, g))
			assert.Equal(t, tt.calls, g.calls)
		})
	}
}

func TestGmailProviderChangeLabelsNeedsThread(t *testing.T) {
	err := GmailProvider{}.ChangeLabels(newFakeGmail(), &models.Message{ID: 5}, nil, []string{"Work"}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestProviderFor(t *testing.T) {
	p, err := ProviderFor(gmailAccount())
	require.NoError(t, err)
	assert.IsType(t, GmailProvider{}, p)
	assert.True(t, p.SupportsLabels())

	p, err = ProviderFor(genericAccount())
	require.NoError(t, err)
	assert.IsType(t, GenericProvider{}, p)
	assert.False(t, p.SupportsLabels())

	_, err = ProviderFor(&models.Account{ID: 3, Provider: "exchange"})
	assert.ErrorIs(t, err, ErrUnsupported)
}
