package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/models"
)

// TestIMAPServer is an in-memory IMAP server. It speaks plain IMAP4rev1: no
// CONDSTORE, no THREAD and no Gmail extensions.
type TestIMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend
}

// The memory backend creates a single user with these credentials.
const (
	TestIMAPUsername = "username"
	TestIMAPPassword = "password"
)

// NewTestIMAPServer starts a server on a random port and stops it when the test ends.
// The memory backend seeds INBOX with one message.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	s, err := NewTestIMAPServerForE2E()
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// NewTestIMAPServerForE2E starts a server outside of a test. The caller closes it.
func NewTestIMAPServerForE2E() (*TestIMAPServer, error) {
	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		_ = s.Serve(listener)
	}()

	return &TestIMAPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
	}, nil
}

func (s *TestIMAPServer) Close() {
	_ = s.Server.Close()
}

// Account returns a generic-provider account pointing at this server with a sealed password.
func (s *TestIMAPServer) Account(t *testing.T, id int64, sealer *crypto.CredentialSealer) *models.Account {
	t.Helper()

	sealed, err := sealer.Seal(id, TestIMAPPassword)
	if err != nil {
		t.Fatalf("Failed to seal password: %v", err)
	}
	return &models.Account{
		ID:                id,
		NamespaceID:       id,
		Provider:          models.ProviderGenericIMAP,
		EmailAddress:      TestIMAPUsername,
		IMAPHost:          s.Address,
		EncryptedPassword: sealed,
		SyncState:         models.SyncStateRunning,
		SyncShouldRun:     true,
	}
}

// Connect logs in with a raw client, for seeding and inspecting server state.
func (s *TestIMAPServer) Connect(t *testing.T) *imapclient.Client {
	t.Helper()

	c, err := s.ConnectForE2E()
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Logout()
	})
	return c
}

// ConnectForE2E logs in with a raw client. The caller logs out.
func (s *TestIMAPServer) ConnectForE2E() (*imapclient.Client, error) {
	c, err := imapclient.Dial(s.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test server: %w", err)
	}
	if err := c.Login(TestIMAPUsername, TestIMAPPassword); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	return c, nil
}

// CreateFolder adds a folder to the server.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	if err := s.Connect(t).Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// TestMessage describes a message to append.
type TestMessage struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
	From       string
	To         string
	Body       string
	SentAt     time.Time
	Flags      []string
}

// RawTestMessage renders m as RFC 822 bytes.
func RawTestMessage(m TestMessage) []byte {
	if m.From == "" {
		m.From = "sender@example.com"
	}
	if m.To == "" {
		m.To = "recipient@example.com"
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	}
	if m.Body == "" {
		m.Body = "Test message body."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", m.MessageID)
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	if m.References != "" {
		fmt.Fprintf(&b, "References: %s\r\n", m.References)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", m.SentAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// AddMessage appends m to folder and returns its uid.
func (s *TestIMAPServer) AddMessage(t *testing.T, folder string, m TestMessage) uint32 {
	t.Helper()

	c := s.Connect(t)
	uid, err := appendMessage(c, folder, m)
	if err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}
	return uid
}

// AddMessageForE2E appends m to folder over c and returns its uid.
func (s *TestIMAPServer) AddMessageForE2E(c *imapclient.Client, folder string, m TestMessage) (uint32, error) {
	return appendMessage(c, folder, m)
}

func appendMessage(c *imapclient.Client, folder string, m TestMessage) (uint32, error) {
	flags := m.Flags
	if flags == nil {
		flags = []string{imap.SeenFlag}
	}
	if err := c.Append(folder, flags, time.Now(), strings.NewReader(string(RawTestMessage(m)))); err != nil {
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	if _, err := c.Select(folder, true); err != nil {
		return 0, fmt.Errorf("failed to select folder: %w", err)
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", m.MessageID)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search for message: %w", err)
	}
	if len(uids) == 0 {
		return 0, fmt.Errorf("message %s not found after append", m.MessageID)
	}
	return uids[len(uids)-1], nil
}

// DeleteMessage expunges uid from folder.
func (s *TestIMAPServer) DeleteMessage(t *testing.T, folder string, uid uint32) {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(folder, false); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	set := new(imap.SeqSet)
	set.AddNum(uid)
	if err := c.UidStore(set, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
		t.Fatalf("Failed to flag message: %v", err)
	}
	if err := c.Expunge(nil); err != nil {
		t.Fatalf("Failed to expunge: %v", err)
	}
}

// UIDs lists the uids currently in folder.
func (s *TestIMAPServer) UIDs(t *testing.T, folder string) []uint32 {
	t.Helper()

	c := s.Connect(t)
	if _, err := c.Select(folder, true); err != nil {
		t.Fatalf("Failed to select folder: %v", err)
	}
	uids, err := c.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		t.Fatalf("Failed to search: %v", err)
	}
	return uids
}
