package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const defaultFetchChunkSize = 50

// CrispinClient implements Session on top of a go-imap client. It is not safe
// for concurrent use; the pool hands each checkout to exactly one caller.
type CrispinClient struct {
	client    *client.Client
	selected  string
	readOnly  bool
	condstore bool
	thread    bool
	gmail     bool

	// FetchChunkSize bounds the uids requested per FETCH round trip.
	FetchChunkSize int
}

// NewCrispinClient wraps an authenticated client and caches its capabilities.
func NewCrispinClient(c *client.Client) (*CrispinClient, error) {
	caps, err := c.Capability()
	if err != nil {
		return nil, fmt.Errorf("failed to read capabilities: %w", err)
	}
	return &CrispinClient{
		client:         c,
		condstore:      caps["CONDSTORE"],
		thread:         caps["THREAD=REFERENCES"],
		FetchChunkSize: defaultFetchChunkSize,
	}, nil
}

func (c *CrispinClient) CondstoreSupported() bool { return c.condstore }

func (c *CrispinClient) ThreadSupported() bool { return c.thread }

func (c *CrispinClient) SelectFolder(name string) (*SelectInfo, error) {
	return c.selectFolder(name, true)
}

func (c *CrispinClient) SelectFolderForWrite(name string) (*SelectInfo, error) {
	return c.selectFolder(name, false)
}

func (c *CrispinClient) selectFolder(name string, readOnly bool) (*SelectInfo, error) {
	c.selected = ""
	mbox, err := c.client.Select(name, readOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}
	c.selected = name
	c.readOnly = readOnly

	info := &SelectInfo{
		Name:        name,
		Exists:      mbox.Messages,
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
	}

	if c.condstore {
		status, err := c.FolderStatus(name)
		if err != nil {
			return nil, err
		}
		info.HighestModSeq = status.HighestModSeq
	}

	return info, nil
}

func (c *CrispinClient) SelectedFolder() string {
	return c.selected
}

// ClearSelection closes the selected folder so the next checkout starts clean.
func (c *CrispinClient) ClearSelection() error {
	if c.selected == "" || c.client.State() != imap.SelectedState {
		c.selected = ""
		return nil
	}
	c.selected = ""
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close folder: %w", err)
	}
	return nil
}

// FolderStatus issues STATUS, adding HIGHESTMODSEQ when the server has CONDSTORE.
func (c *CrispinClient) FolderStatus(name string) (*FolderStatus, error) {
	items := []imap.StatusItem{imap.StatusMessages, imap.StatusUidNext, imap.StatusUidValidity}
	if c.condstore {
		items = append(items, statusHighestModSeq)
	}

	mbox, err := c.client.Status(name, items)
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", name, err)
	}

	status := &FolderStatus{
		Name:        name,
		Messages:    mbox.Messages,
		UIDNext:     mbox.UidNext,
		UIDValidity: mbox.UidValidity,
	}
	if raw, ok := mbox.Items[statusHighestModSeq]; ok && raw != nil {
		modseq, err := parseUint64(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid HIGHESTMODSEQ for %s: %w", name, err)
		}
		status.HighestModSeq = modseq
	}
	return status, nil
}

func (c *CrispinClient) requireSelected() error {
	if c.selected == "" {
		return ErrNoFolderSelected
	}
	return nil
}

func (c *CrispinClient) requireWritable() error {
	if err := c.requireSelected(); err != nil {
		return err
	}
	if c.readOnly {
		return ErrFolderReadOnly
	}
	return nil
}

func (c *CrispinClient) Noop() error {
	return c.client.Noop()
}

func (c *CrispinClient) Logout() error {
	c.selected = ""
	return c.client.Logout()
}

func (c *CrispinClient) Alive() bool {
	state := c.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

// Dial opens a connection to addr (host:port). useTLS is false only in tests.
func Dial(ctx context.Context, addr string, useTLS bool, timeout time.Duration) (*client.Client, error) {
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	if useTLS {
		host, _, _ := net.SplitHostPort(addr)
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		hsCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		conn = tlsConn
	}

	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read greeting: %w", err)
	}
	return c, nil
}

// hostAddr adds the IMAPS port when host has none.
func hostAddr(host string) (addr, hostname string, port int) {
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, "993"), host, 993
	}
	port, err = strconv.Atoi(p)
	if err != nil {
		port = 993
	}
	return host, h, port
}
