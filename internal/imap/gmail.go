package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// GmailCrispinClient adds the X-GM-EXT-1 operations to CrispinClient. Fetches
// made through it also carry X-GM-MSGID, X-GM-THRID and X-GM-LABELS.
type GmailCrispinClient struct {
	*CrispinClient
}

func NewGmailCrispinClient(c *client.Client) (*GmailCrispinClient, error) {
	ok, err := c.Support("X-GM-EXT-1")
	if err != nil {
		return nil, fmt.Errorf("failed to read capabilities: %w", err)
	}
	if !ok {
		return nil, ErrNotGmail
	}

	base, err := NewCrispinClient(c)
	if err != nil {
		return nil, err
	}
	base.gmail = true
	return &GmailCrispinClient{CrispinClient: base}, nil
}

// SearchThread returns the uids of a thread within the selected folder.
func (c *GmailCrispinClient) SearchThread(thrid uint64) ([]uint32, error) {
	return c.uidSearch(imap.RawString(fetchGThrID), number(thrid))
}

// SearchMsgID returns the uid of a message within the selected folder (zero or one uid).
func (c *GmailCrispinClient) SearchMsgID(msgid uint64) ([]uint32, error) {
	return c.uidSearch(imap.RawString(fetchGMsgID), number(msgid))
}

// ArchiveThread removes a thread from the selected folder (normally Inbox).
// Expunging from a Gmail label folder only drops the label; the messages stay in All Mail.
func (c *GmailCrispinClient) ArchiveThread(thrid uint64) error {
	if err := c.requireWritable(); err != nil {
		return err
	}
	uids, err := c.SearchThread(thrid)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	return c.DeleteUIDs(uids)
}

// CopyThread copies every message of a thread in the selected folder to dest.
func (c *GmailCrispinClient) CopyThread(thrid uint64, dest string) error {
	uids, err := c.SearchThread(thrid)
	if err != nil {
		return err
	}
	return c.CopyUIDs(uids, dest)
}

func (c *GmailCrispinClient) AddLabel(thrid uint64, label string) error {
	return c.storeThreadLabel(thrid, "+X-GM-LABELS", label)
}

func (c *GmailCrispinClient) RemoveLabel(thrid uint64, label string) error {
	return c.storeThreadLabel(thrid, "-X-GM-LABELS", label)
}

func (c *GmailCrispinClient) storeThreadLabel(thrid uint64, item, label string) error {
	if err := c.requireWritable(); err != nil {
		return err
	}
	uids, err := c.SearchThread(thrid)
	if err != nil {
		return err
	}
	return c.uidStore(uids, item, []interface{}{label})
}
