package imap

import (
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap"
)

// AllUIDs lists every uid in the selected folder that is not flagged \Deleted.
func (c *CrispinClient) AllUIDs() ([]uint32, error) {
	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to list uids: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// NewAndUpdatedUIDs returns uids whose MODSEQ is above sinceModSeq.
func (c *CrispinClient) NewAndUpdatedUIDs(sinceModSeq uint64) ([]uint32, error) {
	if !c.condstore {
		return nil, fmt.Errorf("server does not support CONDSTORE")
	}
	return c.uidSearch(imap.RawString("NOT"), imap.RawString("DELETED"), imap.RawString("MODSEQ"), number(sinceModSeq+1))
}

// SearchHeader finds uids in the selected folder whose header contains value.
func (c *CrispinClient) SearchHeader(name, value string) ([]uint32, error) {
	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(name, value)
	criteria.WithoutFlags = []string{imap.DeletedFlag}

	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", name, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// SetFlags adds or removes flags on uids in the selected folder.
func (c *CrispinClient) SetFlags(uids []uint32, flags []string, add bool) error {
	if err := c.requireWritable(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	var op imap.FlagsOp = imap.RemoveFlags
	if add {
		op = imap.AddFlags
	}
	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}

	if err := c.client.UidStore(uidSet(uids), imap.FormatFlagsOp(op, true), values, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

func (c *CrispinClient) CopyUIDs(uids []uint32, dest string) error {
	if err := c.requireSelected(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if err := c.client.UidCopy(uidSet(uids), dest); err != nil {
		return fmt.Errorf("failed to copy to %s: %w", dest, err)
	}
	return nil
}

// DeleteUIDs flags uids \Deleted and expunges the selected folder.
func (c *CrispinClient) DeleteUIDs(uids []uint32) error {
	if len(uids) == 0 {
		return c.requireWritable()
	}
	if err := c.SetFlags(uids, []string{imap.DeletedFlag}, true); err != nil {
		return err
	}
	if err := c.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

func (c *CrispinClient) Append(folder string, flags []string, date time.Time, raw []byte) error {
	if err := c.client.Append(folder, flags, date, newLiteral(raw)); err != nil {
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return nil
}
