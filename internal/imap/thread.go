package imap

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
)

// ThreadRoots runs UID THREAD REFERENCES over uids and maps every uid in the
// result to the uid at the root of its thread tree. Servers without
// THREAD=REFERENCES get an empty map.
func (c *CrispinClient) ThreadRoots(uids []uint32) (map[uint32]uint32, error) {
	if err := c.requireSelected(); err != nil {
		return nil, err
	}
	roots := make(map[uint32]uint32)
	if !c.thread || len(uids) == 0 {
		return roots, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = uidSet(uids)

	threads, err := sortthread.NewThreadClient(c.client).UidThread(sortthread.References, criteria)
	if err != nil {
		return nil, fmt.Errorf("THREAD command returned error: %w", err)
	}

	var walk func(*sortthread.Thread, uint32)
	walk = func(t *sortthread.Thread, root uint32) {
		if t == nil {
			return
		}
		roots[t.Id] = root
		for _, child := range t.Children {
			walk(child, root)
		}
	}

	for _, t := range threads {
		if t == nil {
			continue
		}
		walk(t, t.Id)
	}
	return roots, nil
}

func newLiteral(b []byte) imap.Literal {
	return bytes.NewReader(b)
}
