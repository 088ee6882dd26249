package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
)

// FetchUIDs downloads full messages. Each uid the server returns yields one
// FetchResult; a message that fails to parse carries its error instead of
// failing the batch. Uids expunged in the meantime are simply absent.
func (c *CrispinClient) FetchUIDs(uids []uint32) ([]FetchResult, error) {
	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		(&imap.BodySectionName{Peek: true}).FetchItem(),
	}
	if c.gmail {
		items = append(items, fetchGMsgID, fetchGThrID, fetchGLabels)
	}

	results := make([]FetchResult, 0, len(uids))
	err := c.fetchChunked(uids, items, func(msg *imap.Message) {
		raw, err := parseRawMessage(msg, c.gmail)
		if err != nil {
			results = append(results, FetchResult{UID: msg.Uid, Err: err})
			return
		}
		results = append(results, FetchResult{UID: msg.Uid, Message: raw})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FetchFlags re-fetches flags (and Gmail labels) for known messages.
func (c *CrispinClient) FetchFlags(uids []uint32) (map[uint32]FlagInfo, error) {
	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags}
	if c.gmail {
		items = append(items, fetchGMsgID, fetchGLabels)
	}

	out := make(map[uint32]FlagInfo, len(uids))
	var parseErr error
	err := c.fetchChunked(uids, items, func(msg *imap.Message) {
		info := FlagInfo{UID: msg.Uid, Flags: msg.Flags}
		if c.gmail {
			meta, labels, err := parseGmailItems(msg)
			if err != nil {
				parseErr = err
				return
			}
			info.GMsgID = meta.MsgID
			info.Labels = labels
		}
		out[msg.Uid] = info
	})
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

// GMetadata fetches only X-GM-MSGID and X-GM-THRID, no envelope or body.
func (c *CrispinClient) GMetadata(uids []uint32) (map[uint32]GMetadata, error) {
	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	out := make(map[uint32]GMetadata, len(uids))
	var parseErr error
	err := c.fetchChunked(uids, []imap.FetchItem{imap.FetchUid, fetchGMsgID, fetchGThrID}, func(msg *imap.Message) {
		meta, _, err := parseGmailItems(msg)
		if err != nil {
			parseErr = err
			return
		}
		out[msg.Uid] = meta
	})
	if err != nil {
		return nil, err
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

func (c *CrispinClient) fetchChunked(uids []uint32, items []imap.FetchItem, each func(*imap.Message)) error {
	chunk := c.FetchChunkSize
	if chunk <= 0 {
		chunk = defaultFetchChunkSize
	}

	for start := 0; start < len(uids); start += chunk {
		end := min(start+chunk, len(uids))

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)

		go func(set *imap.SeqSet) {
			done <- c.client.UidFetch(set, items, messages)
		}(uidSet(uids[start:end]))

		for msg := range messages {
			each(msg)
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
	}
	return nil
}
