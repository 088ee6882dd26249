package imap

import (
	"fmt"
	"io"
	"strconv"

	"github.com/emersion/go-imap"
)

// parseRawMessage turns one FETCH response into a RawMessage.
func parseRawMessage(msg *imap.Message, gmail bool) (*RawMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	raw := &RawMessage{
		UID:          msg.Uid,
		Flags:        msg.Flags,
		InternalDate: msg.InternalDate,
		Size:         msg.Size,
	}

	body := msg.GetBody(&imap.BodySectionName{})
	if body == nil {
		return nil, ErrMissingBody
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of uid %d: %w", msg.Uid, err)
	}
	raw.Body = data

	if gmail {
		meta, labels, err := parseGmailItems(msg)
		if err != nil {
			return nil, err
		}
		raw.GMsgID = meta.MsgID
		raw.GThrID = meta.ThrID
		raw.Labels = labels
	}

	return raw, nil
}

// parseGmailItems reads X-GM-MSGID, X-GM-THRID and X-GM-LABELS when present.
func parseGmailItems(msg *imap.Message) (GMetadata, []string, error) {
	var meta GMetadata
	var err error

	if v, ok := msg.Items[fetchGMsgID]; ok && v != nil {
		if meta.MsgID, err = parseUint64(v); err != nil {
			return meta, nil, fmt.Errorf("invalid X-GM-MSGID for uid %d: %w", msg.Uid, err)
		}
	}
	if v, ok := msg.Items[fetchGThrID]; ok && v != nil {
		if meta.ThrID, err = parseUint64(v); err != nil {
			return meta, nil, fmt.Errorf("invalid X-GM-THRID for uid %d: %w", msg.Uid, err)
		}
	}

	var labels []string
	if v, ok := msg.Items[fetchGLabels]; ok && v != nil {
		if labels, err = parseLabels(v); err != nil {
			return meta, nil, fmt.Errorf("invalid X-GM-LABELS for uid %d: %w", msg.Uid, err)
		}
	}

	return meta, labels, nil
}

// parseUint64 accepts the shapes go-imap uses for extension atoms. 64-bit ids do
// not fit imap.ParseNumber.
func parseUint64(v interface{}) (uint64, error) {
	switch v := v.(type) {
	case string:
		return strconv.ParseUint(v, 10, 64)
	case imap.RawString:
		return strconv.ParseUint(string(v), 10, 64)
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case []interface{}:
		// MODSEQ comes as a one-element list.
		if len(v) == 1 {
			return parseUint64(v[0])
		}
	}
	return 0, fmt.Errorf("unexpected value %v (%T)", v, v)
}

func parseLabels(v interface{}) ([]string, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	labels := make([]string, 0, len(list))
	for _, item := range list {
		switch s := item.(type) {
		case string:
			labels = append(labels, s)
		case imap.RawString:
			labels = append(labels, string(s))
		default:
			return nil, fmt.Errorf("unexpected label %v (%T)", item, item)
		}
	}
	return labels, nil
}
