package imap

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
)

const (
	statusHighestModSeq imap.StatusItem = "HIGHESTMODSEQ"

	fetchGMsgID  imap.FetchItem = "X-GM-MSGID"
	fetchGThrID  imap.FetchItem = "X-GM-THRID"
	fetchGLabels imap.FetchItem = "X-GM-LABELS"
)

// searchCommand is a SEARCH with arguments go-imap's criteria cannot express
// (MODSEQ, X-GM-THRID, X-GM-MSGID).
type searchCommand struct {
	args []interface{}
}

func (cmd *searchCommand) Command() *imap.Command {
	return &imap.Command{Name: "SEARCH", Arguments: cmd.args}
}

// searchHandler collects uids from SEARCH responses, skipping the trailing
// "(MODSEQ n)" list that CONDSTORE servers append.
type searchHandler struct {
	uids []uint32
}

func (h *searchHandler) Handle(resp imap.Resp) error {
	name, fields, ok := imap.ParseNamedResp(resp)
	if !ok || name != "SEARCH" {
		return responses.ErrUnhandled
	}
	for _, f := range fields {
		if _, isList := f.([]interface{}); isList {
			continue
		}
		n, err := imap.ParseNumber(f)
		if err != nil {
			return err
		}
		h.uids = append(h.uids, n)
	}
	return nil
}

// storeCommand sends STORE without go-imap's conversion of values to atoms,
// so labels with spaces stay quoted.
type storeCommand struct {
	seqSet *imap.SeqSet
	item   string
	values []interface{}
}

func (cmd *storeCommand) Command() *imap.Command {
	return &imap.Command{
		Name:      "STORE",
		Arguments: []interface{}{cmd.seqSet, imap.RawString(cmd.item), cmd.values},
	}
}

func (c *CrispinClient) uidSearch(args ...interface{}) ([]uint32, error) {
	if err := c.requireSelected(); err != nil {
		return nil, err
	}

	h := &searchHandler{}
	status, err := c.client.Execute(&commands.Uid{Cmd: &searchCommand{args: args}}, h)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("search rejected: %w", err)
	}

	sort.Slice(h.uids, func(i, j int) bool { return h.uids[i] < h.uids[j] })
	return h.uids, nil
}

func (c *CrispinClient) uidStore(uids []uint32, item string, values []interface{}) error {
	if err := c.requireWritable(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	status, err := c.client.Execute(&commands.Uid{Cmd: &storeCommand{seqSet: uidSet(uids), item: item, values: values}}, nil)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", item, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("store %s rejected: %w", item, err)
	}
	return nil
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	for _, uid := range uids {
		set.AddNum(uid)
	}
	return set
}

func number(n uint64) imap.RawString {
	return imap.RawString(strconv.FormatUint(n, 10))
}
