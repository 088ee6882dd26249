package gmail

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/vdavid/mailsync/internal/imap"
)

// ErrNotAllMail is returned when thread expansion runs with another folder selected.
var ErrNotAllMail = errors.New("thread expansion requires All Mail to be selected")

// ExpandThreads returns every All Mail uid that belongs to one of thrids.
// allMail is the real name of the account's All Mail folder and must be the
// folder currently selected on sess.
func ExpandThreads(sess imap.GmailSession, allMail string, thrids []uint64) ([]uint32, error) {
	if allMail == "" || sess.SelectedFolder() != allMail {
		return nil, ErrNotAllMail
	}

	set := make(map[uint32]struct{})
	for _, thrid := range thrids {
		uids, err := sess.SearchThread(thrid)
		if err != nil {
			return nil, fmt.Errorf("failed to search thread %d: %w", thrid, err)
		}
		for _, uid := range uids {
			set[uid] = struct{}{}
		}
	}

	out := make([]uint32, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ThreadMember is the part of a message that decides thread identity.
type ThreadMember struct {
	GMsgID       uint64
	GThrID       uint64
	ReceivedDate time.Time
}

// ThreadIDFor picks the X-GM-THRID of a group of messages discovered together.
// A server-assigned X-GM-THRID wins when members agree on one. Otherwise the
// first message's X-GM-MSGID becomes the thread id: earliest ReceivedDate,
// ties broken by the lower X-GM-MSGID.
//
//	members with thrid        | result
//	--------------------------+-------------------------------
//	all share T               | T
//	none, or they disagree    | g_msgid of the first message
func ThreadIDFor(members []ThreadMember) uint64 {
	if len(members) == 0 {
		return 0
	}

	var agreed uint64
	consistent := true
	for _, m := range members {
		if m.GThrID == 0 {
			continue
		}
		if agreed == 0 {
			agreed = m.GThrID
		} else if agreed != m.GThrID {
			consistent = false
		}
	}
	if agreed != 0 && consistent {
		return agreed
	}

	first := members[0]
	for _, m := range members[1:] {
		if m.ReceivedDate.Before(first.ReceivedDate) ||
			(m.ReceivedDate.Equal(first.ReceivedDate) && m.GMsgID < first.GMsgID) {
			first = m
		}
	}
	return first.GMsgID
}

// ThreadKey is the stable local key of a Gmail thread.
func ThreadKey(thrid uint64) string {
	return "gm:" + strconv.FormatUint(thrid, 10)
}
