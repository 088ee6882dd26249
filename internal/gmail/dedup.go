package gmail

import (
	"sort"

	"github.com/vdavid/mailsync/internal/imap"
)

// DownloadPlan splits candidate uids of one folder into the ones whose bodies
// must be fetched and the ones that only need a join row to an existing message.
type DownloadPlan struct {
	// Full is sorted by descending uid so the newest mail lands first.
	Full []uint32
	// MetaOnly maps uid to the stored message id with the same X-GM-MSGID.
	MetaOnly map[uint32]int64
}

// DeduplicateMessageDownload partitions candidates using the server metadata and
// the ids already stored for the account (g_msgid -> message id).
//
// A uid whose X-GM-MSGID is already stored is metadata-only. When two candidates
// share an unseen X-GM-MSGID only the highest uid is downloaded; the other is
// left for the next pass, where it will resolve as metadata-only.
// A uid without metadata is always downloaded.
func DeduplicateMessageDownload(meta map[uint32]imap.GMetadata, candidates []uint32, stored map[uint64]int64) DownloadPlan {
	plan := DownloadPlan{MetaOnly: make(map[uint32]int64)}

	sorted := append([]uint32(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	claimed := make(map[uint64]struct{})
	for _, uid := range sorted {
		m, ok := meta[uid]
		if !ok || m.MsgID == 0 {
			plan.Full = append(plan.Full, uid)
			continue
		}
		if id, ok := stored[m.MsgID]; ok {
			plan.MetaOnly[uid] = id
			continue
		}
		if _, ok := claimed[m.MsgID]; ok {
			continue
		}
		claimed[m.MsgID] = struct{}{}
		plan.Full = append(plan.Full, uid)
	}
	return plan
}

// MsgIDs returns the distinct X-GM-MSGIDs in meta.
func MsgIDs(meta map[uint32]imap.GMetadata) []uint64 {
	set := make(map[uint64]struct{}, len(meta))
	for _, m := range meta {
		if m.MsgID != 0 {
			set[m.MsgID] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ThrIDs returns the distinct X-GM-THRIDs in meta.
func ThrIDs(meta map[uint32]imap.GMetadata) []uint64 {
	set := make(map[uint64]struct{}, len(meta))
	for _, m := range meta {
		if m.ThrID != 0 {
			set[m.ThrID] = struct{}{}
		}
	}
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
