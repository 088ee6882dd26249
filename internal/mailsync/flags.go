package mailsync

import (
	goimap "github.com/emersion/go-imap"

	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

func uidFromFlags(uid uint32, flags []string) models.ImapUID {
	u := models.ImapUID{MsgUID: uid}
	for _, f := range flags {
		switch goimap.CanonicalFlag(f) {
		case goimap.SeenFlag:
			u.IsSeen = true
		case goimap.FlaggedFlag:
			u.IsFlagged = true
		case goimap.DraftFlag:
			u.IsDraft = true
		case goimap.AnsweredFlag:
			u.IsAnswered = true
		}
	}
	return u
}

func normalizeLabels(raw []string, folderLabel string) []string {
	return gmail.MessageLabels(raw, folderLabel)
}

// uidUpdates converts re-fetched flags into uid rows. Labels are only tracked for Gmail.
func uidUpdates(infos map[uint32]imap.FlagInfo, folderLabel string, gmailLabels bool) []models.ImapUID {
	out := make([]models.ImapUID, 0, len(infos))
	for _, uid := range sortedKeys(infos) {
		info := infos[uid]
		u := uidFromFlags(uid, info.Flags)
		if gmailLabels {
			u.Labels = normalizeLabels(info.Labels, folderLabel)
		}
		out = append(out, u)
	}
	return out
}
