package mailsync

import (
	"context"
	"fmt"

	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// RemapRequest describes a folder whose UIDVALIDITY changed. Folder carries the
// stale cached values; a remapper updates them in place once it has stored the
// new watermark.
type RemapRequest struct {
	Account *models.Account
	Folder  *models.Folder
	// Resume is the state the folder was in before it became invalid.
	Resume models.FolderState
}

// UIDRemapper rebuilds the uid rows of a folder after a UIDVALIDITY change and
// returns the state to continue in. Remappers must not download message bodies.
type UIDRemapper interface {
	Remap(ctx context.Context, sess imap.Session, req RemapRequest) (models.FolderState, error)
}

// GmailRemapper maps the new uids to stored messages by X-GM-MSGID, which is
// stable across UIDVALIDITY changes. Uids it cannot map are left for the next
// poll to download.
type GmailRemapper struct {
	Store     Store
	ChunkSize int
}

func (r *GmailRemapper) Remap(ctx context.Context, sess imap.Session, req RemapRequest) (models.FolderState, error) {
	gs, ok := sess.(imap.GmailSession)
	if !ok {
		return "", imap.ErrNotGmail
	}

	info, err := gs.SelectFolder(req.Folder.Name)
	if err != nil {
		return "", fmt.Errorf("failed to select %s: %w", req.Folder.Name, err)
	}
	remote, err := gs.AllUIDs()
	if err != nil {
		return "", fmt.Errorf("failed to list uids: %w", err)
	}

	label := gmail.FolderLabel(req.Folder.CanonicalName, req.Folder.Name)
	size := r.ChunkSize
	if size <= 0 {
		size = DefaultConfig().DownloadChunkSize
	}

	var links []models.UIDLink
	for _, batch := range chunks(remote, size) {
		meta, err := gs.GMetadata(batch)
		if err != nil {
			return "", fmt.Errorf("failed to fetch gmail metadata: %w", err)
		}
		stored, err := r.Store.MessageIDsByGMsgID(ctx, req.Account.ID, gmail.MsgIDs(meta))
		if err != nil {
			return "", err
		}
		infos, err := gs.FetchFlags(batch)
		if err != nil {
			return "", fmt.Errorf("failed to fetch flags: %w", err)
		}
		for _, u := range uidUpdates(infos, label, true) {
			id, ok := stored[meta[u.MsgUID].MsgID]
			if !ok {
				continue
			}
			links = append(links, models.UIDLink{MessageID: id, UID: u})
		}
	}

	if err := r.Store.RemapFolderUIDs(ctx, req.Account, req.Folder.ID, links); err != nil {
		return "", err
	}
	if err := r.Store.UpdateFolderWatermark(ctx, req.Folder.ID, info.UIDValidity, info.HighestModSeq); err != nil {
		return "", err
	}
	req.Folder.UIDValidity = info.UIDValidity
	req.Folder.HighestModSeq = info.HighestModSeq
	return req.Resume, nil
}

// ResyncRemapper is the fallback for providers without a stable message id: drop
// the folder's uid rows and download it again. Message rows are kept and matched
// by content hash, so no body is stored twice.
type ResyncRemapper struct {
	Store Store
}

func (r *ResyncRemapper) Remap(ctx context.Context, sess imap.Session, req RemapRequest) (models.FolderState, error) {
	info, err := sess.SelectFolder(req.Folder.Name)
	if err != nil {
		return "", fmt.Errorf("failed to select %s: %w", req.Folder.Name, err)
	}
	if err := r.Store.ResetFolderUIDs(ctx, req.Account, req.Folder.ID); err != nil {
		return "", err
	}
	if err := r.Store.UpdateFolderWatermark(ctx, req.Folder.ID, info.UIDValidity, 0); err != nil {
		return "", err
	}
	req.Folder.UIDValidity = info.UIDValidity
	req.Folder.HighestModSeq = 0
	return models.FolderStateInitial, nil
}
