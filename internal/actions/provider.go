package actions

import (
	"fmt"

	goimap "github.com/emersion/go-imap"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// Provider performs remote mutations for one kind of account. Every method must
// be safe to repeat: a second call with the same arguments leaves the mailbox as
// the first one did.
type Provider interface {
	SupportsLabels() bool

	SetFlag(sess imap.Session, locs []models.MessageLocation, flag string, set bool) error
	Move(sess imap.Session, msg *models.Message, locs []models.MessageLocation, destination string) error
	ChangeLabels(sess imap.Session, msg *models.Message, locs []models.MessageLocation, added, removed []string) error

	SaveDraft(sess imap.Session, msg *models.Message, raw []byte) error
	DeleteDraft(sess imap.Session, args DeleteDraftArgs) error
	SaveSent(sess imap.Session, msg *models.Message, raw []byte) error
	DeleteSent(sess imap.Session, messageIDHeader string) error

	CreateCategory(sess imap.Session, name string) error
	RenameCategory(sess imap.Session, oldName, name string) error
	DeleteCategory(sess imap.Session, name string) error
}

// ProviderFor picks the implementation matching the account's provider tag.
func ProviderFor(account *models.Account) (Provider, error) {
	switch account.Provider {
	case models.ProviderGmail:
		return GmailProvider{}, nil
	case models.ProviderGenericIMAP:
		return GenericProvider{}, nil
	}
	return nil, fmt.Errorf("%w: provider %q", ErrUnsupported, account.Provider)
}

// Folder names used when the server does not flag its special folders.
var fallbackFolders = map[string]string{
	models.CanonicalDrafts: "Drafts",
	models.CanonicalSent:   "Sent",
	models.CanonicalTrash:  "Trash",
	models.CanonicalInbox:  "INBOX",
}

// resolveFolder maps a canonical name to the server's folder. Names that are not
// canonical are returned unchanged.
func resolveFolder(names *imap.FolderNames, name string) string {
	if real := names.Get(name); real != "" {
		return real
	}
	if fallback, ok := fallbackFolders[name]; ok {
		return fallback
	}
	return name
}

func hasFolder(names *imap.FolderNames, name string) bool {
	for _, nf := range names.Folders() {
		if nf.Name == name {
			return true
		}
	}
	return false
}

// GenericProvider works with plain IMAP folders.
type GenericProvider struct{}

func (GenericProvider) SupportsLabels() bool { return false }

func (GenericProvider) SetFlag(sess imap.Session, locs []models.MessageLocation, flag string, set bool) error {
	for folder, uids := range byFolder(locs) {
		if _, err := sess.SelectFolderForWrite(folder); err != nil {
			return err
		}
		if err := sess.SetFlags(uids, []string{flag}, set); err != nil {
			return err
		}
	}
	return nil
}

// Move copies the message to destination and expunges it everywhere else. A
// repeat finds nothing left to copy under the old uids.
func (GenericProvider) Move(sess imap.Session, _ *models.Message, locs []models.MessageLocation, destination string) error {
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	dest := resolveFolder(names, destination)

	for folder, uids := range byFolder(locs) {
		if folder == dest {
			continue
		}
		if _, err := sess.SelectFolderForWrite(folder); err != nil {
			return err
		}
		if err := sess.CopyUIDs(uids, dest); err != nil {
			return err
		}
		if err := sess.DeleteUIDs(uids); err != nil {
			return err
		}
	}
	return nil
}

func (GenericProvider) ChangeLabels(imap.Session, *models.Message, []models.MessageLocation, []string, []string) error {
	return fmt.Errorf("%w: labels on a generic IMAP account", ErrUnsupported)
}

func (GenericProvider) SaveDraft(sess imap.Session, msg *models.Message, raw []byte) error {
	return appendOnce(sess, models.CanonicalDrafts, msg, raw, []string{goimap.DraftFlag, goimap.SeenFlag})
}

func (GenericProvider) DeleteDraft(sess imap.Session, args DeleteDraftArgs) error {
	if args.InboxUID == "" && args.MessageIDHeader == "" {
		return fmt.Errorf("%w: delete_draft needs inbox_uid or message_id_header", ErrInvalidArgs)
	}
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	drafts := resolveFolder(names, models.CanonicalDrafts)
	if _, err := sess.SelectFolderForWrite(drafts); err != nil {
		return err
	}

	var uids []uint32
	if args.InboxUID != "" {
		uids, err = sess.SearchHeader(InboxIDHeader, string(args.InboxUID))
		if err != nil {
			return err
		}
	}
	if len(uids) == 0 && args.MessageIDHeader != "" {
		uids, err = sess.SearchHeader("Message-ID", args.MessageIDHeader)
		if err != nil {
			return err
		}
	}
	if len(uids) == 0 {
		return nil
	}
	return sess.DeleteUIDs(uids)
}

func (GenericProvider) SaveSent(sess imap.Session, msg *models.Message, raw []byte) error {
	return appendOnce(sess, models.CanonicalSent, msg, raw, []string{goimap.SeenFlag})
}

func (GenericProvider) DeleteSent(sess imap.Session, messageIDHeader string) error {
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	if _, err := sess.SelectFolderForWrite(resolveFolder(names, models.CanonicalSent)); err != nil {
		return err
	}
	uids, err := sess.SearchHeader("Message-ID", messageIDHeader)
	if err != nil {
		return err
	}
	return sess.DeleteUIDs(uids)
}

func (GenericProvider) CreateCategory(sess imap.Session, name string) error {
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	if hasFolder(names, name) {
		return nil
	}
	return sess.CreateFolder(name)
}

// RenameCategory succeeds without a round trip once the rename has happened.
func (GenericProvider) RenameCategory(sess imap.Session, oldName, name string) error {
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	if !hasFolder(names, oldName) && hasFolder(names, name) {
		return nil
	}
	return sess.RenameFolder(oldName, name)
}

func (GenericProvider) DeleteCategory(sess imap.Session, name string) error {
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	if !hasFolder(names, name) {
		return nil
	}
	return sess.DeleteFolder(name)
}

// appendOnce appends raw to a canonical folder unless a message with the same
// Message-ID is already there.
func appendOnce(sess imap.Session, canonical string, msg *models.Message, raw []byte, flags []string) error {
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	folder := resolveFolder(names, canonical)

	if msg.MessageIDHeader != "" {
		if _, err := sess.SelectFolder(folder); err != nil {
			return err
		}
		uids, err := sess.SearchHeader("Message-ID", msg.MessageIDHeader)
		if err != nil {
			return err
		}
		if len(uids) > 0 {
			return nil
		}
	}
	return sess.Append(folder, flags, msg.ReceivedDate, raw)
}

func byFolder(locs []models.MessageLocation) map[string][]uint32 {
	out := make(map[string][]uint32)
	for _, loc := range locs {
		out[loc.FolderName] = append(out[loc.FolderName], loc.MsgUID)
	}
	return out
}

// GmailProvider maps actions onto Gmail labels. Label and move operations apply
// to the whole conversation, like the Gmail web client does.
type GmailProvider struct {
	GenericProvider
}

func (GmailProvider) SupportsLabels() bool { return true }

func gmailSession(sess imap.Session) (imap.GmailSession, error) {
	gs, ok := sess.(imap.GmailSession)
	if !ok {
		return nil, imap.ErrNotGmail
	}
	return gs, nil
}

// Move files the thread under destination and takes it out of the folders it was
// in. Moving to All Mail archives. Expunging from All Mail would delete the
// messages, so All Mail is only ever copied from.
func (p GmailProvider) Move(sess imap.Session, msg *models.Message, locs []models.MessageLocation, destination string) error {
	if msg.GThrID == 0 {
		return p.GenericProvider.Move(sess, msg, locs, destination)
	}
	gs, err := gmailSession(sess)
	if err != nil {
		return err
	}
	names, err := gs.FolderNames()
	if err != nil {
		return err
	}
	dest := resolveFolder(names, destination)
	allMail := names.Get(models.CanonicalAll)
	if destination == models.CanonicalArchive {
		dest = allMail
	}

	copied := dest == allMail
	for _, loc := range locs {
		if loc.CanonicalName == models.CanonicalAll || loc.FolderName == dest {
			continue
		}
		if _, err := gs.SelectFolderForWrite(loc.FolderName); err != nil {
			return err
		}
		if !copied {
			if err := gs.CopyThread(msg.GThrID, dest); err != nil {
				return err
			}
			copied = true
		}
		if err := gs.ArchiveThread(msg.GThrID); err != nil {
			return err
		}
	}
	if copied || allMail == "" {
		return nil
	}

	if _, err := gs.SelectFolder(allMail); err != nil {
		return err
	}
	return gs.CopyThread(msg.GThrID, dest)
}

func (GmailProvider) ChangeLabels(sess imap.Session, msg *models.Message, _ []models.MessageLocation, added, removed []string) error {
	if msg.GThrID == 0 {
		return fmt.Errorf("%w: message %d has no Gmail thread id", ErrInvalidArgs, msg.ID)
	}
	gs, err := gmailSession(sess)
	if err != nil {
		return err
	}
	names, err := gs.FolderNames()
	if err != nil {
		return err
	}
	allMail := names.Get(models.CanonicalAll)
	if allMail == "" {
		return fmt.Errorf("account has no All Mail folder")
	}
	if _, err := gs.SelectFolderForWrite(allMail); err != nil {
		return err
	}

	for _, label := range added {
		if err := gs.AddLabel(msg.GThrID, gmailLabel(label)); err != nil {
			return err
		}
	}
	for _, label := range removed {
		if err := gs.RemoveLabel(msg.GThrID, gmailLabel(label)); err != nil {
			return err
		}
	}
	return nil
}

// gmailLabel turns canonical names into Gmail's system labels.
func gmailLabel(label string) string {
	switch label {
	case models.CanonicalInbox:
		return `\Inbox`
	case models.CanonicalImportant:
		return `\Important`
	case models.CanonicalStarred:
		return `\Starred`
	case models.CanonicalSent:
		return `\Sent`
	case models.CanonicalDrafts:
		return `\Draft`
	}
	return label
}

// SaveSent is a no-op: Gmail files everything sent through its SMTP server under Sent Mail.
func (GmailProvider) SaveSent(imap.Session, *models.Message, []byte) error {
	return nil
}

// DeleteSent moves the message to Trash and expunges it there. Expunging from
// Sent Mail alone would only drop the label.
func (GmailProvider) DeleteSent(sess imap.Session, messageIDHeader string) error {
	names, err := sess.FolderNames()
	if err != nil {
		return err
	}
	trash := resolveFolder(names, models.CanonicalTrash)

	if _, err := sess.SelectFolderForWrite(resolveFolder(names, models.CanonicalSent)); err != nil {
		return err
	}
	uids, err := sess.SearchHeader("Message-ID", messageIDHeader)
	if err != nil {
		return err
	}
	if err := sess.CopyUIDs(uids, trash); err != nil {
		return err
	}
	if err := sess.DeleteUIDs(uids); err != nil {
		return err
	}

	if _, err := sess.SelectFolderForWrite(trash); err != nil {
		return err
	}
	uids, err = sess.SearchHeader("Message-ID", messageIDHeader)
	if err != nil {
		return err
	}
	return sess.DeleteUIDs(uids)
}
