package actions

import (
	"context"
	"fmt"

	goimap "github.com/emersion/go-imap"

	"github.com/vdavid/mailsync/internal/blobstore"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// Env is what a handler gets for one entry: the account, a checked-out session
// and the provider matching the account.
type Env struct {
	Account  *models.Account
	Session  imap.Session
	Provider Provider
}

// Handler replays one action against the remote mailbox. It must never write to
// the local store.
type Handler func(ctx context.Context, env *Env, entry *models.ActionLogEntry) error

// MessageSource is the read-only view of synced messages that handlers use.
type MessageSource interface {
	GetMessage(ctx context.Context, messageID int64) (*models.Message, error)
	MessageLocations(ctx context.Context, messageID int64) ([]models.MessageLocation, error)
}

// EventBackend syncs calendar events. Without one, event actions fail permanently.
type EventBackend interface {
	ApplyEvent(ctx context.Context, account *models.Account, entry *models.ActionLogEntry) error
}

type Registry struct {
	handlers map[string]Handler
	messages MessageSource
	blobs    blobstore.Store
	events   EventBackend
}

// NewRegistry registers a handler for every action name. events may be nil.
func NewRegistry(messages MessageSource, blobs blobstore.Store, events EventBackend) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		messages: messages,
		blobs:    blobs,
		events:   events,
	}

	r.Register(MarkUnread, r.markUnread)
	r.Register(MarkStarred, r.markStarred)
	r.Register(Move, r.move)
	r.Register(ChangeLabels, r.changeLabels)
	r.Register(SaveDraft, r.saveDraft)
	r.Register(UpdateDraft, r.updateDraft)
	r.Register(DeleteDraft, r.deleteDraft)
	r.Register(SaveSentEmail, r.saveSent)
	r.Register(DeleteSentEmail, r.deleteSent)
	r.Register(CreateFolder, r.createCategory(false))
	r.Register(CreateLabel, r.createCategory(true))
	r.Register(UpdateFolder, r.renameCategory(false))
	r.Register(UpdateLabel, r.renameCategory(true))
	r.Register(DeleteFolder, r.deleteCategory(false))
	r.Register(DeleteLabel, r.deleteCategory(true))
	r.Register(CreateEvent, r.event)
	r.Register(UpdateEvent, r.event)
	r.Register(DeleteEvent, r.event)
	return r
}

// Register adds or replaces the handler of an action.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return h, nil
}

// message loads the record of a message action with its remote locations.
func (r *Registry) message(ctx context.Context, entry *models.ActionLogEntry) (*models.Message, []models.MessageLocation, error) {
	msg, err := r.messages.GetMessage(ctx, entry.RecordID)
	if err != nil {
		return nil, nil, err
	}
	locs, err := r.messages.MessageLocations(ctx, entry.RecordID)
	if err != nil {
		return nil, nil, err
	}
	return msg, locs, nil
}

func (r *Registry) markUnread(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	var args MarkUnreadArgs
	if err := decodeArgs(entry, &args); err != nil {
		return err
	}
	_, locs, err := r.message(ctx, entry)
	if err != nil {
		return err
	}
	return env.Provider.SetFlag(env.Session, locs, goimap.SeenFlag, !args.Unread)
}

func (r *Registry) markStarred(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	var args MarkStarredArgs
	if err := decodeArgs(entry, &args); err != nil {
		return err
	}
	_, locs, err := r.message(ctx, entry)
	if err != nil {
		return err
	}
	return env.Provider.SetFlag(env.Session, locs, goimap.FlaggedFlag, args.Starred)
}

func (r *Registry) move(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	var args MoveArgs
	if err := decodeArgs(entry, &args); err != nil {
		return err
	}
	if args.Destination == "" {
		return fmt.Errorf("%w: move needs a destination", ErrInvalidArgs)
	}
	msg, locs, err := r.message(ctx, entry)
	if err != nil {
		return err
	}
	return env.Provider.Move(env.Session, msg, locs, args.Destination)
}

func (r *Registry) changeLabels(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	if !env.Provider.SupportsLabels() {
		return fmt.Errorf("%w: %s", ErrUnsupported, entry.Action)
	}
	var args ChangeLabelsArgs
	if err := decodeArgs(entry, &args); err != nil {
		return err
	}
	msg, locs, err := r.message(ctx, entry)
	if err != nil {
		return err
	}
	return env.Provider.ChangeLabels(env.Session, msg, locs, args.AddedLabels, args.RemovedLabels)
}

// raw loads the message and its original bytes from the blob store.
func (r *Registry) raw(ctx context.Context, entry *models.ActionLogEntry) (*models.Message, []byte, error) {
	msg, err := r.messages.GetMessage(ctx, entry.RecordID)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.blobs.Get(ctx, msg.DataSHA256)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load message %d: %w", msg.ID, err)
	}
	return msg, data, nil
}

func (r *Registry) saveDraft(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	msg, data, err := r.raw(ctx, entry)
	if err != nil {
		return err
	}
	return env.Provider.SaveDraft(env.Session, msg, data)
}

// updateDraft replaces the previous version of a draft. Drafts are immutable on
// IMAP, so the old one is deleted and the new one appended.
func (r *Registry) updateDraft(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	var args DraftArgs
	if err := decodeArgs(entry, &args); err != nil {
		return err
	}
	msg, data, err := r.raw(ctx, entry)
	if err != nil {
		return err
	}
	if args.OldMessageIDHeader != "" && args.OldMessageIDHeader != msg.MessageIDHeader {
		if err := env.Provider.DeleteDraft(env.Session, DeleteDraftArgs{MessageIDHeader: args.OldMessageIDHeader}); err != nil {
			return err
		}
	}
	return env.Provider.SaveDraft(env.Session, msg, data)
}

func (r *Registry) deleteDraft(_ context.Context, env *Env, entry *models.ActionLogEntry) error {
	var args DeleteDraftArgs
	if err := decodeArgs(entry, &args); err != nil {
		return err
	}
	return env.Provider.DeleteDraft(env.Session, args)
}

func (r *Registry) saveSent(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	msg, data, err := r.raw(ctx, entry)
	if err != nil {
		return err
	}
	return env.Provider.SaveSent(env.Session, msg, data)
}

func (r *Registry) deleteSent(_ context.Context, env *Env, entry *models.ActionLogEntry) error {
	var args DeleteSentEmailArgs
	if err := decodeArgs(entry, &args); err != nil {
		return err
	}
	if args.MessageIDHeader == "" {
		return fmt.Errorf("%w: delete_sent_email needs message_id_header", ErrInvalidArgs)
	}
	return env.Provider.DeleteSent(env.Session, args.MessageIDHeader)
}

func categoryArgs(entry *models.ActionLogEntry, label bool, env *Env) (CategoryArgs, error) {
	var args CategoryArgs
	if label && !env.Provider.SupportsLabels() {
		return args, fmt.Errorf("%w: %s", ErrUnsupported, entry.Action)
	}
	if err := decodeArgs(entry, &args); err != nil {
		return args, err
	}
	if args.Name == "" {
		return args, fmt.Errorf("%w: %s needs a name", ErrInvalidArgs, entry.Action)
	}
	return args, nil
}

func (r *Registry) createCategory(label bool) Handler {
	return func(_ context.Context, env *Env, entry *models.ActionLogEntry) error {
		args, err := categoryArgs(entry, label, env)
		if err != nil {
			return err
		}
		return env.Provider.CreateCategory(env.Session, args.Name)
	}
}

func (r *Registry) renameCategory(label bool) Handler {
	return func(_ context.Context, env *Env, entry *models.ActionLogEntry) error {
		args, err := categoryArgs(entry, label, env)
		if err != nil {
			return err
		}
		if args.OldName == "" {
			return fmt.Errorf("%w: %s needs old_name", ErrInvalidArgs, entry.Action)
		}
		if args.OldName == args.Name {
			return nil
		}
		return env.Provider.RenameCategory(env.Session, args.OldName, args.Name)
	}
}

func (r *Registry) deleteCategory(label bool) Handler {
	return func(_ context.Context, env *Env, entry *models.ActionLogEntry) error {
		args, err := categoryArgs(entry, label, env)
		if err != nil {
			return err
		}
		return env.Provider.DeleteCategory(env.Session, args.Name)
	}
}

func (r *Registry) event(ctx context.Context, env *Env, entry *models.ActionLogEntry) error {
	if r.events == nil {
		return fmt.Errorf("%w: no event backend configured", ErrUnsupported)
	}
	return r.events.ApplyEvent(ctx, env.Account, entry)
}
