package mailsync

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/jhillyerd/enmime"

	"github.com/vdavid/mailsync/internal/blobstore"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

const snippetLength = 191

// DecodeError marks a message whose MIME structure could not be parsed. The raw
// bytes are still in the blob store under Hash.
type DecodeError struct {
	UID  uint32
	Hash string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode uid %d (raw %s): %v", e.UID, e.Hash, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Result is the outcome for one fetched uid. Message is nil when the uid must be
// skipped. A DecodeError comes with a Message flagged decode_error, stored raw.
type Result struct {
	UID     uint32
	Message *models.DownloadedMessage
	Err     error
}

// Decoder turns fetched messages into models and writes their bytes to the blob store.
type Decoder struct {
	blobs blobstore.Store
}

func NewDecoder(blobs blobstore.Store) *Decoder {
	return &Decoder{blobs: blobs}
}

// DecodeAll decodes every fetch result. Per-uid failures end up in the results;
// the returned error is a blob store failure that should abort the batch.
func (d *Decoder) DecodeAll(ctx context.Context, fetched []imap.FetchResult, folderLabel string, gmailLabels bool) ([]Result, error) {
	out := make([]Result, 0, len(fetched))
	for _, f := range fetched {
		if f.Err != nil {
			out = append(out, Result{UID: f.UID, Err: f.Err})
			continue
		}
		r, err := d.Decode(ctx, f.Message, folderLabel, gmailLabels)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Decode stores the raw bytes and MIME parts of one message and builds its model.
func (d *Decoder) Decode(ctx context.Context, raw *imap.RawMessage, folderLabel string, gmailLabels bool) (Result, error) {
	hash, err := blobstore.PutData(ctx, d.blobs, raw.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to store raw message uid %d: %w", raw.UID, err)
	}

	msg := &models.Message{
		DataSHA256:   hash,
		Size:         int64(len(raw.Body)),
		GMsgID:       raw.GMsgID,
		GThrID:       raw.GThrID,
		ReceivedDate: raw.InternalDate.UTC(),
	}
	uid := uidFromFlags(raw.UID, raw.Flags)
	if gmailLabels {
		uid.Labels = normalizeLabels(raw.Labels, folderLabel)
	}
	msg.IsDraft = uid.IsDraft
	dm := &models.DownloadedMessage{Message: msg, UID: uid}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw.Body))
	if err != nil {
		msg.DecodeError = true
		return Result{UID: raw.UID, Message: dm, Err: &DecodeError{UID: raw.UID, Hash: hash, Err: err}}, nil
	}

	msg.MessageIDHeader = strings.TrimSpace(env.GetHeader("Message-Id"))
	msg.InReplyTo = strings.TrimSpace(env.GetHeader("In-Reply-To"))
	msg.References = strings.Fields(env.GetHeader("References"))
	msg.Subject = env.GetHeader("Subject")
	msg.FromAddress = firstAddress(env, "From")
	msg.ToAddresses = addresses(env, "To")
	msg.CCAddresses = addresses(env, "Cc")
	msg.Snippet = snippet(env.Text)
	msg.ThreadKey = headerThreadKey(msg)

	parts, err := d.storeParts(ctx, env.Root)
	if err != nil {
		return Result{}, fmt.Errorf("failed to store parts of uid %d: %w", raw.UID, err)
	}
	msg.Parts = parts

	return Result{UID: raw.UID, Message: dm}, nil
}

// storeParts writes every leaf MIME part to the blob store, in document order.
func (d *Decoder) storeParts(ctx context.Context, root *enmime.Part) ([]models.MessagePart, error) {
	var parts []models.MessagePart
	var walk func(p *enmime.Part) error
	walk = func(p *enmime.Part) error {
		for ; p != nil; p = p.NextSibling {
			if p.FirstChild != nil {
				if err := walk(p.FirstChild); err != nil {
					return err
				}
				continue
			}
			hash, err := blobstore.PutData(ctx, d.blobs, p.Content)
			if err != nil {
				return err
			}
			parts = append(parts, models.MessagePart{
				PartIndex:   len(parts),
				ContentType: p.ContentType,
				Filename:    p.FileName,
				ContentID:   p.ContentID,
				Size:        int64(len(p.Content)),
				DataSHA256:  hash,
			})
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return parts, nil
}

func firstAddress(env *enmime.Envelope, header string) string {
	list := addresses(env, header)
	if len(list) == 0 {
		return strings.TrimSpace(env.GetHeader(header))
	}
	return list[0]
}

func addresses(env *enmime.Envelope, header string) []string {
	list, err := env.AddressList(header)
	if err != nil {
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a))
	}
	return out
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// snippet is the start of the text body with whitespace collapsed.
func snippet(text string) string {
	s := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(s) <= snippetLength {
		return s
	}
	return string([]rune(s)[:snippetLength])
}

// headerThreadKey groups generic-provider messages by the first message of their
// reference chain. Messages without any id fall back to their content hash in the store.
func headerThreadKey(m *models.Message) string {
	switch {
	case len(m.References) > 0:
		return "mid:" + m.References[0]
	case m.InReplyTo != "":
		return "mid:" + m.InReplyTo
	case m.MessageIDHeader != "":
		return "mid:" + m.MessageIDHeader
	}
	return ""
}
