package mailsync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/blobstore"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestDecode(t *testing.T) {
	ctx := context.Background()
	blobs, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	d := NewDecoder(blobs)

	body := testutil.RawTestMessage(testutil.TestMessage{
		MessageID:  "<reply@example.com>",
		InReplyTo:  "<parent@example.com>",
		References: "<root@example.com> <parent@example.com>",
		Subject:    "Re: Plans",
		From:       "Ann Example <ann@example.com>",
		To:         "bob@example.com, carol@example.com",
		Body:       "See   you\r\nat   noon.",
	})
	received := time.Date(2025, 3, 4, 5, 6, 7, 0, time.FixedZone("CET", 3600))

	r, err := d.Decode(ctx, &imap.RawMessage{
		UID:          42,
		Flags:        []string{goimap.SeenFlag, goimap.DraftFlag},
		InternalDate: received,
		Body:         body,
		GMsgID:       7,
		GThrID:       8,
		Labels:       []string{`\Inbox`, "Work"},
	}, "all", true)
	require.NoError(t, err)
	require.NoError(t, r.Err)

	msg := r.Message.Message
	assert.Equal(t, blobstore.Hash(body), msg.DataSHA256)
	assert.Equal(t, int64(len(body)), msg.Size)
	assert.Equal(t, uint64(7), msg.GMsgID)
	assert.Equal(t, uint64(8), msg.GThrID)
	assert.Equal(t, received.UTC(), msg.ReceivedDate)
	assert.Equal(t, "<reply@example.com>", msg.MessageIDHeader)
	assert.Equal(t, "<parent@example.com>", msg.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<parent@example.com>"}, msg.References)
	assert.Equal(t, "Re: Plans", msg.Subject)
	assert.Equal(t, "Ann Example <ann@example.com>", msg.FromAddress)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.ToAddresses)
	assert.Empty(t, msg.CCAddresses)
	assert.Equal(t, "See you at noon.", msg.Snippet)
	assert.Equal(t, "mid:<root@example.com>", msg.ThreadKey)
	assert.True(t, msg.IsDraft)
	assert.False(t, msg.DecodeError)

	uid := r.Message.UID
	assert.Equal(t, uint32(42), uid.MsgUID)
	assert.True(t, uid.IsSeen)
	assert.Equal(t, []string{"all", "inbox", "work"}, uid.Labels)

	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "text/plain", msg.Parts[0].ContentType)
	part, err := blobs.Get(ctx, msg.Parts[0].DataSHA256)
	require.NoError(t, err)
	assert.Contains(t, string(part), "noon.")

	raw, err := blobs.Get(ctx, msg.DataSHA256)
	require.NoError(t, err)
	assert.Equal(t, body, raw)
}

func TestDecodeAllKeepsFetchErrors(t *testing.T) {
	d := newTestDecoder(t)
	fetchErr := errors.New("server returned garbage")

	results, err := d.DecodeAll(context.Background(), []imap.FetchResult{
		{UID: 1, Err: fetchErr},
		{UID: 2, Message: &imap.RawMessage{UID: 2, Body: (&fakeMessage{uid: 2}).body()}},
	}, "inbox", false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.ErrorIs(t, results[0].Err, fetchErr)
	assert.Nil(t, results[0].Message)
	assert.NoError(t, results[1].Err)
	assert.Nil(t, results[1].Message.UID.Labels)
}

func TestCollect(t *testing.T) {
	fs := &FolderSync{logger: zerolog.Nop()}
	dm := func(uid uint32, key string) *models.DownloadedMessage {
		return &models.DownloadedMessage{Message: &models.Message{ThreadKey: key}, UID: models.ImapUID{MsgUID: uid}}
	}

	results := []Result{
		{UID: 1, Message: dm(1, "mid:<a@example.com>")},
		{UID: 2, Message: dm(2, "mid:<b@example.com>")},
		{UID: 3, Message: dm(3, ""), Err: &DecodeError{UID: 3, Hash: "abc", Err: errors.New("bad mime")}},
		{UID: 4, Err: errors.New("fetch failed")},
	}
	msgs := fs.collect(results, map[uint32]uint32{1: 1, 2: 1, 4: 1})

	require.Len(t, msgs, 3, "fetch errors are skipped, decode errors are stored raw")
	assert.Equal(t, "mid:<a@example.com>", msgs[0].Message.ThreadKey)
	assert.Equal(t, "mid:<a@example.com>", msgs[1].Message.ThreadKey, "server thread root wins over headers")
	assert.Equal(t, uint32(1), msgs[1].ThreadRootUID)
	assert.Equal(t, uint32(3), msgs[2].UID.MsgUID)
}

func TestDecodeErrorUnwraps(t *testing.T) {
	cause := errors.New("bad boundary")
	var err error = &DecodeError{UID: 9, Hash: "ff", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "uid 9")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "ff", de.Hash)
}

func TestSnippet(t *testing.T) {
	long := strings.Repeat("é", snippetLength+10)

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "empty", text: "", want: ""},
		{name: "collapses whitespace", text: "  one\n\ttwo   three ", want: "one two three"},
		{name: "truncates by rune", text: long, want: strings.Repeat("é", snippetLength)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, snippet(tt.text))
		})
	}
}

func TestHeaderThreadKey(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		want string
	}{
		{
			name: "first reference",
			msg:  models.Message{MessageIDHeader: "<c@x>", InReplyTo: "<b@x>", References: []string{"<a@x>", "<b@x>"}},
			want: "mid:<a@x>",
		},
		{name: "in-reply-to", msg: models.Message{MessageIDHeader: "<c@x>", InReplyTo: "<b@x>"}, want: "mid:<b@x>"},
		{name: "own id", msg: models.Message{MessageIDHeader: "<c@x>"}, want: "mid:<c@x>"},
		{name: "none", msg: models.Message{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, headerThreadKey(&tt.msg))
		})
	}
}
