package local

import (
	"context"
	"os"
	"testing"

	"github.com/encchat/enchat/clock"
	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestDirectory(t *testing.T, userID string) *Directory {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	d, err := NewDirectory(c, test.NewTestDatabase(c), clock.NewSystemClock(), userID)
	require.NoError(t, err)
	return d
}

func TestWhoami(t *testing.T) {
	d := newTestDirectory(t, "alice")
	userID, err := d.Whoami(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alice", userID)
}

func TestIdentityKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")

	has, err := d.HasIdentityKey(ctx, "bob")
	require.NoError(t, err)
	require.False(t, has)
	key, err := d.IdentityKey(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, key)

	require.NoError(t, d.PutIdentityKey(ctx, "bob", "bob-key"))
	has, err = d.HasIdentityKey(ctx, "bob")
	require.NoError(t, err)
	require.True(t, has)
	key, err = d.IdentityKey(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob-key", key)
}

func TestPrekeyLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")

	require.NoError(t, d.PutPrekey(ctx, "bob", "bob-prekey", "bob-signature"))
	has, err := d.HasPrekey(ctx, "bob")
	require.NoError(t, err)
	require.True(t, has)
	key, err := d.Prekey(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "bob-prekey", key)
}

func TestOneTimeKeyClaimAtMostOnce(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")

	require.NoError(t, d.PutOneTimeKey(ctx, "bob", 1, "k1"))
	require.NoError(t, d.PutOneTimeKey(ctx, "bob", 2, "k2"))

	count, err := d.CountUnusedOneTimeKeys(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	last, err := d.LastOneTimeKeyID(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint32(2), last)

	first, err := d.ClaimOneTimeKey(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint32(1), first.LocalID)
	require.Equal(t, "k1", first.Key)

	second, err := d.ClaimOneTimeKey(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint32(2), second.LocalID)

	// exhausted pools yield nil, not an error
	third, err := d.ClaimOneTimeKey(ctx, "bob")
	require.NoError(t, err)
	require.Nil(t, third)

	// claims consume but never delete
	last, err = d.LastOneTimeKeyID(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint32(2), last)
}

func TestDuplicateOneTimeKeyIDRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")
	require.NoError(t, d.PutOneTimeKey(ctx, "bob", 1, "k1"))
	require.Error(t, d.PutOneTimeKey(ctx, "bob", 1, "k1-again"))
}

func TestChatParties(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")

	require.NoError(t, d.CreateChat(ctx, "chat-1"))
	require.ErrorIs(t, d.CreateChat(ctx, "chat-1"), directory.ErrConflict)

	require.NoError(t, d.AddChatParty(ctx, "chat-1", "alice"))
	require.NoError(t, d.AddChatParty(ctx, "chat-1", "bob"))
	require.ErrorIs(t, d.AddChatParty(ctx, "chat-1", "bob"), directory.ErrConflict)

	counterparty, err := d.Counterparty(ctx, "chat-1", "alice")
	require.NoError(t, err)
	require.Equal(t, "bob", counterparty)
	counterparty, err = d.Counterparty(ctx, "chat-1", "bob")
	require.NoError(t, err)
	require.Equal(t, "alice", counterparty)
}

func TestMessageCountsAndReadyFilter(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")
	require.NoError(t, d.CreateChat(ctx, "chat-1"))

	id1, err := d.InsertMessage(ctx, "chat-1", "alice", []byte("one"))
	require.NoError(t, err)
	_, err = d.InsertMessage(ctx, "chat-1", "bob", []byte("two"))
	require.NoError(t, err)

	count, err := d.MessageCount(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	count, err = d.MessageCountBySender(ctx, "chat-1", "alice")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// unready rows are invisible to enumeration
	rows, err := d.Messages(ctx, "chat-1", 0, 10)
	require.NoError(t, err)
	require.Empty(t, rows)

	require.NoError(t, d.MarkMessageReady(ctx, id1))
	rows, err = d.Messages(ctx, "chat-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id1, rows[0].ID)
	require.True(t, rows[0].Ready)
}

func TestMessagesNewestFirstWithSkip(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")
	require.NoError(t, d.CreateChat(ctx, "chat-1"))

	var ids []int64
	for _, text := range []string{"a", "b", "c", "d"} {
		id, err := d.InsertMessage(ctx, "chat-1", "alice", []byte(text))
		require.NoError(t, err)
		require.NoError(t, d.MarkMessageReady(ctx, id))
		ids = append(ids, id)
	}

	rows, err := d.Messages(ctx, "chat-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, ids[2], rows[0].ID)
	require.Equal(t, ids[1], rows[1].ID)
}

func TestFirstMessageTieBreak(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")
	require.NoError(t, d.CreateChat(ctx, "chat-1"))

	_, err := d.FirstMessage(ctx, "chat-1")
	require.ErrorIs(t, err, directory.ErrNotFound)

	id1, err := d.InsertMessage(ctx, "chat-1", "alice", []byte("first"))
	require.NoError(t, err)
	_, err = d.InsertMessage(ctx, "chat-1", "alice", []byte("second"))
	require.NoError(t, err)

	// identical timestamps fall back to insertion order
	first, err := d.FirstMessage(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, id1, first.ID)
	require.Equal(t, []byte("first"), first.Content)
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")
	require.NoError(t, d.CreateChat(ctx, "chat-1"))

	id, err := d.InsertMessage(ctx, "chat-1", "alice", []byte("gone"))
	require.NoError(t, err)
	require.NoError(t, d.DeleteMessage(ctx, id))

	count, err := d.MessageCount(ctx, "chat-1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAttachmentBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDirectory(t, "alice")
	require.NoError(t, d.CreateChat(ctx, "chat-1"))
	msgID, err := d.InsertMessage(ctx, "chat-1", "alice", []byte("with file"))
	require.NoError(t, err)

	info := &directory.FileInfo{Filename: "notes.txt", Size: 42, Nonce: []byte("nonce-bytes")}
	attachmentID, err := d.InsertAttachment(ctx, msgID, info)
	require.NoError(t, err)

	stored, err := d.AttachmentInfo(ctx, attachmentID)
	require.NoError(t, err)
	require.Equal(t, info, stored)

	require.NoError(t, d.UploadAttachment(ctx, attachmentID, []byte("ciphertext")))
	data, err := d.DownloadAttachment(ctx, attachmentID)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext"), data)

	_, err = d.DownloadAttachment(ctx, "missing")
	require.ErrorIs(t, err, directory.ErrNotFound)
}
