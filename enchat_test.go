package enchat

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/directory/memory"
	"github.com/encchat/enchat/engine"
	"github.com/stretchr/testify/require"
)

var testKey = []byte{
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
	16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31,
}

func newTestClient(t *testing.T, dir directory.Directory) *Client {
	c := config.NewConfig(config.WithRootDir(t.TempDir()), config.WithLoggingPrefix("test"))
	client, err := NewClient(c, dir)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(testKey))
	t.Cleanup(func() {
		require.NoError(t, client.Shutdown())
	})
	return client
}

// Both parties run against one shared directory, each authenticated as
// themselves, with a real engine and encrypted store behind each client.
func newPair(t *testing.T) (alice, bob *Client, shared *memory.Directory) {
	ctx := context.Background()
	shared = memory.NewDirectory("alice")
	alice = newTestClient(t, shared)
	bob = newTestClient(t, shared.AsUser("bob"))

	require.NoError(t, alice.Setup(ctx))
	require.NoError(t, bob.Setup(ctx))
	return alice, bob, shared
}

func collect(t *testing.T, c *Client, chatID string, skip, limit int) []string {
	t.Helper()
	it, err := c.Messages(context.Background(), chatID, skip, limit)
	require.NoError(t, err)
	var texts []string
	for it.Next() {
		texts = append(texts, it.Message().Text)
	}
	require.NoError(t, it.Err())
	return texts
}

func TestSetupPublishesBundle(t *testing.T) {
	ctx := context.Background()
	_, _, shared := newPair(t)

	for _, user := range []string{"alice", "bob"} {
		has, err := shared.HasIdentityKey(ctx, user)
		require.NoError(t, err)
		require.True(t, has)
		has, err = shared.HasPrekey(ctx, user)
		require.NoError(t, err)
		require.True(t, has)
		count, err := shared.CountUnusedOneTimeKeys(ctx, user)
		require.NoError(t, err)
		require.Equal(t, 10, count)
	}
}

func TestSetupIdempotent(t *testing.T) {
	ctx := context.Background()
	alice, _, shared := newPair(t)

	require.NoError(t, alice.Setup(ctx))
	last, err := shared.LastOneTimeKeyID(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint32(10), last)
}

func TestConversationRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob, _ := newPair(t)

	chatID, err := alice.CreateChat(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = alice.SendMessage(ctx, chatID, "hello bob", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"hello bob"}, collect(t, bob, chatID, 0, 10))

	_, err = bob.SendMessage(ctx, chatID, "hello alice", nil)
	require.NoError(t, err)

	// newest first, self-sent messages included
	require.Equal(t, []string{"hello alice", "hello bob"}, collect(t, alice, chatID, 0, 10))
	require.Equal(t, []string{"hello alice", "hello bob"}, collect(t, bob, chatID, 0, 10))
}

func TestFirstSendConsumesOneTimeKey(t *testing.T) {
	ctx := context.Background()
	alice, _, shared := newPair(t)

	chatID, err := alice.CreateChat(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = alice.SendMessage(ctx, chatID, "hello", nil)
	require.NoError(t, err)

	count, err := shared.CountUnusedOneTimeKeys(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 9, count)
}

func TestAttachmentEndToEnd(t *testing.T) {
	ctx := context.Background()
	alice, bob, shared := newPair(t)

	chatID, err := alice.CreateChat(ctx, "alice", "bob")
	require.NoError(t, err)

	tmp := t.TempDir()
	input := filepath.Join(tmp, "notes.txt")
	content := []byte("attachment over the full stack")
	require.NoError(t, os.WriteFile(input, content, 0o600))

	_, err = alice.SendMessage(ctx, chatID, "see attached", []string{input})
	require.NoError(t, err)
	require.Equal(t, 1, shared.BlobCount())

	// bob reads the message first so his session exists
	require.Equal(t, []string{"see attached"}, collect(t, bob, chatID, 0, 10))

	rows, err := shared.Messages(ctx, chatID, 0, 1)
	require.NoError(t, err)
	msg, err := engine.ParseMessage(rows[0].Content)
	require.NoError(t, err)

	attachmentID := shared.FirstAttachmentID()
	require.NotEmpty(t, attachmentID)
	output := filepath.Join(tmp, "notes-out.txt")
	require.NoError(t, bob.DownloadAttachment(ctx, attachmentID, chatID, msg.Header.ID, output))

	decrypted, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, content, decrypted)
}
