package ratchet

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/engine"
	"github.com/encchat/enchat/internal/test"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestEngine(t *testing.T) *Engine {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	e, err := NewEngine(c, test.NewTestDatabase(c))
	require.NoError(t, err)
	return e
}

// pairedEngines runs both sides of the handshake for one chat: alice
// establishes against bob's published material, bob establishes from
// alice's first message.
func pairedEngines(t *testing.T, chatID string) (alice, bob *Engine) {
	ctx := context.Background()
	alice = newTestEngine(t)
	bob = newTestEngine(t)

	aliceIdentity, err := alice.GenerateIdentityKey(ctx)
	require.NoError(t, err)
	bobIdentity, err := bob.GenerateIdentityKey(ctx)
	require.NoError(t, err)
	bobPrekey, _, err := bob.GeneratePrekey(ctx)
	require.NoError(t, err)
	bobOneTime, err := bob.GenerateOneTimeKeys(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, bobOneTime, 1)

	oneTimeID := bobOneTime[0].LocalID
	require.NoError(t, alice.EstablishSendSession(ctx, chatID, &engine.SendBundle{
		ReceiverIdentity: bobIdentity,
		ReceiverPrekey:   bobPrekey,
		ReceiverOneTime:  bobOneTime[0].Key,
		OneTimeID:        &oneTimeID,
		PrekeyID:         signedPrekeyID,
	}))

	first, err := alice.Encrypt(ctx, chatID, []byte("first"))
	require.NoError(t, err)
	require.NotNil(t, first.Header.Initial)
	require.NoError(t, bob.EstablishReceiveSession(ctx, chatID, aliceIdentity, first))

	plaintext, err := bob.Receive(ctx, chatID, first)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), plaintext)
	return alice, bob
}

func TestPrekeySignatureVerifies(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	_, err := e.GenerateIdentityKey(ctx)
	require.NoError(t, err)

	prekey, signature, err := e.GeneratePrekey(ctx)
	require.NoError(t, err)

	signing, err := func() (*keyRow, error) {
		var k *keyRow
		err := e.db.RunReadOnly("get signing key", func() error {
			var err error
			k, err = e.db.key(keyKindSigning, 0)
			return err
		})
		return k, err
	}()
	require.NoError(t, err)
	require.True(t, ed25519.Verify(ed25519.PublicKey(signing.Pub), []byte(base58.Encode(prekey)), signature))
}

func TestGeneratePrekeyRequiresIdentity(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.GeneratePrekey(context.Background())
	require.ErrorIs(t, err, ErrNoIdentityKey)
}

func TestOneTimeKeyIDsFollowStartID(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	minted, err := e.GenerateOneTimeKeys(ctx, 3, 7)
	require.NoError(t, err)
	require.Len(t, minted, 3)
	for i, k := range minted {
		require.Equal(t, uint32(8+i), k.LocalID)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedEngines(t, "chat-roundtrip")

	msg, err := alice.Encrypt(ctx, "chat-roundtrip", []byte("hello bob"))
	require.NoError(t, err)
	plaintext, err := bob.Receive(ctx, "chat-roundtrip", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plaintext)

	reply, err := bob.Encrypt(ctx, "chat-roundtrip", []byte("hello alice"))
	require.NoError(t, err)
	plaintext, err = alice.Receive(ctx, "chat-roundtrip", reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hello alice"), plaintext)
}

func TestInitialDataClearsAfterReply(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedEngines(t, "chat-initial")

	// the counterparty has not replied yet, keep attaching handshake data
	msg, err := alice.Encrypt(ctx, "chat-initial", []byte("still waiting"))
	require.NoError(t, err)
	require.NotNil(t, msg.Header.Initial)
	_, err = bob.Receive(ctx, "chat-initial", msg)
	require.NoError(t, err)

	reply, err := bob.Encrypt(ctx, "chat-initial", []byte("here now"))
	require.NoError(t, err)
	require.Nil(t, reply.Header.Initial)
	_, err = alice.Receive(ctx, "chat-initial", reply)
	require.NoError(t, err)

	msg, err = alice.Encrypt(ctx, "chat-initial", []byte("good"))
	require.NoError(t, err)
	require.Nil(t, msg.Header.Initial)
}

func TestTryDecryptOwnMessage(t *testing.T) {
	ctx := context.Background()
	alice, _ := pairedEngines(t, "chat-own")

	msg, err := alice.Encrypt(ctx, "chat-own", []byte("sent by me"))
	require.NoError(t, err)

	plaintext, err := alice.TryDecrypt(ctx, "chat-own", msg, false)
	require.NoError(t, err)
	require.Equal(t, []byte("sent by me"), plaintext)

	// not received by us, so the received lookup yields nothing
	plaintext, err = alice.TryDecrypt(ctx, "chat-own", msg, true)
	require.NoError(t, err)
	require.Nil(t, plaintext)
}

func TestTryDecryptCachesReceived(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedEngines(t, "chat-cache")

	msg, err := alice.Encrypt(ctx, "chat-cache", []byte("read me twice"))
	require.NoError(t, err)

	first, err := bob.TryDecrypt(ctx, "chat-cache", msg, true)
	require.NoError(t, err)
	require.Equal(t, []byte("read me twice"), first)

	// second pass is served from the cache; the ratchet has moved on
	second, err := bob.TryDecrypt(ctx, "chat-cache", msg, true)
	require.NoError(t, err)
	require.Equal(t, []byte("read me twice"), second)
}

func TestTryDecryptWithoutSession(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	plaintext, err := e.TryDecrypt(ctx, "chat-none", &engine.Message{
		Header:     engine.MessageHeader{ID: 0, RatchetKey: make([]byte, 32)},
		Ciphertext: []byte("garbage"),
	}, true)
	require.NoError(t, err)
	require.Nil(t, plaintext)
}

func TestEncryptWithoutSession(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Encrypt(context.Background(), "chat-none", []byte("hello"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSerializedMessageSurvivesTransport(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedEngines(t, "chat-wire")

	msg, err := alice.Encrypt(ctx, "chat-wire", []byte("over the wire"))
	require.NoError(t, err)
	content, err := msg.Serialize()
	require.NoError(t, err)

	parsed, err := engine.ParseMessage(content)
	require.NoError(t, err)
	plaintext, err := bob.Receive(ctx, "chat-wire", parsed)
	require.NoError(t, err)
	require.Equal(t, []byte("over the wire"), plaintext)
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedEngines(t, "chat-files")

	dir := t.TempDir()
	input := filepath.Join(dir, "photo.jpg")
	content := make([]byte, 1700)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(input, content, 0o600))

	encrypted, err := alice.EncryptFile(ctx, input, "chat-files", 3)
	require.NoError(t, err)
	defer os.Remove(encrypted.Path)
	require.Equal(t, "photo.jpg", encrypted.Info.Filename)
	require.Equal(t, int64(1700), encrypted.Info.Size)

	output := filepath.Join(dir, "photo-out.jpg")
	require.NoError(t, bob.DecryptFile(ctx, encrypted.Info, encrypted.Path, output, "chat-files", 3))
	decrypted, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, content, decrypted)
}

func TestFileKeyBoundToMessage(t *testing.T) {
	ctx := context.Background()
	alice, bob := pairedEngines(t, "chat-filekeys")

	dir := t.TempDir()
	input := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(input, []byte("attachment body"), 0o600))

	encrypted, err := alice.EncryptFile(ctx, input, "chat-filekeys", 5)
	require.NoError(t, err)
	defer os.Remove(encrypted.Path)

	output := filepath.Join(dir, "doc-out.txt")
	err = bob.DecryptFile(ctx, encrypted.Info, encrypted.Path, output, "chat-filekeys", 6)
	require.Error(t, err)
}
