package crypto

import (
	"bytes"
	crypto_rand "crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	key := make([]byte, 32)
	_, err := io.ReadFull(crypto_rand.Reader, key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptWithAD(t *testing.T) {
	key := randomKey(t)
	enc, err := EncryptWithKey(key, []byte("hello world"), []byte("AD"))
	require.NoError(t, err)
	dec, err := DecryptWithKey(key, enc, []byte("AD"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), dec)
}

func TestDecryptFailsWithTamperedAD(t *testing.T) {
	key := randomKey(t)
	enc, err := EncryptWithKey(key, []byte("hello world"), []byte("AD"))
	require.NoError(t, err)
	_, err = DecryptWithKey(key, enc, []byte("ADE"))
	require.Error(t, err)
}

func TestFileStreamRoundTrip(t *testing.T) {
	key := randomKey(t)
	nonce, err := NewFileNonce(2)
	require.NoError(t, err)

	content := bytes.Repeat([]byte{79}, 5124)
	var encrypted bytes.Buffer
	require.NoError(t, EncryptStream(key, nonce, bytes.NewReader(content), &encrypted))
	require.NotEqual(t, content, encrypted.Bytes())

	var decrypted bytes.Buffer
	require.NoError(t, DecryptStream(key, nonce, bytes.NewReader(encrypted.Bytes()), &decrypted))
	require.Equal(t, content, decrypted.Bytes())
}

func TestFileStreamExactChunkMultiple(t *testing.T) {
	key := randomKey(t)
	nonce, err := NewFileNonce(7)
	require.NoError(t, err)

	content := bytes.Repeat([]byte{3}, 1000)
	var encrypted bytes.Buffer
	require.NoError(t, EncryptStream(key, nonce, bytes.NewReader(content), &encrypted))

	var decrypted bytes.Buffer
	require.NoError(t, DecryptStream(key, nonce, bytes.NewReader(encrypted.Bytes()), &decrypted))
	require.Equal(t, content, decrypted.Bytes())
}

func TestFileStreamWrongKey(t *testing.T) {
	key := randomKey(t)
	nonce, err := NewFileNonce(1)
	require.NoError(t, err)

	var encrypted bytes.Buffer
	require.NoError(t, EncryptStream(key, nonce, bytes.NewReader([]byte("attachment body")), &encrypted))

	var decrypted bytes.Buffer
	err = DecryptStream(randomKey(t), nonce, bytes.NewReader(encrypted.Bytes()), &decrypted)
	require.ErrorIs(t, err, ErrFileDecrypt)
}
