// Package engine defines the cryptographic engine boundary: key generation,
// X3DH-style session establishment, ratchet encryption and attachment file
// encryption. The orchestration layer never touches key derivation directly;
// it hands public key material and opaque messages across this interface.
package engine

import (
	"context"
	"encoding/json"

	"github.com/encchat/enchat/directory"
)

// InitialData rides on the first message of a chat and carries everything
// the receiver needs to run its side of the handshake.
type InitialData struct {
	Ephemeral    []byte  `json:"ephemeral"`
	OneTimeKeyID *uint32 `json:"onetime_key_id"`
	PrekeyID     uint32  `json:"prekey_id"`
}

// MessageHeader id is the position in the sender's ratchet chain, so it is
// local to the sending side.
type MessageHeader struct {
	ID                     uint32       `json:"id"`
	RatchetKey             []byte       `json:"rachet_key"`
	PreviousReceiverLength uint32       `json:"previous_receiver_length"`
	Initial                *InitialData `json:"initial,omitempty"`
}

type Message struct {
	Header     MessageHeader `json:"header"`
	Ciphertext []byte        `json:"ciphertext"`
}

// ParseMessage decodes a message from its directory representation.
func ParseMessage(content []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Serialize encodes the message for storage in the directory.
func (m *Message) Serialize() ([]byte, error) {
	return json.Marshal(m)
}

// OneTimeKey is a freshly generated one-time key: its owner-local sequence
// id and raw public bytes.
type OneTimeKey struct {
	LocalID uint32
	Key     []byte
}

// SendBundle is the counterparty public key material needed to establish a
// sending session.
type SendBundle struct {
	ReceiverIdentity []byte
	ReceiverPrekey   []byte
	ReceiverOneTime  []byte
	OneTimeID        *uint32
	PrekeyID         uint32
}

// EncryptedFile points at the encrypted staging copy of an attachment along
// with the info the receiving side needs to decrypt it.
type EncryptedFile struct {
	Path string
	Info *directory.FileInfo
}

type Engine interface {
	// GenerateIdentityKey mints the long-term identity key, storing the
	// private half, and returns the public bytes.
	GenerateIdentityKey(ctx context.Context) ([]byte, error)
	// GeneratePrekey mints a signed prekey and returns the public bytes
	// along with the identity signature over their base-58 form.
	GeneratePrekey(ctx context.Context) (key, signature []byte, err error)
	// GenerateOneTimeKeys mints count keys with local ids starting at
	// startID+1, storing the private halves.
	GenerateOneTimeKeys(ctx context.Context, count int, startID uint32) ([]*OneTimeKey, error)

	// EstablishSendSession runs the initiator side of the handshake for a
	// chat using the counterparty's published bundle.
	EstablishSendSession(ctx context.Context, chatID string, bundle *SendBundle) error
	// EstablishReceiveSession runs the responder side using the sender's
	// identity key and the chat's first message.
	EstablishReceiveSession(ctx context.Context, chatID string, senderIdentity []byte, first *Message) error

	Encrypt(ctx context.Context, chatID string, plaintext []byte) (*Message, error)
	// TryDecrypt attempts decryption against existing session state.
	// Returns (nil, nil) when no plaintext can be produced; the caller
	// decides whether to fall back.
	TryDecrypt(ctx context.Context, chatID string, message *Message, received bool) ([]byte, error)
	// Receive decrypts a received message, advancing the ratchet.
	// Returns (nil, nil) when no plaintext can be produced.
	Receive(ctx context.Context, chatID string, message *Message) ([]byte, error)

	// EncryptFile encrypts a local file for the given chat and message,
	// staging the ciphertext in a temporary file.
	EncryptFile(ctx context.Context, inputPath, chatID string, messageID uint32) (*EncryptedFile, error)
	// DecryptFile reverses EncryptFile using the stored file info.
	DecryptFile(ctx context.Context, info *directory.FileInfo, inputPath, outputPath, chatID string, messageID uint32) error
}
