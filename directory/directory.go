// Package directory defines the key directory and message store boundary.
// Public key material crosses this boundary base-58 encoded; everything else
// is opaque bytes. Implementations are expected to be remote, so every call
// takes a context.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports a row which does not exist. Callers treat this as
	// an expected condition, not a failure.
	ErrNotFound = errors.New("directory: not found")
	// ErrConflict reports an insert or update which violated a constraint.
	ErrConflict = errors.New("directory: conflict")
)

// MessageRow is a stored chat message. Content carries the serialized
// engine message; Ready is false until every attachment for the message has
// been uploaded, and unready rows are never returned by Messages.
type MessageRow struct {
	ID          int64  `db:"id"`
	ChatID      string `db:"chat_id"`
	SenderID    string `db:"sender_id"`
	Content     []byte `db:"content"`
	Ready       bool   `db:"ready"`
	CreatedAtMs uint64 `db:"created_at_ms"`
}

// ClaimedOneTimeKey is the result of the atomic claim operation: the key's
// owner-local sequence id and its base-58 public key.
type ClaimedOneTimeKey struct {
	LocalID uint32 `db:"local_id"`
	Key     string `db:"key"`
}

// FileInfo describes an uploaded attachment: the original file name, its
// plaintext size and the streaming nonce prefix used to encrypt it.
type FileInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Nonce    []byte `json:"nonce"`
}

type Directory interface {
	// Whoami returns the user id of the authenticated session.
	Whoami(ctx context.Context) (string, error)

	HasIdentityKey(ctx context.Context, userID string) (bool, error)
	PutIdentityKey(ctx context.Context, userID, key string) error
	// IdentityKey returns "" when the user has not published one.
	IdentityKey(ctx context.Context, userID string) (string, error)

	HasPrekey(ctx context.Context, userID string) (bool, error)
	PutPrekey(ctx context.Context, userID, key, signature string) error
	// Prekey returns "" when the user has not published one.
	Prekey(ctx context.Context, userID string) (string, error)

	// CountUnusedOneTimeKeys counts the user's published keys not yet
	// claimed by anyone.
	CountUnusedOneTimeKeys(ctx context.Context, userID string) (int, error)
	// LastOneTimeKeyID returns the highest local id ever published for the
	// user, or 0 when none exist.
	LastOneTimeKeyID(ctx context.Context, userID string) (uint32, error)
	PutOneTimeKey(ctx context.Context, userID string, localID uint32, key string) error
	// ClaimOneTimeKey atomically marks one unclaimed key used and returns
	// it. The same key is never handed to a second caller. Returns nil when
	// the user has no unclaimed keys left.
	ClaimOneTimeKey(ctx context.Context, userID string) (*ClaimedOneTimeKey, error)

	CreateChat(ctx context.Context, chatID string) error
	DeleteChat(ctx context.Context, chatID string) error
	AddChatParty(ctx context.Context, chatID, userID string) error
	// Counterparty resolves the other member of a two-party chat. Returns
	// "" when no other member exists.
	Counterparty(ctx context.Context, chatID, userID string) (string, error)

	MessageCount(ctx context.Context, chatID string) (int, error)
	MessageCountBySender(ctx context.Context, chatID, senderID string) (int, error)
	// FirstMessage returns the earliest message of the chat ordered by
	// creation time, ties broken by insertion id. ErrNotFound when empty.
	FirstMessage(ctx context.Context, chatID string) (*MessageRow, error)
	// Messages returns ready rows ordered newest first.
	Messages(ctx context.Context, chatID string, skip, limit int) ([]*MessageRow, error)
	InsertMessage(ctx context.Context, chatID, senderID string, content []byte) (int64, error)
	MarkMessageReady(ctx context.Context, messageID int64) error
	DeleteMessage(ctx context.Context, messageID int64) error

	// InsertAttachment records attachment metadata for a message row and
	// returns the attachment id used for blob storage.
	InsertAttachment(ctx context.Context, messageID int64, info *FileInfo) (string, error)
	AttachmentInfo(ctx context.Context, attachmentID string) (*FileInfo, error)
	UploadAttachment(ctx context.Context, attachmentID string, data []byte) error
	DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error)
}
