// A directory implementation backed by the local SQLCipher store. It exists
// for single-device operation and for exercising the full contract in
// tests; the schema mirrors the remote directory's logical tables.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/encchat/enchat/clock"
	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/internal/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Directory struct {
	log    *zap.SugaredLogger
	clock  clock.Clock
	db     *database
	userID string
}

var _ directory.Directory = (*Directory)(nil)

// NewDirectory wraps the internal database with the directory contract.
// userID is the owner of the authenticated session.
func NewDirectory(c *config.Config, internalDB *db.Database, cl clock.Clock, userID string) (*Directory, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Directory{
		log:    c.Logger("directory"),
		clock:  cl,
		db:     d,
		userID: userID,
	}, nil
}

func (d *Directory) Whoami(_ context.Context) (string, error) {
	return d.userID, nil
}

func (d *Directory) HasIdentityKey(_ context.Context, userID string) (bool, error) {
	var has bool
	err := d.db.RunReadOnly("check identity key", func() error {
		var err error
		has, err = d.db.hasRow("SELECT count(*) FROM _identity_keys WHERE id = $1", userID)
		return err
	})
	return has, err
}

func (d *Directory) PutIdentityKey(_ context.Context, userID, key string) error {
	return d.db.Run("put identity key", func() error {
		if _, err := d.db.Tx.Exec("INSERT INTO _identity_keys (id, key) VALUES ($1, $2)", userID, key); err != nil {
			return fmt.Errorf("directory: error inserting identity key: %w", err)
		}
		return nil
	})
}

func (d *Directory) IdentityKey(_ context.Context, userID string) (string, error) {
	var key string
	err := d.db.RunReadOnly("get identity key", func() error {
		return d.db.getString(&key, "SELECT key FROM _identity_keys WHERE id = $1", userID)
	})
	return key, err
}

func (d *Directory) HasPrekey(_ context.Context, userID string) (bool, error) {
	var has bool
	err := d.db.RunReadOnly("check prekey", func() error {
		var err error
		has, err = d.db.hasRow("SELECT count(*) FROM _prekeys WHERE id = $1", userID)
		return err
	})
	return has, err
}

func (d *Directory) PutPrekey(_ context.Context, userID, key, signature string) error {
	return d.db.Run("put prekey", func() error {
		if _, err := d.db.Tx.Exec("INSERT INTO _prekeys (id, key, signature) VALUES ($1, $2, $3)", userID, key, signature); err != nil {
			return fmt.Errorf("directory: error inserting prekey: %w", err)
		}
		return nil
	})
}

func (d *Directory) Prekey(_ context.Context, userID string) (string, error) {
	var key string
	err := d.db.RunReadOnly("get prekey", func() error {
		return d.db.getString(&key, "SELECT key FROM _prekeys WHERE id = $1", userID)
	})
	return key, err
}

func (d *Directory) CountUnusedOneTimeKeys(_ context.Context, userID string) (int, error) {
	var count int
	err := d.db.RunReadOnly("count unused onetime keys", func() error {
		return d.db.Tx.Get(&count, "SELECT count(*) FROM _onetime_keys WHERE user_id = $1 AND used = 0", userID)
	})
	return count, err
}

func (d *Directory) LastOneTimeKeyID(_ context.Context, userID string) (uint32, error) {
	var last uint32
	err := d.db.RunReadOnly("get last onetime key id", func() error {
		return d.db.Tx.Get(&last, "SELECT coalesce(max(local_id), 0) FROM _onetime_keys WHERE user_id = $1", userID)
	})
	return last, err
}

func (d *Directory) PutOneTimeKey(_ context.Context, userID string, localID uint32, key string) error {
	return d.db.Run("put onetime key", func() error {
		if _, err := d.db.Tx.Exec("INSERT INTO _onetime_keys (user_id, local_id, key, used) VALUES ($1, $2, $3, 0)", userID, localID, key); err != nil {
			return fmt.Errorf("directory: error inserting onetime key: %w", err)
		}
		return nil
	})
}

// ClaimOneTimeKey marks one unclaimed key used inside a single transaction
// so a key can never be handed to two callers.
func (d *Directory) ClaimOneTimeKey(_ context.Context, userID string) (*directory.ClaimedOneTimeKey, error) {
	var claimed *directory.ClaimedOneTimeKey
	err := d.db.Run("claim onetime key", func() error {
		var row directory.ClaimedOneTimeKey
		err := d.db.Tx.Get(&row, "SELECT local_id, key FROM _onetime_keys WHERE user_id = $1 AND used = 0 ORDER BY local_id LIMIT 1", userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return fmt.Errorf("directory: error selecting onetime key: %w", err)
		}
		if _, err := d.db.Tx.Exec("UPDATE _onetime_keys SET used = 1 WHERE user_id = $1 AND local_id = $2", userID, row.LocalID); err != nil {
			return fmt.Errorf("directory: error claiming onetime key: %w", err)
		}
		claimed = &row
		return nil
	})
	return claimed, err
}

func (d *Directory) CreateChat(_ context.Context, chatID string) error {
	return d.db.Run("create chat", func() error {
		if _, err := d.db.Tx.Exec("INSERT INTO _chats (id) VALUES ($1)", chatID); err != nil {
			return fmt.Errorf("%w: inserting chat: %s", directory.ErrConflict, err)
		}
		return nil
	})
}

func (d *Directory) DeleteChat(_ context.Context, chatID string) error {
	return d.db.Run("delete chat", func() error {
		if _, err := d.db.Tx.Exec("DELETE FROM _chats WHERE id = $1", chatID); err != nil {
			return fmt.Errorf("directory: error deleting chat: %w", err)
		}
		return nil
	})
}

func (d *Directory) AddChatParty(_ context.Context, chatID, userID string) error {
	return d.db.Run("add chat party", func() error {
		if _, err := d.db.Tx.Exec("INSERT INTO _chat_parties (chat_id, user_id) VALUES ($1, $2)", chatID, userID); err != nil {
			return fmt.Errorf("%w: adding chat party: %s", directory.ErrConflict, err)
		}
		return nil
	})
}

func (d *Directory) Counterparty(_ context.Context, chatID, userID string) (string, error) {
	var party string
	err := d.db.RunReadOnly("get counterparty", func() error {
		return d.db.getString(&party, "SELECT user_id FROM _chat_parties WHERE chat_id = $1 AND user_id != $2 LIMIT 1", chatID, userID)
	})
	return party, err
}

func (d *Directory) MessageCount(_ context.Context, chatID string) (int, error) {
	var count int
	err := d.db.RunReadOnly("count messages", func() error {
		return d.db.Tx.Get(&count, "SELECT count(*) FROM _chat_messages WHERE chat_id = $1", chatID)
	})
	return count, err
}

func (d *Directory) MessageCountBySender(_ context.Context, chatID, senderID string) (int, error) {
	var count int
	err := d.db.RunReadOnly("count messages by sender", func() error {
		return d.db.Tx.Get(&count, "SELECT count(*) FROM _chat_messages WHERE chat_id = $1 AND sender_id = $2", chatID, senderID)
	})
	return count, err
}

func (d *Directory) FirstMessage(_ context.Context, chatID string) (*directory.MessageRow, error) {
	var row directory.MessageRow
	err := d.db.RunReadOnly("get first message", func() error {
		// insertion id breaks creation-time ties deterministically
		err := d.db.Tx.Get(&row, "SELECT * FROM _chat_messages WHERE chat_id = $1 ORDER BY created_at_ms ASC, id ASC LIMIT 1", chatID)
		if errors.Is(err, sql.ErrNoRows) {
			return directory.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *Directory) Messages(_ context.Context, chatID string, skip, limit int) ([]*directory.MessageRow, error) {
	var rows []*directory.MessageRow
	err := d.db.RunReadOnly("get messages", func() error {
		return d.db.Tx.Select(&rows, "SELECT * FROM _chat_messages WHERE chat_id = $1 AND ready = 1 ORDER BY created_at_ms DESC, id DESC LIMIT $2 OFFSET $3", chatID, limit, skip)
	})
	return rows, err
}

func (d *Directory) InsertMessage(_ context.Context, chatID, senderID string, content []byte) (int64, error) {
	var id int64
	err := d.db.Run("insert message", func() error {
		res, err := d.db.Tx.Exec("INSERT INTO _chat_messages (chat_id, sender_id, content, ready, created_at_ms) VALUES ($1, $2, $3, 0, $4)", chatID, senderID, content, d.clock.CurrentTimeMs())
		if err != nil {
			return fmt.Errorf("directory: error inserting message: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (d *Directory) MarkMessageReady(_ context.Context, messageID int64) error {
	return d.db.Run("mark message ready", func() error {
		if _, err := d.db.Tx.Exec("UPDATE _chat_messages SET ready = 1 WHERE id = $1", messageID); err != nil {
			return fmt.Errorf("directory: error marking message ready: %w", err)
		}
		return nil
	})
}

func (d *Directory) DeleteMessage(_ context.Context, messageID int64) error {
	return d.db.Run("delete message", func() error {
		if _, err := d.db.Tx.Exec("DELETE FROM _chat_messages WHERE id = $1", messageID); err != nil {
			return fmt.Errorf("directory: error deleting message: %w", err)
		}
		return nil
	})
}

func (d *Directory) InsertAttachment(_ context.Context, messageID int64, info *directory.FileInfo) (string, error) {
	id := uuid.NewString()
	err := d.db.Run("insert attachment", func() error {
		if _, err := d.db.Tx.Exec("INSERT INTO _chat_message_attachments (id, message_id, filename, size, nonce) VALUES ($1, $2, $3, $4, $5)", id, messageID, info.Filename, info.Size, info.Nonce); err != nil {
			return fmt.Errorf("directory: error inserting attachment: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d *Directory) AttachmentInfo(_ context.Context, attachmentID string) (*directory.FileInfo, error) {
	var info directory.FileInfo
	err := d.db.RunReadOnly("get attachment info", func() error {
		err := d.db.Tx.Get(&info, "SELECT filename, size, nonce FROM _chat_message_attachments WHERE id = $1", attachmentID)
		if errors.Is(err, sql.ErrNoRows) {
			return directory.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (d *Directory) UploadAttachment(_ context.Context, attachmentID string, data []byte) error {
	return d.db.Run("upload attachment", func() error {
		if _, err := d.db.Tx.Exec("INSERT INTO _attachment_blobs (id, data) VALUES ($1, $2)", attachmentID, data); err != nil {
			return fmt.Errorf("directory: error uploading attachment: %w", err)
		}
		return nil
	})
}

func (d *Directory) DownloadAttachment(_ context.Context, attachmentID string) ([]byte, error) {
	var data []byte
	err := d.db.RunReadOnly("download attachment", func() error {
		err := d.db.Tx.Get(&data, "SELECT data FROM _attachment_blobs WHERE id = $1", attachmentID)
		if errors.Is(err, sql.ErrNoRows) {
			return directory.ErrNotFound
		}
		return err
	})
	return data, err
}
