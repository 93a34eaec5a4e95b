package local

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/encchat/enchat/internal/db"
	"github.com/encchat/enchat/migration"
)

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_directory", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identity_keys (
						id TEXT PRIMARY KEY,
						key TEXT NOT NULL
					);

					CREATE TABLE _prekeys (
						id TEXT PRIMARY KEY,
						key TEXT NOT NULL,
						signature TEXT NOT NULL
					);

					CREATE TABLE _onetime_keys (
						user_id TEXT NOT NULL,
						local_id INTEGER NOT NULL,
						key TEXT NOT NULL,
						used INTEGER NOT NULL DEFAULT 0,
						PRIMARY KEY (user_id, local_id)
					);
					CREATE INDEX onetime_keys_unused_idx on _onetime_keys (user_id, used);

					CREATE TABLE _chats (
						id TEXT PRIMARY KEY
					);

					CREATE TABLE _chat_parties (
						chat_id TEXT NOT NULL,
						user_id TEXT NOT NULL,
						PRIMARY KEY (chat_id, user_id),
						FOREIGN KEY (chat_id) REFERENCES _chats(id) ON DELETE CASCADE
					);

					CREATE TABLE _chat_messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						chat_id TEXT NOT NULL,
						sender_id TEXT NOT NULL,
						content BLOB NOT NULL,
						ready INTEGER NOT NULL DEFAULT 0,
						created_at_ms INTEGER NOT NULL,
						FOREIGN KEY (chat_id) REFERENCES _chats(id) ON DELETE CASCADE
					);
					CREATE INDEX chat_messages_chat_idx on _chat_messages (chat_id, created_at_ms);

					CREATE TABLE _chat_message_attachments (
						id TEXT PRIMARY KEY,
						message_id INTEGER NOT NULL,
						filename TEXT NOT NULL,
						size INTEGER NOT NULL,
						nonce BLOB NOT NULL,
						FOREIGN KEY (message_id) REFERENCES _chat_messages(id) ON DELETE CASCADE
					);
					CREATE INDEX chat_message_attachments_message_idx on _chat_message_attachments (message_id);

					CREATE TABLE _attachment_blobs (
						id TEXT PRIMARY KEY,
						data BLOB NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (db *database) hasRow(query string, args ...interface{}) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, query, args...); err != nil {
		return false, fmt.Errorf("directory: error counting rows: %w", err)
	}
	return count > 0, nil
}

// getString reads a single string column, leaving dest empty when no row
// matches.
func (db *database) getString(dest *string, query string, args ...interface{}) error {
	err := db.Tx.Get(dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		*dest = ""
		return nil
	} else if err != nil {
		return fmt.Errorf("directory: error getting row: %w", err)
	}
	return nil
}
