package ratchet

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/encchat/enchat/internal/db"
	"github.com/encchat/enchat/migration"
	"github.com/status-im/doubleratchet"
)

const (
	keyKindIdentity = "identity"
	keyKindSigning  = "signing"
	keyKindPrekey   = "prekey"
	keyKindOneTime  = "onetime"
)

type keyRow struct {
	Kind    string `db:"kind"`
	LocalID uint32 `db:"local_id"`
	Priv    []byte `db:"priv"`
	Pub     []byte `db:"pub"`
}

type chatSession struct {
	ChatID         string `db:"chat_id"`
	FileRoot       []byte `db:"file_root"`
	PendingInitial []byte `db:"pending_initial"`
}

type doubleratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type doubleratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_engine", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _keys (
						kind TEXT NOT NULL,
						local_id INTEGER NOT NULL DEFAULT 0,
						priv BLOB NOT NULL,
						pub BLOB NOT NULL,
						PRIMARY KEY (kind, local_id)
					);

					CREATE TABLE _chat_sessions (
						chat_id TEXT PRIMARY KEY,
						file_root BLOB NOT NULL,
						pending_initial BLOB
					);

					CREATE TABLE _message_bodies (
						chat_id TEXT NOT NULL,
						ratchet_key BLOB NOT NULL,
						n INTEGER NOT NULL,
						received INTEGER NOT NULL,
						body BLOB NOT NULL,
						PRIMARY KEY (chat_id, ratchet_key, n, received)
					);

					CREATE TABLE _doubleratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX doubleratchet_keys_pubkey_msg_num on _doubleratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX doubleratchet_keys_session_id_seq_num on _doubleratchet_keys (session_id, seq_num);

					CREATE TABLE _doubleratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count INTEGER NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count INTEGER NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
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

func (db *database) key(kind string, localID uint32) (*keyRow, error) {
	k := &keyRow{}
	err := db.Tx.Get(k, "SELECT * FROM _keys WHERE kind = $1 AND local_id = $2", kind, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("engine: error getting %s key: %w", kind, err)
	}
	return k, nil
}

func (db *database) upsertKey(k *keyRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _keys (kind, local_id, priv, pub) VALUES (:kind, :local_id, :priv, :pub) ON CONFLICT(kind, local_id) DO UPDATE SET priv = :priv, pub = :pub", k); err != nil {
		return fmt.Errorf("engine: error upserting %s key: %w", k.Kind, err)
	}
	return nil
}

func (db *database) chatSession(chatID string) (*chatSession, error) {
	s := &chatSession{}
	err := db.Tx.Get(s, "SELECT * FROM _chat_sessions WHERE chat_id = $1", chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("engine: error getting chat session: %w", err)
	}
	return s, nil
}

func (db *database) upsertChatSession(s *chatSession) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _chat_sessions (chat_id, file_root, pending_initial) VALUES (:chat_id, :file_root, :pending_initial) ON CONFLICT(chat_id) DO UPDATE SET file_root = :file_root, pending_initial = :pending_initial", s); err != nil {
		return fmt.Errorf("engine: error upserting chat session: %w", err)
	}
	return nil
}

func (db *database) clearPendingInitial(chatID string) error {
	if _, err := db.Tx.Exec("UPDATE _chat_sessions SET pending_initial = NULL WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("engine: error clearing pending initial: %w", err)
	}
	return nil
}

// deleteSessionState drops all ratchet state for a chat so re-establishment
// replaces it atomically.
func (db *database) deleteSessionState(chatID string) error {
	if _, err := db.Tx.Exec("DELETE FROM _chat_sessions WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("engine: error deleting chat session: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_states WHERE id = $1", []byte(chatID)); err != nil {
		return fmt.Errorf("engine: error deleting doubleratchet state: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1", []byte(chatID)); err != nil {
		return fmt.Errorf("engine: error deleting doubleratchet keys: %w", err)
	}
	if _, err := db.Tx.Exec("DELETE FROM _message_bodies WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("engine: error deleting message bodies: %w", err)
	}
	return nil
}

// Message bodies are cached keyed by the header's ratchet key and chain
// counter; the counter alone repeats across ratchet steps.
func (db *database) messageBody(chatID string, ratchetKey []byte, n uint32, received bool) ([]byte, error) {
	var body []byte
	err := db.Tx.Get(&body, "SELECT body FROM _message_bodies WHERE chat_id = $1 AND ratchet_key = $2 AND n = $3 AND received = $4", chatID, ratchetKey, n, received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("engine: error getting message body: %w", err)
	}
	return body, nil
}

func (db *database) upsertMessageBody(chatID string, ratchetKey []byte, n uint32, received bool, body []byte) error {
	if _, err := db.Tx.Exec("INSERT INTO _message_bodies (chat_id, ratchet_key, n, received, body) VALUES ($1, $2, $3, $4, $5) ON CONFLICT(chat_id, ratchet_key, n, received) DO UPDATE SET body = $5", chatID, ratchetKey, n, received, body); err != nil {
		return fmt.Errorf("engine: error upserting message body: %w", err)
	}
	return nil
}

func (db *database) doubleratchetState(id []byte) (*doubleratchetState, error) {
	s := &doubleratchetState{}
	if err := db.Tx.Get(s, "SELECT * FROM _doubleratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("engine: error getting doubleratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertDoubleratchetState(s *doubleratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _doubleratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("engine: error upserting doubleratchet state: %w", err)
	}
	return nil
}

func (db *database) doubleratchetSessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: db}
}

func (db *database) doubleratchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (db *database) doubleratchetKeysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return &keysStorageImpl{sessionID: sessionID, db: db}
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*doubleratchetKey, bool, error) {
	kr := &doubleratchetKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _doubleratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("engine: error getting doubleratchet key: %w", err)
	}
	return kr, true, nil
}

func (db *database) upsertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if _, err := db.Tx.Exec("INSERT INTO _doubleratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES ($1, $2, $3, $4, $5) ON CONFLICT(pub_key, msg_num) DO UPDATE SET message_key = $2, session_id = $4, seq_num = $5", k, mk, msgNum, sessionID, keySeqNum); err != nil {
		return fmt.Errorf("engine: error upserting doubleratchet key: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE pub_key = $1 AND msg_num = $2 AND session_id = $3", k, msgNum, sessionID); err != nil {
		return fmt.Errorf("engine: error deleting doubleratchet key: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1 AND seq_num <= $2", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("engine: error deleting old doubleratchet keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	if _, err := db.Tx.Exec("DELETE FROM _doubleratchet_keys WHERE session_id = $1 AND seq_num NOT IN (SELECT seq_num FROM _doubleratchet_keys WHERE session_id = $1 ORDER BY seq_num DESC LIMIT $2)", sessionID, maxKeys); err != nil {
		return fmt.Errorf("engine: error truncating doubleratchet keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	var count uint
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _doubleratchet_keys WHERE pub_key = $1", k); err != nil {
		return 0, fmt.Errorf("engine: error counting doubleratchet keys: %w", err)
	}
	return count, nil
}
