// Package ratchet implements the engine contract on top of a doubleratchet
// session per chat, bootstrapped by a triple (or quadruple) diffie-hellman
// handshake against the counterparty's published key material. All private
// key material and ratchet state lives in the encrypted local store.
package ratchet

import (
	"context"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/crypto"
	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/engine"
	"github.com/encchat/enchat/internal/db"
	"github.com/kevinburke/nacl/box"
	"github.com/mr-tron/base58"
	"github.com/status-im/doubleratchet"
	"go.uber.org/zap"
)

// signedPrekeyID is fixed until prekey rotation lands; every published
// prekey replaces the previous one under the same id.
const signedPrekeyID = 1

var (
	ErrNoIdentityKey = errors.New("engine: identity key not generated")
	ErrNoSession     = errors.New("engine: no session established")
)

type Engine struct {
	log *zap.SugaredLogger
	db  *database
}

var _ engine.Engine = (*Engine)(nil)

func NewEngine(c *config.Config, internalDB *db.Database) (*Engine, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log: c.Logger("engine"),
		db:  d,
	}, nil
}

func (e *Engine) GenerateIdentityKey(_ context.Context) ([]byte, error) {
	var pub []byte
	err := e.db.Run("generate identity key", func() error {
		boxPub, boxPriv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return fmt.Errorf("engine: error generating identity key: %w", err)
		}
		if err := e.db.upsertKey(&keyRow{Kind: keyKindIdentity, Priv: boxPriv[:], Pub: boxPub[:]}); err != nil {
			return err
		}
		signPub, signPriv, err := ed25519.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return fmt.Errorf("engine: error generating signing key: %w", err)
		}
		if err := e.db.upsertKey(&keyRow{Kind: keyKindSigning, Priv: signPriv, Pub: signPub}); err != nil {
			return err
		}
		pub = boxPub[:]
		return nil
	})
	return pub, err
}

func (e *Engine) GeneratePrekey(_ context.Context) ([]byte, []byte, error) {
	var pub, signature []byte
	err := e.db.Run("generate prekey", func() error {
		signing, err := e.db.key(keyKindSigning, 0)
		if err != nil {
			return err
		}
		if signing == nil {
			return ErrNoIdentityKey
		}
		boxPub, boxPriv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return fmt.Errorf("engine: error generating prekey: %w", err)
		}
		if err := e.db.upsertKey(&keyRow{Kind: keyKindPrekey, LocalID: signedPrekeyID, Priv: boxPriv[:], Pub: boxPub[:]}); err != nil {
			return err
		}
		pub = boxPub[:]
		// signed over the published encoding, not the raw bytes
		signature = ed25519.Sign(ed25519.PrivateKey(signing.Priv), []byte(base58.Encode(pub)))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pub, signature, nil
}

func (e *Engine) GenerateOneTimeKeys(_ context.Context, count int, startID uint32) ([]*engine.OneTimeKey, error) {
	var minted []*engine.OneTimeKey
	err := e.db.Run("generate onetime keys", func() error {
		for i := 1; i <= count; i++ {
			localID := startID + uint32(i)
			boxPub, boxPriv, err := box.GenerateKey(crypto_rand.Reader)
			if err != nil {
				return fmt.Errorf("engine: error generating onetime key: %w", err)
			}
			if err := e.db.upsertKey(&keyRow{Kind: keyKindOneTime, LocalID: localID, Priv: boxPriv[:], Pub: boxPub[:]}); err != nil {
				return err
			}
			minted = append(minted, &engine.OneTimeKey{LocalID: localID, Key: boxPub[:]})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

func (e *Engine) EstablishSendSession(_ context.Context, chatID string, bundle *engine.SendBundle) error {
	return e.db.Run("establish send session", func() error {
		identity, err := e.db.key(keyKindIdentity, 0)
		if err != nil {
			return err
		}
		if identity == nil {
			return ErrNoIdentityKey
		}

		ephPub, ephPriv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return fmt.Errorf("engine: error generating ephemeral key: %w", err)
		}
		secret, err := senderSecret(identity.Priv, ephPriv[:], bundle.ReceiverIdentity, bundle.ReceiverPrekey, bundle.ReceiverOneTime)
		if err != nil {
			return err
		}
		sessionKey, fileRoot, err := deriveSecrets(secret)
		if err != nil {
			return err
		}

		if err := e.db.deleteSessionState(chatID); err != nil {
			return err
		}
		id := []byte(chatID)
		if _, err := doubleratchet.NewWithRemoteKey(id, sessionKey, bundle.ReceiverPrekey, e.db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(e.db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(e.db.doubleratchetKeysStorage(id))); err != nil {
			return fmt.Errorf("engine: error initializing doubleratchet: %w", err)
		}

		pending, err := json.Marshal(&engine.InitialData{
			Ephemeral:    ephPub[:],
			OneTimeKeyID: bundle.OneTimeID,
			PrekeyID:     bundle.PrekeyID,
		})
		if err != nil {
			return fmt.Errorf("engine: error encoding initial data: %w", err)
		}
		e.log.Debugf("established send session for chat %s", chatID)
		return e.db.upsertChatSession(&chatSession{ChatID: chatID, FileRoot: fileRoot, PendingInitial: pending})
	})
}

func (e *Engine) EstablishReceiveSession(_ context.Context, chatID string, senderIdentity []byte, first *engine.Message) error {
	initial := first.Header.Initial
	if initial == nil {
		return errors.New("engine: first message carries no handshake data")
	}

	return e.db.Run("establish receive session", func() error {
		identity, err := e.db.key(keyKindIdentity, 0)
		if err != nil {
			return err
		}
		if identity == nil {
			return ErrNoIdentityKey
		}
		prekey, err := e.db.key(keyKindPrekey, initial.PrekeyID)
		if err != nil {
			return err
		}
		if prekey == nil {
			return fmt.Errorf("engine: unknown prekey id %d", initial.PrekeyID)
		}
		var oneTimePriv []byte
		if initial.OneTimeKeyID != nil {
			oneTime, err := e.db.key(keyKindOneTime, *initial.OneTimeKeyID)
			if err != nil {
				return err
			}
			if oneTime == nil {
				return fmt.Errorf("engine: unknown onetime key id %d", *initial.OneTimeKeyID)
			}
			oneTimePriv = oneTime.Priv
		}

		secret, err := receiverSecret(identity.Priv, prekey.Priv, oneTimePriv, senderIdentity, initial.Ephemeral)
		if err != nil {
			return err
		}
		sessionKey, fileRoot, err := deriveSecrets(secret)
		if err != nil {
			return err
		}

		if err := e.db.deleteSessionState(chatID); err != nil {
			return err
		}
		id := []byte(chatID)
		dhPair := dhPairImpl{privateKey: *crypto.SliceToKey(prekey.Priv), publicKey: *crypto.SliceToKey(prekey.Pub)}
		if _, err := doubleratchet.New(id, sessionKey, dhPair, e.db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(e.db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(e.db.doubleratchetKeysStorage(id))); err != nil {
			return fmt.Errorf("engine: error initializing doubleratchet: %w", err)
		}
		e.log.Debugf("established receive session for chat %s", chatID)
		return e.db.upsertChatSession(&chatSession{ChatID: chatID, FileRoot: fileRoot})
	})
}

func (e *Engine) Encrypt(_ context.Context, chatID string, plaintext []byte) (*engine.Message, error) {
	var out *engine.Message
	err := e.db.Run("encrypt message", func() error {
		sess, err := e.db.chatSession(chatID)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrNoSession
		}

		id := []byte(chatID)
		drSession, err := doubleratchet.Load(id, e.db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(e.db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(e.db.doubleratchetKeysStorage(id)))
		if err != nil {
			return fmt.Errorf("engine: error loading doubleratchet: %w", err)
		}
		msg, err := drSession.RatchetEncrypt(plaintext, nil)
		if err != nil {
			return fmt.Errorf("engine: error encrypting: %w", err)
		}

		// keep our own plaintext; the ratchet cannot decrypt what we sent
		if err := e.db.upsertMessageBody(chatID, msg.Header.DH, msg.Header.N, false, plaintext); err != nil {
			return err
		}

		var initial *engine.InitialData
		if sess.PendingInitial != nil {
			initial = &engine.InitialData{}
			if err := json.Unmarshal(sess.PendingInitial, initial); err != nil {
				return fmt.Errorf("engine: error decoding initial data: %w", err)
			}
		}

		out = &engine.Message{
			Header: engine.MessageHeader{
				ID:                     msg.Header.N,
				RatchetKey:             msg.Header.DH,
				PreviousReceiverLength: msg.Header.PN,
				Initial:                initial,
			},
			Ciphertext: msg.Ciphertext,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) TryDecrypt(_ context.Context, chatID string, message *engine.Message, received bool) ([]byte, error) {
	var plaintext []byte
	err := e.db.Run("try decrypt message", func() error {
		body, err := e.db.messageBody(chatID, message.Header.RatchetKey, message.Header.ID, received)
		if err != nil {
			return err
		}
		if body != nil {
			plaintext = body
			return nil
		}
		if !received {
			return nil
		}
		plaintext, err = e.decryptReceived(chatID, message)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (e *Engine) Receive(_ context.Context, chatID string, message *engine.Message) ([]byte, error) {
	var plaintext []byte
	err := e.db.Run("receive message", func() error {
		var err error
		plaintext, err = e.decryptReceived(chatID, message)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// decryptReceived advances the receiving ratchet. A failure to produce
// plaintext is not an error; the caller renders a placeholder instead.
func (e *Engine) decryptReceived(chatID string, message *engine.Message) ([]byte, error) {
	sess, err := e.db.chatSession(chatID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		e.log.Debugf("no session for chat %s, skipping decrypt", chatID)
		return nil, nil
	}

	id := []byte(chatID)
	drSession, err := doubleratchet.Load(id, e.db.doubleratchetSessionStorage(), doubleratchet.WithCrypto(e.db.doubleratchetCrypto()), doubleratchet.WithKeysStorage(e.db.doubleratchetKeysStorage(id)))
	if err != nil {
		return nil, fmt.Errorf("engine: error loading doubleratchet: %w", err)
	}
	plaintext, err := drSession.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: message.Header.RatchetKey,
			N:  message.Header.ID,
			PN: message.Header.PreviousReceiverLength,
		},
		Ciphertext: message.Ciphertext,
	}, nil)
	if err != nil {
		e.log.Debugf("decrypt failed for chat %s: %v", chatID, err)
		return nil, nil
	}

	if err := e.db.upsertMessageBody(chatID, message.Header.RatchetKey, message.Header.ID, true, plaintext); err != nil {
		return nil, err
	}
	// a reply proves the counterparty holds the session
	if err := e.db.clearPendingInitial(chatID); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (e *Engine) EncryptFile(_ context.Context, inputPath, chatID string, messageID uint32) (*engine.EncryptedFile, error) {
	fileRoot, err := e.fileRoot(chatID)
	if err != nil {
		return nil, err
	}
	key, err := fileKey(fileRoot, messageID)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewFileNonce(messageID)
	if err != nil {
		return nil, fmt.Errorf("engine: error generating file nonce: %w", err)
	}

	source, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("engine: error opening attachment: %w", err)
	}
	defer source.Close()
	stat, err := source.Stat()
	if err != nil {
		return nil, fmt.Errorf("engine: error inspecting attachment: %w", err)
	}

	staging, err := os.CreateTemp("", "enchat-attachment-*")
	if err != nil {
		return nil, fmt.Errorf("engine: error creating staging file: %w", err)
	}
	defer staging.Close()

	if err := crypto.EncryptStream(key, nonce, source, staging); err != nil {
		os.Remove(staging.Name())
		return nil, fmt.Errorf("engine: error encrypting attachment: %w", err)
	}

	return &engine.EncryptedFile{
		Path: staging.Name(),
		Info: &directory.FileInfo{
			Filename: filepath.Base(inputPath),
			Size:     stat.Size(),
			Nonce:    nonce,
		},
	}, nil
}

func (e *Engine) DecryptFile(_ context.Context, info *directory.FileInfo, inputPath, outputPath, chatID string, messageID uint32) error {
	fileRoot, err := e.fileRoot(chatID)
	if err != nil {
		return err
	}
	key, err := fileKey(fileRoot, messageID)
	if err != nil {
		return err
	}

	source, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("engine: error opening attachment: %w", err)
	}
	defer source.Close()
	output, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("engine: error creating attachment output: %w", err)
	}
	defer output.Close()

	if err := crypto.DecryptStream(key, info.Nonce, source, output); err != nil {
		os.Remove(outputPath)
		return fmt.Errorf("engine: error decrypting attachment: %w", err)
	}
	return nil
}

func (e *Engine) fileRoot(chatID string) ([]byte, error) {
	var fileRoot []byte
	err := e.db.RunReadOnly("get file root", func() error {
		sess, err := e.db.chatSession(chatID)
		if err != nil {
			return err
		}
		if sess == nil {
			return ErrNoSession
		}
		fileRoot = sess.FileRoot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fileRoot, nil
}
