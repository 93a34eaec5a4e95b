// This package provides the high-level interface to the enchat client core.
// It wires the encrypted local store, the cryptographic engine, the key
// lifecycle controller and the chat orchestrator, and exposes the operations
// an application front end needs: publish the caller's key bundle, create
// chats, send and enumerate messages, and move attachments.
package enchat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/encchat/enchat/chat"
	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/engine/ratchet"
	"github.com/encchat/enchat/internal/db"
	"github.com/encchat/enchat/keys"
	"go.uber.org/zap"
)

// Constants for application state.
const (
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

type Client struct {
	DB *db.Database

	log    *zap.SugaredLogger
	config *config.Config
	dir    directory.Directory
	state  int

	engine *ratchet.Engine
	keys   *keys.Controller
	chat   *chat.Manager
}

// NewClient creates a client rooted at the config's RootDir, talking to the
// given directory. The local store stays closed until Initialize or Open.
func NewClient(c *config.Config, dir directory.Directory) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, filepath.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Client{
		DB:     database,
		log:    log,
		config: c,
		dir:    dir,
		state:  state,
	}, nil
}

func (c *Client) Initialized() bool {
	return c.state == StateInitialized
}

func (c *Client) Running() bool {
	return c.state == StateRunning
}

// Initialize the local store with a given key, then open it.
func (c *Client) Initialize(key []byte) error {
	if c.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	return c.Open(key)
}

// Open the local store with a given key and bring up the engine and chat
// orchestrator.
func (c *Client) Open(key []byte) error {
	if c.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}

	eng, err := ratchet.NewEngine(c.config, c.DB)
	if err != nil {
		return err
	}
	c.engine = eng
	c.keys = keys.NewController(c.config, c.dir, eng)
	c.chat = chat.NewManager(c.config, c.dir, eng)
	c.state = StateRunning
	return nil
}

// Setup publishes the caller's own key bundle: identity key, signed prekey
// and a one-time-key batch up to the configured pool size. Idempotent;
// material already published is left alone.
func (c *Client) Setup(ctx context.Context) error {
	userID, err := c.dir.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("enchat: error resolving user: %w", err)
	}
	for _, k := range []keys.Material{c.keys.IdentityKey(), c.keys.SignedPrekey(), c.keys.OneTimeKey()} {
		if err := c.keys.Populate(ctx, k, userID); err != nil {
			return fmt.Errorf("enchat: error publishing key material: %w", err)
		}
	}
	c.log.Debugf("key bundle published for %s", userID)
	return nil
}

// CreateChat registers a chat between the caller and the given users.
func (c *Client) CreateChat(ctx context.Context, participants ...string) (string, error) {
	return c.chat.CreateChat(ctx, participants...)
}

// SendMessage encrypts and sends one message with optional attachments,
// bootstrapping the chat session if this is the chat's first message.
func (c *Client) SendMessage(ctx context.Context, chatID, text string, attachmentPaths []string) (int64, error) {
	userID, err := c.dir.Whoami(ctx)
	if err != nil {
		return 0, fmt.Errorf("enchat: error resolving user: %w", err)
	}
	return c.chat.SendMessage(ctx, chatID, text, userID, attachmentPaths)
}

// Messages returns a decrypting iterator over a window of the chat's ready
// messages, newest first.
func (c *Client) Messages(ctx context.Context, chatID string, skip, limit int) (*chat.MessageIter, error) {
	userID, err := c.dir.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("enchat: error resolving user: %w", err)
	}
	return c.chat.Messages(ctx, chatID, userID, skip, limit), nil
}

// DownloadAttachment fetches and decrypts one attachment to outputPath.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID, chatID string, messageID uint32, outputPath string) error {
	return c.chat.DownloadAttachment(ctx, attachmentID, chatID, messageID, outputPath)
}

// Gracefully stop the client.
func (c *Client) Shutdown() error {
	if c.state != StateRunning {
		return nil
	}
	if err := c.DB.Shutdown(); err != nil {
		return err
	}
	c.state = StateClosed
	return nil
}
