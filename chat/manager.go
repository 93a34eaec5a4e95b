// Package chat orchestrates the per-chat session lifecycle: deciding whether
// the local party initiates or responds to the handshake, routing messages
// through the engine with a deterministic decrypt fallback, and coordinating
// attachment encryption and upload with compensating deletes.
package chat

import (
	"context"
	"fmt"

	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/engine"
	"github.com/encchat/enchat/keys"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Manager struct {
	log    *zap.SugaredLogger
	config *config.Config
	dir    directory.Directory
	eng    engine.Engine
	keys   *keys.Controller

	senderStatus   *statusCache
	receiverStatus *statusCache
}

func NewManager(c *config.Config, dir directory.Directory, eng engine.Engine) *Manager {
	return &Manager{
		log:            c.Logger("chat"),
		config:         c,
		dir:            dir,
		eng:            eng,
		keys:           keys.NewController(c, dir, eng),
		senderStatus:   newStatusCache(),
		receiverStatus: newStatusCache(),
	}
}

// CreateChat registers a chat with its participants. A failed participant
// insert deletes the chat row again; the directory has no multi-row
// transaction reachable from here.
func (m *Manager) CreateChat(ctx context.Context, participants ...string) (string, error) {
	chatID := uuid.NewString()
	if err := m.dir.CreateChat(ctx, chatID); err != nil {
		return "", fmt.Errorf("chat: error creating chat: %w", err)
	}
	for _, p := range participants {
		if err := m.dir.AddChatParty(ctx, chatID, p); err != nil {
			if derr := m.dir.DeleteChat(ctx, chatID); derr != nil {
				m.log.Warnf("failed to compensate chat %s: %v", chatID, derr)
			}
			return "", fmt.Errorf("chat: error adding participant %s: %w", p, err)
		}
	}
	m.log.Debugf("created chat %s with %d participants", chatID, len(participants))
	return chatID, nil
}
