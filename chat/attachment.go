package chat

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/encchat/enchat/engine"
)

type attachmentState int

const (
	attachmentCreated attachmentState = iota
	attachmentEncrypted
	attachmentUploaded
)

// Attachment walks one file through Encrypting, Uploading, Done. The steps
// are strictly ordered and neither re-enters.
type Attachment struct {
	m         *Manager
	path      string
	chatID    string
	messageID uint32

	state     attachmentState
	encrypted *engine.EncryptedFile
}

func (m *Manager) NewAttachment(path, chatID string, messageID uint32) *Attachment {
	return &Attachment{
		m:         m,
		path:      path,
		chatID:    chatID,
		messageID: messageID,
	}
}

func (a *Attachment) Encrypt(ctx context.Context) error {
	if a.state != attachmentCreated {
		return errors.New("chat: attachment already encrypted")
	}
	encrypted, err := a.m.eng.EncryptFile(ctx, a.path, a.chatID, a.messageID)
	if err != nil {
		return fmt.Errorf("chat: error encrypting attachment: %w", err)
	}
	a.encrypted = encrypted
	a.state = attachmentEncrypted
	return nil
}

func (a *Attachment) Upload(ctx context.Context, messageRowID int64) error {
	if a.state != attachmentEncrypted {
		return errors.New("chat: attachment not encrypted")
	}
	attachmentID, err := a.m.dir.InsertAttachment(ctx, messageRowID, a.encrypted.Info)
	if err != nil {
		return fmt.Errorf("chat: error registering attachment: %w", err)
	}
	data, err := os.ReadFile(a.encrypted.Path)
	if err != nil {
		return fmt.Errorf("chat: error reading staged attachment: %w", err)
	}
	if err := a.m.dir.UploadAttachment(ctx, attachmentID, data); err != nil {
		return fmt.Errorf("chat: error uploading attachment: %w", err)
	}
	if err := os.Remove(a.encrypted.Path); err != nil {
		a.m.log.Warnf("failed to remove staged attachment %s: %v", a.encrypted.Path, err)
	}
	a.state = attachmentUploaded
	return nil
}

// DownloadAttachment mirrors the upload path: fetch the blob and file info,
// stage the ciphertext locally, decrypt to outputPath.
func (m *Manager) DownloadAttachment(ctx context.Context, attachmentID, chatID string, messageID uint32, outputPath string) error {
	info, err := m.dir.AttachmentInfo(ctx, attachmentID)
	if err != nil {
		return fmt.Errorf("chat: error fetching attachment info: %w", err)
	}
	data, err := m.dir.DownloadAttachment(ctx, attachmentID)
	if err != nil {
		return fmt.Errorf("chat: error downloading attachment: %w", err)
	}

	staging, err := os.CreateTemp("", "enchat-download-*")
	if err != nil {
		return fmt.Errorf("chat: error creating staging file: %w", err)
	}
	defer os.Remove(staging.Name())
	if _, err := staging.Write(data); err != nil {
		staging.Close()
		return fmt.Errorf("chat: error staging attachment: %w", err)
	}
	if err := staging.Close(); err != nil {
		return fmt.Errorf("chat: error staging attachment: %w", err)
	}

	if err := m.eng.DecryptFile(ctx, info, staging.Name(), outputPath, chatID, messageID); err != nil {
		return fmt.Errorf("chat: error decrypting attachment: %w", err)
	}
	return nil
}
