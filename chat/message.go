package chat

import (
	"context"
	"fmt"

	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/engine"
)

// Rendered in place of a message that neither decrypt stage could recover.
const decryptFailedPlaceholder = "Decryption failed"

type DecryptedMessage struct {
	Text     string
	ID       int64
	Received bool
	// LocalID is the header's position in the sender's ratchet chain, or -1
	// when decryption failed.
	LocalID int64
}

// DecryptMessage decrypts one message row, lazily bootstrapping the
// receiving session on the first attempt for a chat. Decrypt failures are
// per-message: the result is a placeholder, not an error.
func (m *Manager) DecryptMessage(ctx context.Context, chatID string, row *directory.MessageRow, userID string) (*DecryptedMessage, error) {
	initial, err := m.IsInitialReceiver(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if initial {
		if err := m.InitialReceiver(ctx, chatID, userID); err != nil {
			return nil, err
		}
	}

	received := row.SenderID != userID
	failed := &DecryptedMessage{
		Text:     decryptFailedPlaceholder,
		ID:       row.ID,
		Received: received,
		LocalID:  -1,
	}

	msg, err := engine.ParseMessage(row.Content)
	if err != nil {
		m.log.Debugf("unparsable message %d in chat %s: %v", row.ID, chatID, err)
		return failed, nil
	}

	plaintext, err := m.eng.TryDecrypt(ctx, chatID, msg, received)
	if err != nil {
		return nil, fmt.Errorf("chat: error decrypting message %d: %w", row.ID, err)
	}
	if plaintext == nil && received {
		// the session may not have seen this chain yet
		plaintext, err = m.eng.Receive(ctx, chatID, msg)
		if err != nil {
			return nil, fmt.Errorf("chat: error receiving message %d: %w", row.ID, err)
		}
	}
	if plaintext == nil {
		return failed, nil
	}
	return &DecryptedMessage{
		Text:     string(plaintext),
		ID:       row.ID,
		Received: received,
		LocalID:  int64(msg.Header.ID),
	}, nil
}

// MessageIter walks a window of a chat's ready messages newest first,
// fetching pages on demand and decrypting each element before yielding it.
// The sequence is finite and not restartable.
type MessageIter struct {
	m              *Manager
	ctx            context.Context
	chatID, userID string
	skip           int
	remaining      int
	pageSize       int

	page []*directory.MessageRow
	pos  int
	cur  *DecryptedMessage
	err  error
	done bool
}

// Messages returns an iterator over at most limit ready messages, starting
// skip rows in, newest first.
func (m *Manager) Messages(ctx context.Context, chatID, userID string, skip, limit int) *MessageIter {
	return &MessageIter{
		m:         m,
		ctx:       ctx,
		chatID:    chatID,
		userID:    userID,
		skip:      skip,
		remaining: limit,
		pageSize:  m.config.MessagePageSize,
	}
}

// Next advances the iterator, returning false when the window is exhausted
// or an error occurred. Decrypt failures still yield an element.
func (it *MessageIter) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if it.pos >= len(it.page) {
		if !it.fetchPage() {
			return false
		}
	}
	row := it.page[it.pos]
	it.pos++

	decrypted, err := it.m.DecryptMessage(it.ctx, it.chatID, row, it.userID)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = decrypted
	return true
}

func (it *MessageIter) fetchPage() bool {
	if it.remaining <= 0 {
		it.done = true
		return false
	}
	size := it.pageSize
	if it.remaining < size {
		size = it.remaining
	}
	rows, err := it.m.dir.Messages(it.ctx, it.chatID, it.skip, size)
	if err != nil {
		it.err = fmt.Errorf("chat: error fetching messages: %w", err)
		return false
	}
	if len(rows) == 0 {
		it.done = true
		return false
	}
	it.page = rows
	it.pos = 0
	it.skip += len(rows)
	it.remaining -= len(rows)
	return true
}

func (it *MessageIter) Message() *DecryptedMessage {
	return it.cur
}

func (it *MessageIter) Err() error {
	return it.err
}

// SendMessage encrypts and persists one message, running the attachment
// pipeline for each path sequentially. The row stays ready=false until every
// attachment uploaded; any failure deletes the row and surfaces an
// AttachmentError.
func (m *Manager) SendMessage(ctx context.Context, chatID, plaintext, userID string, attachmentPaths []string) (int64, error) {
	initial, err := m.IsInitialSender(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if initial {
		if err := m.InitialSender(ctx, chatID, userID); err != nil {
			return 0, err
		}
	}

	msg, err := m.eng.Encrypt(ctx, chatID, []byte(plaintext))
	if err != nil {
		return 0, fmt.Errorf("chat: error encrypting message: %w", err)
	}
	content, err := msg.Serialize()
	if err != nil {
		return 0, fmt.Errorf("chat: error serializing message: %w", err)
	}
	rowID, err := m.dir.InsertMessage(ctx, chatID, userID, content)
	if err != nil {
		return 0, fmt.Errorf("chat: error inserting message: %w", err)
	}

	for _, path := range attachmentPaths {
		a := m.NewAttachment(path, chatID, msg.Header.ID)
		err := a.Encrypt(ctx)
		if err == nil {
			err = a.Upload(ctx, rowID)
		}
		if err != nil {
			if derr := m.dir.DeleteMessage(ctx, rowID); derr != nil {
				m.log.Warnf("failed to compensate message %d: %v", rowID, derr)
			}
			return 0, &AttachmentError{Path: path, Err: err}
		}
	}

	if err := m.dir.MarkMessageReady(ctx, rowID); err != nil {
		return 0, fmt.Errorf("chat: error marking message ready: %w", err)
	}
	m.log.Debugf("sent message %d in chat %s", rowID, chatID)
	return rowID, nil
}
