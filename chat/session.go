package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/engine"
)

// The send path always announces prekey id 1: prekeys are republished under
// a fixed id rather than rotated.
// TODO: track the fetched prekey's actual id once rotation exists
const signedPrekeyID = 1

// IsInitialSender reports whether no messages exist for the chat at all, in
// which case the local party must initiate the handshake. The determination
// is memoized; once a chat is observed bootstrapped it is never re-queried.
func (m *Manager) IsInitialSender(ctx context.Context, chatID string) (bool, error) {
	if v, ok := m.senderStatus.lookup(chatID); ok {
		return v, nil
	}
	count, err := m.dir.MessageCount(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("chat: error counting messages: %w", err)
	}
	initial := count == 0
	m.senderStatus.set(chatID, initial)
	return initial, nil
}

// IsInitialReceiver reports whether this user has sent no messages in the
// chat yet, independent of what the counterparty sent. Memoized like
// IsInitialSender.
func (m *Manager) IsInitialReceiver(ctx context.Context, chatID, userID string) (bool, error) {
	if v, ok := m.receiverStatus.lookup(chatID); ok {
		return v, nil
	}
	count, err := m.dir.MessageCountBySender(ctx, chatID, userID)
	if err != nil {
		return false, fmt.Errorf("chat: error counting sent messages: %w", err)
	}
	initial := count == 0
	m.receiverStatus.set(chatID, initial)
	return initial, nil
}

// InitialSender runs the initiator side of the handshake: populate the
// counterparty's identity key, signed prekey and a freshly claimed one-time
// key, in that order, then establish the sending session.
func (m *Manager) InitialSender(ctx context.Context, chatID, userID string) error {
	counterparty, err := m.dir.Counterparty(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("chat: error resolving counterparty: %w", err)
	}
	if counterparty == "" {
		return &BootstrapError{ChatID: chatID, Err: errors.New("no counterparty in chat")}
	}

	identity := m.keys.IdentityKey()
	if err := m.keys.Populate(ctx, identity, counterparty); err != nil {
		return &BootstrapError{ChatID: chatID, Err: err}
	}
	if !identity.Populated() {
		return &BootstrapError{ChatID: chatID, Err: fmt.Errorf("%s has no published identity key", counterparty)}
	}

	prekey := m.keys.SignedPrekey()
	if err := m.keys.Populate(ctx, prekey, counterparty); err != nil {
		return &BootstrapError{ChatID: chatID, Err: err}
	}
	if !prekey.Populated() {
		return &BootstrapError{ChatID: chatID, Err: fmt.Errorf("%s has no published prekey", counterparty)}
	}

	oneTime := m.keys.OneTimeKey()
	if err := m.keys.Populate(ctx, oneTime, counterparty); err != nil {
		return &BootstrapError{ChatID: chatID, Err: err}
	}

	bundle := &engine.SendBundle{
		ReceiverIdentity: identity.Bytes(),
		ReceiverPrekey:   prekey.Bytes(),
		PrekeyID:         signedPrekeyID,
	}
	// an exhausted one-time pool downgrades the handshake rather than
	// blocking it
	if oneTime.Populated() {
		oneTimeID := oneTime.LocalID()
		bundle.ReceiverOneTime = oneTime.Bytes()
		bundle.OneTimeID = &oneTimeID
	} else {
		m.log.Warnf("no onetime key available for %s, proceeding without", counterparty)
	}

	if err := m.eng.EstablishSendSession(ctx, chatID, bundle); err != nil {
		return &BootstrapError{ChatID: chatID, Err: err}
	}
	m.senderStatus.invalidate(chatID)
	m.log.Debugf("send session established for chat %s", chatID)
	return nil
}

// InitialReceiver runs the responder side: the earliest message of the chat
// is unconditionally the handshake message.
func (m *Manager) InitialReceiver(ctx context.Context, chatID, userID string) error {
	first, err := m.dir.FirstMessage(ctx, chatID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return &BootstrapError{ChatID: chatID, Err: errors.New("no handshake message")}
		}
		return fmt.Errorf("chat: error reading first message: %w", err)
	}
	msg, err := engine.ParseMessage(first.Content)
	if err != nil {
		return &BootstrapError{ChatID: chatID, Err: fmt.Errorf("malformed handshake message: %w", err)}
	}

	counterparty, err := m.dir.Counterparty(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("chat: error resolving counterparty: %w", err)
	}
	if counterparty == "" {
		return &BootstrapError{ChatID: chatID, Err: errors.New("no counterparty in chat")}
	}

	identity := m.keys.IdentityKey()
	if err := m.keys.Populate(ctx, identity, counterparty); err != nil {
		return &BootstrapError{ChatID: chatID, Err: err}
	}
	if !identity.Populated() {
		return &BootstrapError{ChatID: chatID, Err: fmt.Errorf("%s has no published identity key", counterparty)}
	}

	if err := m.eng.EstablishReceiveSession(ctx, chatID, identity.Bytes(), msg); err != nil {
		return &BootstrapError{ChatID: chatID, Err: err}
	}
	m.receiverStatus.invalidate(chatID)
	m.log.Debugf("receive session established for chat %s", chatID)
	return nil
}
