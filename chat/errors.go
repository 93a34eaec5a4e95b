package chat

import "fmt"

// BootstrapError is fatal for its chat: the handshake cannot proceed, so the
// enclosing send or decrypt aborts.
type BootstrapError struct {
	ChatID string
	Err    error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("chat: bootstrap failed for chat %s: %v", e.ChatID, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

// AttachmentError wraps a failed attachment step after the partially-sent
// message has been compensated away.
type AttachmentError struct {
	Path string
	Err  error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("chat: attachment %s failed: %v", e.Path, e.Err)
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}
