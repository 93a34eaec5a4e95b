package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var hkdfInfo = []byte("enchat")

func dh(priv, pub []byte) ([]byte, error) {
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("engine: dh failed: %w", err)
	}
	return out, nil
}

// senderSecret computes the initiator's side of the handshake. The one-time
// component is skipped when the receiver had no keys left to claim.
func senderSecret(identityPriv, ephemeralPriv, receiverIdentity, receiverPrekey, receiverOneTime []byte) ([]byte, error) {
	dh1, err := dh(identityPriv, receiverPrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephemeralPriv, receiverIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephemeralPriv, receiverPrekey)
	if err != nil {
		return nil, err
	}
	secret := append(append(dh1, dh2...), dh3...)
	if receiverOneTime != nil {
		dh4, err := dh(ephemeralPriv, receiverOneTime)
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

// receiverSecret mirrors senderSecret with the private and public halves
// swapped. oneTimePriv is nil when the first message claimed no one-time key.
func receiverSecret(identityPriv, prekeyPriv, oneTimePriv, senderIdentity, senderEphemeral []byte) ([]byte, error) {
	dh1, err := dh(prekeyPriv, senderIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(identityPriv, senderEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(prekeyPriv, senderEphemeral)
	if err != nil {
		return nil, err
	}
	secret := append(append(dh1, dh2...), dh3...)
	if oneTimePriv != nil {
		dh4, err := dh(oneTimePriv, senderEphemeral)
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}
	return secret, nil
}

// deriveSecrets expands the raw DH concatenation into the ratchet session key
// and the per-chat file key root. The 0xff prefix domain-separates the
// handshake input from a curve point.
func deriveSecrets(dhOutput []byte) (sessionKey, fileRoot []byte, err error) {
	input := append([]byte{0xff}, dhOutput...)
	out := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, input, nil, hkdfInfo), out); err != nil {
		return nil, nil, fmt.Errorf("engine: error deriving session secrets: %w", err)
	}
	return out[:32], out[32:], nil
}

// fileKey derives the attachment key for one message from the chat's file key
// root, so both sides can compute it without sharing message keys.
func fileKey(fileRoot []byte, messageID uint32) ([]byte, error) {
	info := make([]byte, len(hkdfInfo)+4)
	copy(info, hkdfInfo)
	binary.BigEndian.PutUint32(info[len(hkdfInfo):], messageID)
	out := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, fileRoot, nil, info), out); err != nil {
		return nil, fmt.Errorf("engine: error deriving file key: %w", err)
	}
	return out, nil
}
