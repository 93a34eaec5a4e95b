package crypto

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Attachments are encrypted in fixed-size chunks so neither side has to hold
// a whole file in memory. Each chunk is sealed with XChaCha20-Poly1305 under
// a nonce made of a 19-byte prefix, a big-endian chunk counter and a
// final-chunk marker byte.
const (
	FileNonceSize    = 19
	fileChunkSize    = 500
	fileSealedSize   = fileChunkSize + chacha20poly1305.Overhead
	fileChunkMore    = 0
	fileChunkLast    = 1
	fileCounterStart = 0
)

var ErrFileDecrypt = errors.New("crypto: file decryption failed")

// NewFileNonce returns a nonce prefix binding the ciphertext to a message:
// 15 random bytes followed by the big-endian message id.
func NewFileNonce(messageID uint32) ([]byte, error) {
	nonce := make([]byte, FileNonceSize)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce[:15]); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(nonce[15:], messageID)
	return nonce, nil
}

func fileNonce(prefix []byte, counter uint32, last byte) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[FileNonceSize:], counter)
	nonce[chacha20poly1305.NonceSizeX-1] = last
	return nonce
}

func EncryptStream(key, noncePrefix []byte, source io.Reader, output io.Writer) error {
	if len(noncePrefix) != FileNonceSize {
		return fmt.Errorf("crypto: expected nonce of length %d, got %d", FileNonceSize, len(noncePrefix))
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	buffer := make([]byte, fileChunkSize)
	counter := uint32(fileCounterStart)
	for {
		readCount, err := io.ReadFull(source, buffer)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		if readCount == fileChunkSize {
			sealed := cipher.Seal(nil, fileNonce(noncePrefix, counter, fileChunkMore), buffer, nil)
			if _, err := output.Write(sealed); err != nil {
				return err
			}
			counter++
		} else if readCount == 0 {
			return nil
		} else {
			sealed := cipher.Seal(nil, fileNonce(noncePrefix, counter, fileChunkLast), buffer[:readCount], nil)
			if _, err := output.Write(sealed); err != nil {
				return err
			}
			return nil
		}
	}
}

func DecryptStream(key, noncePrefix []byte, source io.Reader, output io.Writer) error {
	if len(noncePrefix) != FileNonceSize {
		return fmt.Errorf("crypto: expected nonce of length %d, got %d", FileNonceSize, len(noncePrefix))
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	buffer := make([]byte, fileSealedSize)
	counter := uint32(fileCounterStart)
	for {
		readCount, err := io.ReadFull(source, buffer)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		if readCount == fileSealedSize {
			opened, err := cipher.Open(nil, fileNonce(noncePrefix, counter, fileChunkMore), buffer, nil)
			if err != nil {
				return ErrFileDecrypt
			}
			if _, err := output.Write(opened); err != nil {
				return err
			}
			counter++
		} else if readCount == 0 {
			return nil
		} else {
			opened, err := cipher.Open(nil, fileNonce(noncePrefix, counter, fileChunkLast), buffer[:readCount], nil)
			if err != nil {
				return ErrFileDecrypt
			}
			if _, err := output.Write(opened); err != nil {
				return err
			}
			return nil
		}
	}
}
