// Package codec provides the reversible byte transforms applied to cached
// payloads: zstd compression and AES-256-GCM authenticated encryption.
//
// The transform order is fixed: compress-then-encrypt on write,
// decrypt-then-decompress on read. Which steps were applied to a given
// payload is recorded on the record itself, never guessed.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// KeySize is the required symmetric key length (AES-256).
const KeySize = 32

var (
	// ErrCompression indicates a truncated or invalid compressed stream.
	ErrCompression = errors.New("codec: invalid compressed data")

	// ErrAuthentication indicates tampered ciphertext or a wrong key.
	// Decryption fails closed; partially decrypted data is never returned.
	ErrAuthentication = errors.New("codec: authentication failed")
)

// Codec performs the payload transforms. Stateless aside from key material;
// safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// New creates a Codec from a 32-byte symmetric key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	// EncodeAll/DecodeAll on a nil-source encoder/decoder are safe for
	// concurrent callers.
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Codec{aead: aead, enc: enc, dec: dec}, nil
}

// Compress compresses data with zstd. Empty input maps to empty output.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	return c.enc.EncodeAll(data, nil), nil
}

// Decompress is the exact inverse of Compress. Invalid or truncated input
// fails with ErrCompression rather than producing garbage.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte{}, nil
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	return out, nil
}

// Encrypt seals data with AES-256-GCM. The random nonce is prepended to the
// ciphertext so the result is a single opaque blob.
func (c *Codec) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens a blob produced by Encrypt. Any truncation, tampering, or
// wrong key fails with ErrAuthentication.
func (c *Codec) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthentication)
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// Encode applies the write-side transforms in fixed order:
// compress (if requested), then encrypt (if requested).
func (c *Codec) Encode(data []byte, compress, encrypt bool) ([]byte, error) {
	out := data
	var err error
	if compress {
		if out, err = c.Compress(out); err != nil {
			return nil, err
		}
	}
	if encrypt {
		if out, err = c.Encrypt(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decode reverses Encode: decrypt (if the record was encrypted), then
// decompress (if it was compressed).
func (c *Codec) Decode(data []byte, compressed, encrypted bool) ([]byte, error) {
	out := data
	var err error
	if encrypted {
		if out, err = c.Decrypt(out); err != nil {
			return nil, err
		}
	}
	if compressed {
		if out, err = c.Decompress(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
