// Package keys manages the device-local symmetric encryption key.
//
// One key is generated per installation and reused for all encrypted
// records. It is persisted outside the record store; losing or replacing it
// invalidates every encrypted record, which the cache treats as misses.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const keyFileName = "aircache.key"

// Provider supplies the symmetric key for the codec.
type Provider interface {
	// GetOrCreate returns the installation key, generating and persisting
	// a new one on first use.
	GetOrCreate() ([]byte, error)

	// SetKey replaces the installation key. All records encrypted under
	// the previous key become unreadable.
	SetKey(key []byte) error
}

// FileProvider persists the key base64-encoded in a file next to the data
// directory, readable only by the owning user.
type FileProvider struct {
	path    string
	keySize int
}

// NewFileProvider creates a key provider rooted at the given data directory.
func NewFileProvider(dataDir string, keySize int) *FileProvider {
	return &FileProvider{
		path:    filepath.Join(dataDir, keyFileName),
		keySize: keySize,
	}
}

// Path returns the full path of the key file.
func (p *FileProvider) Path() string {
	return p.path
}

// GetOrCreate reads the persisted key, generating a fresh random key on
// first use. A corrupt key file is an error, not silently regenerated,
// since regeneration would orphan existing encrypted records.
func (p *FileProvider) GetOrCreate() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %q: %w", p.path, err)
		}
		if len(key) != p.keySize {
			return nil, fmt.Errorf("key file %q holds %d bytes, want %d", p.path, len(key), p.keySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, p.keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := p.SetKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// SetKey persists the given key, replacing any existing one.
func (p *FileProvider) SetKey(key []byte) error {
	if len(key) != p.keySize {
		return fmt.Errorf("key must be %d bytes, got %d", p.keySize, len(key))
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// StaticProvider returns a fixed key. Used in tests and by callers that
// manage key material themselves.
type StaticProvider struct {
	Key []byte
}

// GetOrCreate returns the fixed key.
func (p *StaticProvider) GetOrCreate() ([]byte, error) {
	return p.Key, nil
}

// SetKey replaces the fixed key.
func (p *StaticProvider) SetKey(key []byte) error {
	p.Key = key
	return nil
}
