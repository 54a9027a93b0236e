package kvstore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var _ Store = (*FileStore)(nil)

// FileStore persists one file per key under a directory, with values
// encrypted at rest. It stands in for the platform secure store on
// desktop and demo builds.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	aead cipher.AEAD
}

// NewFileStore creates a file-backed store rooted at dir. The key must be
// 32 bytes (chacha20poly1305.KeySize).
func NewFileStore(dir string, key []byte) (*FileStore, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("[NewFileStore] key must be %d bytes", chacha20poly1305.KeySize)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] MkdirAll")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "[NewFileStore] chacha20poly1305.NewX")
	}
	return &FileStore{dir: dir, aead: aead}, nil
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "[FileStore.Get] ReadFile")
	}

	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return "", false, errors.Wrap(err, "[FileStore.Get] base64 decode")
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", false, errors.New("[FileStore.Get] ciphertext too short")
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", false, errors.Wrap(err, "[FileStore.Get] decrypt")
	}
	return string(plaintext), true, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "[FileStore.Set] rand.Read")
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), nil)
	encoded := base64.StdEncoding.EncodeToString(sealed)

	// Write via a temp file so a crash never leaves a truncated record.
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, []byte(encoded), 0o600); err != nil {
		return errors.Wrap(err, "[FileStore.Set] WriteFile")
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return errors.Wrap(err, "[FileStore.Set] Rename")
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "[FileStore.Remove] Remove")
	}
	return nil
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".dat")
}
