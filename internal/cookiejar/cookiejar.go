// Package cookiejar persists the session's opaque cookie blob between
// runs. The blob is the remote session's bearer credential, so it is
// sealed with a key held in the OS keychain when one is available, and
// stored 0600 either way.
package cookiejar

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/moltbot/moltbot/internal/keyring"
	"github.com/moltbot/moltbot/internal/logging"
)

const (
	jarFile = "session.jar"

	// sealedMagic prefixes sealed jars so Load can tell them apart from
	// plaintext fallback jars written on keychain-less hosts.
	sealedMagic = "MBJ1"

	keyLen   = 32
	nonceLen = 24
)

// Store is a file-backed jar. Safe for use from one goroutine at a time,
// which is what the session controller guarantees.
type Store struct {
	path string
	key  *[keyLen]byte // nil means plaintext fallback
}

// Open prepares a jar under dataDir. When the OS keychain is available
// the sealing key is fetched from it, or generated and stored on first
// use. Without a keychain the jar falls back to a plaintext file and a
// warning is logged once.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{path: filepath.Join(dataDir, jarFile)}

	if !keyring.Available() {
		logging.Warnf("OS keychain unavailable, session jar will be stored unencrypted")
		return s, nil
	}

	key, err := keyring.Get()
	if err != nil || len(key) != keyLen {
		key = make([]byte, keyLen)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate sealing key: %w", err)
		}
		if err := keyring.Set(key); err != nil {
			logging.Warnf("store sealing key: %v, session jar will be stored unencrypted", err)
			return s, nil
		}
	}

	s.key = new([keyLen]byte)
	copy(s.key[:], key)
	return s, nil
}

// Save writes the blob, sealed when a key is present.
func (s *Store) Save(blob []byte) error {
	data := blob
	if s.key != nil {
		var nonce [nonceLen]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return fmt.Errorf("generate nonce: %w", err)
		}
		sealed := secretbox.Seal(nonce[:], blob, &nonce, s.key)
		data = append([]byte(sealedMagic), sealed...)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write jar: %w", err)
	}
	return nil
}

// Load returns the stored blob, or (nil, nil) when no jar exists. A jar
// that cannot be opened (corrupt, or sealed under a lost key) is treated
// as absent; the caller falls back to interactive login.
func (s *Store) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jar: %w", err)
	}

	if len(data) < len(sealedMagic) || string(data[:len(sealedMagic)]) != sealedMagic {
		// Plaintext jar from a keychain-less run.
		return data, nil
	}

	if s.key == nil {
		logging.Warnf("sealed jar present but no sealing key, discarding")
		return nil, nil
	}

	sealed := data[len(sealedMagic):]
	if len(sealed) < nonceLen {
		logging.Warnf("jar truncated, discarding")
		return nil, nil
	}

	var nonce [nonceLen]byte
	copy(nonce[:], sealed[:nonceLen])
	blob, ok := secretbox.Open(nil, sealed[nonceLen:], &nonce, s.key)
	if !ok {
		logging.Warnf("jar failed to unseal, discarding")
		return nil, nil
	}
	return blob, nil
}

// Delete removes the jar file. Missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete jar: %w", err)
	}
	return nil
}
