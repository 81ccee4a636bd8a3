package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving the sealing key.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
)

const (
	settingSealerSalt  = "sealer_salt"
	settingSealerCheck = "sealer_check"
	sealerKeyFile      = "sealer.key"
	sealerCheckPlain   = "bridge-relay"
)

// ErrWrongPassphrase is returned when the configured passphrase does not
// open data sealed by an earlier run.
var ErrWrongPassphrase = errors.New("secret passphrase does not match stored data")

// Sealer encrypts small secrets with AES-256-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("sealer key must be %d bytes", keyLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// DeriveKey derives a sealing key from a passphrase with Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("sealed value too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

// openSealer derives the key from passphrase, or from a key file created on
// first use, and checks it against the value sealed by earlier runs.
func (s *Storage) openSealer(dataDir, passphrase string) (*Sealer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key []byte
	if passphrase != "" {
		salt, err := s.loadOrCreateSalt()
		if err != nil {
			return nil, err
		}
		key = DeriveKey(passphrase, salt)
	} else {
		k, err := loadOrCreateKeyFile(filepath.Join(dataDir, sealerKeyFile))
		if err != nil {
			return nil, err
		}
		key = k
	}

	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}

	check, err := s.getSettingLocked(settingSealerCheck)
	switch {
	case errors.Is(err, ErrSettingNotFound):
		sealed, err := sealer.Seal([]byte(sealerCheckPlain))
		if err != nil {
			return nil, err
		}
		if err := s.setSettingLocked(settingSealerCheck, hex.EncodeToString(sealed)); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		raw, err := hex.DecodeString(check)
		if err != nil {
			return nil, fmt.Errorf("corrupt sealer check: %w", err)
		}
		plain, err := sealer.Open(raw)
		if err != nil || string(plain) != sealerCheckPlain {
			return nil, ErrWrongPassphrase
		}
	}
	return sealer, nil
}

// caller holds s.mu
func (s *Storage) loadOrCreateSalt() ([]byte, error) {
	v, err := s.getSettingLocked(settingSealerSalt)
	if err == nil {
		return hex.DecodeString(v)
	}
	if !errors.Is(err, ErrSettingNotFound) {
		return nil, err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := s.setSettingLocked(settingSealerSalt, hex.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

func loadOrCreateKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(string(data))
		if err != nil || len(key) != keyLen {
			return nil, fmt.Errorf("invalid key file %s", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}
