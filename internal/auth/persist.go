package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/filex"
	"github.com/mpetrovs/keebsync/internal/models"
)

const (
	keyringService   = "keebsync"
	keyringTokenUser = "token-key"

	tokenKeyLen   = 32
	tokenNonceLen = 12
)

// keyringTokenKey returns the 32-byte wrapping key for the token file from
// the platform secure storage, creating and storing one on first use.
func keyringTokenKey() ([]byte, error) {
	v, err := keyring.Get(keyringService, keyringTokenUser)
	if err == nil {
		key, derr := base64.StdEncoding.DecodeString(v)
		if derr != nil || len(key) != tokenKeyLen {
			return nil, fmt.Errorf("stored token key is corrupt")
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring get: %w", err)
	}

	key := common.GenerateRandByteArray(tokenKeyLen)
	if err := keyring.Set(keyringService, keyringTokenUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("keyring set: %w", err)
	}
	return key, nil
}

// saveLocked encrypts the token set with AES-GCM under the wrapping key and
// writes nonce‖ciphertext to the token file. Caller holds s.mu.
func (s *TokenStore) saveLocked(t *models.StoredTokens) error {
	key, err := s.keyFn()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)

	plaintext, err := json.Marshal(t)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}

	nonce := common.GenerateRandByteArray(tokenNonceLen)
	sealed := aesgcm.Seal(nonce, nonce, plaintext, nil)

	if err := filex.WriteFileAtomic(s.path, sealed, 0o600); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	s.cached = t
	return nil
}

// loadLocked returns the cached token set, reading and decrypting the token
// file on first use. Returns common.ErrNotAuthenticated when no file exists.
// Caller holds s.mu.
func (s *TokenStore) loadLocked() (*models.StoredTokens, error) {
	if s.cached != nil {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if len(data) < tokenNonceLen {
		return nil, common.ErrNotAuthenticated
	}

	key, err := s.keyFn()
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, data[:tokenNonceLen], data[tokenNonceLen:], nil)
	if err != nil {
		// Undecryptable token file (key rotated, file copied from another
		// machine): same as signed out.
		return nil, common.ErrNotAuthenticated
	}

	var t models.StoredTokens
	if err := json.Unmarshal(plaintext, &t); err != nil {
		return nil, common.ErrNotAuthenticated
	}
	s.cached = &t
	return s.cached, nil
}
