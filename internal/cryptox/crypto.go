// Package cryptox implements the end-to-end encryption layer: password-based
// key derivation and authenticated encryption of sync bundles into envelopes.
//
// Every envelope carries its own random salt, so the key is re-derived per
// file; the AES-GCM additional authenticated data binds the ciphertext to
// both the wire version and the sync unit, preventing cross-unit replay.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/models"
)

const (
	// KeyLen is the derived AES-256 key length.
	KeyLen = 32

	// Iterations is the PBKDF2-HMAC-SHA256 iteration count. Fixed for
	// compatibility: every client must derive the same key.
	Iterations = 600_000

	saltLen = 16
	ivLen   = 12
	tagLen  = 16
)

// DeriveKey derives a 32-byte AES key from the sync password and salt using
// PBKDF2-HMAC-SHA256.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha256.New)
}

func aad(version int, unit models.SyncUnit) []byte {
	return fmt.Appendf(nil, "%d:%s", version, unit)
}

// Encrypt seals plaintext into a SyncEnvelope for the given unit, with a
// fresh 16-byte salt and 12-byte IV. The returned ciphertext field contains
// the AES-GCM output with the 16-byte tag appended.
func Encrypt(plaintext []byte, password string, unit models.SyncUnit) (*models.SyncEnvelope, error) {
	salt := common.GenerateRandByteArray(saltLen)
	iv := common.GenerateRandByteArray(ivLen)

	key := DeriveKey(password, salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	ciphertext := aesgcm.Seal(nil, iv, plaintext, aad(models.EnvelopeVersion, unit))

	return &models.SyncEnvelope{
		Version:    models.EnvelopeVersion,
		SyncUnit:   string(unit),
		UpdatedAt:  models.FormatTime(time.Now()),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens an envelope with the given password. It returns
// common.ErrMalformedEnvelope for undecodable fields or a wrong-length IV,
// and common.ErrAuthTag when the ciphertext is shorter than the tag or the
// tag check fails (wrong password, or a tampered ciphertext/salt/IV).
func Decrypt(env *models.SyncEnvelope, password string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %w", common.ErrMalformedEnvelope, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %w", common.ErrMalformedEnvelope, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %w", common.ErrMalformedEnvelope, err)
	}
	if len(iv) != ivLen {
		return nil, fmt.Errorf("%w: iv length %d", common.ErrMalformedEnvelope, len(iv))
	}
	if len(ciphertext) < tagLen {
		return nil, common.ErrAuthTag
	}

	key := DeriveKey(password, salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, iv, ciphertext, aad(env.Version, models.SyncUnit(env.SyncUnit)))
	if err != nil {
		return nil, common.ErrAuthTag
	}
	return plaintext, nil
}
