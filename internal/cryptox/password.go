package cryptox

import (
	"errors"

	"github.com/zalando/go-keyring"

	"github.com/mpetrovs/keebsync/internal/common"
)

const (
	keyringService  = "keebsync"
	keyringPassword = "sync-password"
)

// StorePassword saves the sync password in the platform secure storage
// (Keychain, libsecret, Windows Credential Manager).
func StorePassword(password string) error {
	return keyring.Set(keyringService, keyringPassword, password)
}

// RetrievePassword loads the sync password. Returns common.ErrNotFound when
// none is stored; sync-off is a valid state, not an error.
func RetrievePassword() (string, error) {
	pw, err := keyring.Get(keyringService, keyringPassword)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return pw, nil
}

// ClearPassword removes the stored sync password. Idempotent.
func ClearPassword() error {
	err := keyring.Delete(keyringService, keyringPassword)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
