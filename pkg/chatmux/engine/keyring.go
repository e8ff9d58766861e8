// Package engine – keyring.go provides secure credential storage using the
// operating system's native keyring (Linux: Secret Service/GNOME Keyring,
// macOS: Keychain, Windows: Credential Manager).
//
// Priority for resolving a provider's API key:
//  1. Environment variable (<ID>_API_KEY, possibly loaded from .env)
//  2. OS keyring (encrypted by the OS, requires user session)
//  3. config.yaml value (least secure — plaintext on disk)
package engine

import (
	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the OS keyring. Each provider
// id is a separate entry under this service.
const keyringService = "chatmux"

// StoreKeyring saves a provider's API key to the OS keyring.
func StoreKeyring(providerID, value string) error {
	return keyring.Set(keyringService, providerID, value)
}

// GetKeyring retrieves a provider's API key from the OS keyring.
// Returns empty string if not found.
func GetKeyring(providerID string) string {
	val, err := keyring.Get(keyringService, providerID)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a provider's API key from the OS keyring.
func DeleteKeyring(providerID string) error {
	return keyring.Delete(keyringService, providerID)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__chatmux_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}
