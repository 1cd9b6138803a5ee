package testutil

import (
	"ccsync/internal/encryption"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() encryption.Encryptor {
	return encryption.NewTestEncryptor()
}
