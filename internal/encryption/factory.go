package encryption

import (
	"fmt"

	"ccsync/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// A nil Encryptor means bundles are stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
