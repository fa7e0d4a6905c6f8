package keyring

import "errors"

var (
	// ErrIntegrity is returned when AES-GCM authentication of a storage
	// block fails. No plaintext is returned alongside it.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrMasterKeyRequired is returned when a persisted key is wrapped but
	// the keyring was built without a master key.
	ErrMasterKeyRequired = errors.New("data encryption key is wrapped; master key required")
)
