package driven

import "errors"

// ErrVaultKeyNotSet is returned by Vault operations when no encryption key
// has been configured.
var ErrVaultKeyNotSet = errors.New("encryption key not configured: set REVIEWDESK_SECRET_KEY")

// Vault defines the driven port for credential encryption. The core stores
// only the opaque blob and decrypts on demand, immediately before an
// outgoing call.
type Vault interface {
	Encrypt(plaintext string) (blob string, err error)
	Decrypt(blob string) (plaintext string, err error)
}
