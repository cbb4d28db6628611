package instances

import (
	"log/slog"
)

const redacted = "[REDACTED]"

// EncryptionService seals credentials for storage and opens them for use.
// *crypto.CredentialCipher implements it.
type EncryptionService interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// Credentials are the decrypted secrets of one instance. They live for the
// duration of a single operation and print as redacted in logs and fmt output.
type Credentials struct {
	InstanceID string
	URL        string
	Database   string
	Username   string

	password    string
	odooShToken string
}

// Password returns the admin password
func (c *Credentials) Password() string { return c.password }

// OdooShToken returns the Odoo.sh API token, empty when none is stored
func (c *Credentials) OdooShToken() string { return c.odooShToken }

func (c *Credentials) String() string {
	return "Credentials{instance=" + c.InstanceID + " user=" + c.Username + " password=" + redacted + "}"
}

// GoString keeps %#v from dumping the secret fields
func (c *Credentials) GoString() string { return c.String() }

// LogValue implements slog.LogValuer
func (c *Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("instance_id", c.InstanceID),
		slog.String("username", c.Username),
		slog.String("password", redacted),
	)
}
