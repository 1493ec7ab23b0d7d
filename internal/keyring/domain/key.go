package domain

import (
	"time"

	"github.com/google/uuid"
)

// Key is an encrypted vault entry. The engine never sees plaintext: Value is
// ciphertext under the user's master key.
type Key struct {
	ID        uuid.UUID
	UserID    string
	CreatedAt time.Time
	Version   int64
	Value     string
	Labels    []string
}

// KeyContent is the client-supplied body of a key.
type KeyContent struct {
	Value  string
	Labels []string
}

// KeyPatch replaces the content of one key, e.g. when the master key is
// rotated and every entry is re-encrypted.
type KeyPatch struct {
	ID      uuid.UUID
	Content KeyContent
}
