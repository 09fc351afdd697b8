package collab

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionIDFor derives the stable session key for a document path. Every join
// against the same path lands in the same session.
func SessionIDFor(documentPath string) string {
	sum := sha256.Sum256([]byte(documentPath))
	return hex.EncodeToString(sum[:8])
}

// NewMutationID returns the ID stamped on an accepted mutation. ULIDs sort by
// creation time, which keeps history dumps and log lines readable.
func NewMutationID() string {
	return ulid.Make().String()
}

// NewGuestID returns a user ID for joins that did not carry one.
func NewGuestID() string {
	return "guest-" + uuid.NewString()[:8]
}
