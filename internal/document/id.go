package document

import (
	"strings"

	"github.com/google/uuid"
)

// idLength matches the 16 character document IDs of the host system.
const idLength = 16

// NewID returns a random 16 character alphanumeric document ID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}
