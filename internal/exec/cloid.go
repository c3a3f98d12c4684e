package exec

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewClientOrderID returns a random 128-bit id in the 0x-prefixed hex form
// the exchange accepts as cloid.
func NewClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
