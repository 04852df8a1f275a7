// Package sha256 computes content hashes for stored opportunities and
// archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/funding-pipeline/internal/pipeline"
)

var _ pipeline.Hasher = (*Hasher)(nil)

// Hasher implements pipeline.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. It never fails.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
