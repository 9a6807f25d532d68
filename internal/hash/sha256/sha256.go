// Package sha256 provides payload digests.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/JakeFAU/statcache/internal/statcache"
)

// Hasher implements statcache.Hasher using SHA-256.
type Hasher struct{}

var _ statcache.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. Valid JSON is compacted first, so
// two payloads differing only in whitespace share a digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		data = compact.Bytes()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
