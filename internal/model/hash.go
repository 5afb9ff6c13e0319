package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// contentHash mirrors catalog_snapshots.go's hashSchema: hash the fields
// that determine whether a tool's embedding needs to be recomputed.
func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
