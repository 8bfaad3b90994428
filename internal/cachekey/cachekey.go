package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
)

const delimiter = "-"

// DefaultVersion segregates entries written by this gateway from entries
// written by other cache clients that share the same backend.
var DefaultVersion = func() string {
	sum := sha256.Sum256([]byte("gha-cache-gateway"))

	return hex.EncodeToString(sum[:])
}()

// Generate returns a fresh key for every upload attempt,
// so a retried upload never collides with an earlier one.
func Generate(prefix string) string {
	return fmt.Sprintf("%s%s%d", prefix, delimiter, rand.Uint32())
}
