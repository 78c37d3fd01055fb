package checksum

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Prefix tags every digest with its algorithm.
const Prefix = "blake3:"

// Sum returns the prefixed hex-encoded BLAKE3-256 digest of data.
func Sum(data []byte) string {
	h := blake3.Sum256(data)
	return Prefix + hex.EncodeToString(h[:])
}

// Short trims the prefix and truncates the digest for log output.
func Short(sum string) string {
	s := strings.TrimPrefix(sum, Prefix)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
