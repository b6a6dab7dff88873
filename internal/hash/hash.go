package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes shared by every supported algorithm.
const Size = 32

// ZeroHash is the all-zero digest used as the genesis sentinel.
var ZeroHash = strings.Repeat("0", Size*2)

// Algorithm names a 256-bit collision-resistant digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	Blake2b256 Algorithm = "blake2b_256"
)

// Parse maps a configured algorithm name to an Algorithm. An empty name selects SHA256.
func Parse(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", SHA256:
		return SHA256, nil
	case Blake2b256:
		return Blake2b256, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s (valid options: sha256, blake2b_256)", name)
	}
}

func (a Algorithm) Sum(data []byte) [Size]byte {
	switch a {
	case Blake2b256:
		return blake2b.Sum256(data)
	default:
		return sha256.Sum256(data)
	}
}

// Hex returns the lowercase hex digest of data.
func (a Algorithm) Hex(data []byte) string {
	sum := a.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HexString is Hex over the UTF-8 bytes of s.
func (a Algorithm) HexString(s string) string {
	return a.Hex([]byte(s))
}

func (a Algorithm) String() string {
	return string(a)
}

// IsDigest reports whether s is a lowercase hex encoding of a Size-byte digest.
func IsDigest(s string) bool {
	if len(s) != Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
