package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashFunc names the 256-bit hash used to digest blocks.
type HashFunc string

const (
	SHA256   HashFunc = "sha256"
	SHA3_256 HashFunc = "sha3-256"
)

// DefaultHash is used when Options.Hash is empty.
const DefaultHash = SHA256

// DigestSize is the byte length of every digest; hex form is twice that.
const DigestSize = 32

// ParseHashFunc accepts a case-insensitive hash name. The empty string
// selects DefaultHash.
func ParseHashFunc(s string) (HashFunc, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sha256", "sha-256":
		return SHA256, nil
	case "sha3-256", "sha3", "sha3_256":
		return SHA3_256, nil
	default:
		return "", validationErrorf("unknown hash function %q", s)
	}
}

// New returns a fresh hash.Hash for h.
func (h HashFunc) New() hash.Hash {
	switch h {
	case SHA3_256:
		return sha3.New256()
	default:
		return sha256.New()
	}
}

// Sum hashes data with h.
func (h HashFunc) Sum(data []byte) [DigestSize]byte {
	if h == SHA3_256 {
		return sha3.Sum256(data)
	}
	return sha256.Sum256(data)
}

func (h HashFunc) String() string {
	if h == "" {
		return string(DefaultHash)
	}
	return string(h)
}

func (h HashFunc) valid() bool {
	return h == SHA256 || h == SHA3_256
}

// leadingZeroNibbles counts leading zero hex symbols of a raw digest.
func leadingZeroNibbles(sum []byte) int {
	n := 0
	for _, b := range sum {
		if b == 0 {
			n += 2
			continue
		}
		if b&0xf0 == 0 {
			n++
		}
		break
	}
	return n
}

// MeetsDifficulty reports whether a hex digest starts with d zero symbols.
// d <= 0 is always met.
func MeetsDifficulty(digest string, d int) bool {
	if d <= 0 {
		return true
	}
	if len(digest) < d {
		return false
	}
	for i := 0; i < d; i++ {
		if digest[i] != '0' {
			return false
		}
	}
	return true
}

// decodeDigest parses a 64-char hex digest.
func decodeDigest(s string) ([DigestSize]byte, error) {
	var out [DigestSize]byte
	if len(s) != hex.EncodedLen(DigestSize) {
		return out, fmt.Errorf("digest must be %d hex characters", hex.EncodedLen(DigestSize))
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, fmt.Errorf("digest: %w", err)
	}
	return out, nil
}

// DecodeDigest parses a hex digest into raw bytes.
func DecodeDigest(s string) ([DigestSize]byte, error) {
	out, err := decodeDigest(strings.ToLower(s))
	if err != nil {
		return out, validationErrorf("%v", err)
	}
	return out, nil
}
