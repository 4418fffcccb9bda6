// Package integrity checks that the document about to be signed is the one
// the caller approved.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrIntegrityMismatch means the document digest differs from the expected
// value, or the expected value is not a SHA-256 hex digest.
var ErrIntegrityMismatch = errors.New("document digest does not match the expected value")

// Digest is a SHA-256 document digest.
type Digest [sha256.Size]byte

// String returns the lowercase hex form.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Sum computes the digest of data.
func Sum(data []byte) Digest { return sha256.Sum256(data) }

// Verify computes the SHA-256 of data and compares it with expectedHex.
// An empty expectation skips the comparison. Hex case is ignored and the
// comparison runs in constant time.
func Verify(data []byte, expectedHex string) (Digest, error) {
	actual := Sum(data)
	expectedHex = strings.TrimSpace(expectedHex)
	if expectedHex == "" {
		return actual, nil
	}
	if len(expectedHex) != 2*sha256.Size {
		return actual, fmt.Errorf("%w: expected value has %d characters, not %d", ErrIntegrityMismatch, len(expectedHex), 2*sha256.Size)
	}
	expected, err := hex.DecodeString(strings.ToLower(expectedHex))
	if err != nil {
		return actual, fmt.Errorf("%w: expected value is not hexadecimal", ErrIntegrityMismatch)
	}
	if subtle.ConstantTimeCompare(actual[:], expected) != 1 {
		return actual, fmt.Errorf("%w: got %s", ErrIntegrityMismatch, actual)
	}
	return actual, nil
}

// Load reads the file once and verifies it. The returned buffer is the
// copy every later stage works on.
func Load(path, expectedHex string) ([]byte, Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Digest{}, err
	}
	d, err := Verify(data, expectedHex)
	if err != nil {
		return nil, d, err
	}
	return data, d, nil
}
