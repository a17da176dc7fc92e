// Package checksum computes SHA-256 digests for stored objects. Uploads stamp
// the digest into object metadata under MetadataKey so later reads and the
// storage self-check can verify content without trusting provider ETags, which
// are MD5 or multipart-composite values depending on the backend.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// MetadataKey is the object metadata key holding the hex SHA-256 of the content
const MetadataKey = "sha256"

// Sum returns the hex SHA-256 of an in-memory buffer
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CalculateSHA256 streams reader through SHA-256 and returns the hex digest
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 reports whether the content of reader hashes to expected
func VerifySHA256(reader io.Reader, expected string) (bool, error) {
	actual, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actual == expected, nil
}
