package filesync

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	checksumPrefix = "sha256:"
	// EmptyChecksum identifies zero-length content.
	EmptyChecksum = checksumPrefix + "empty"
	// UnknownChecksum marks notes discovered remotely whose content was never read.
	UnknownChecksum = "unknown"
)

// Checksum returns a stable content fingerprint in the form sha256:<hex>.
func Checksum(content string) string {
	if content == "" {
		return EmptyChecksum
	}
	sum := sha256.Sum256([]byte(content))
	return checksumPrefix + hex.EncodeToString(sum[:])
}
