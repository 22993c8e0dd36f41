package es

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// streamIDBytes is the truncated digest length: the size of a 12-byte object id.
const streamIDBytes = 12

// StreamIDFor derives the stream address of an aggregate.
//
// The identifier is the SHA-256 digest of the length-prefixed aggregateType
// followed by aggregateID, truncated to 12 bytes and hex encoded. The prefix
// keeps ("Order", "1") and ("Orde", "r1") apart. Any process computing it
// for the same aggregate gets the same stream, so no lookup table is needed and
// concurrent writers to one aggregate collide on the same (stream, version).
func StreamIDFor(aggregateType, aggregateID string) string {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(aggregateType)))

	h := sha256.New()
	h.Write(size[:])
	h.Write([]byte(aggregateType))
	h.Write([]byte(aggregateID))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:streamIDBytes])
}
