// Package crypto holds the hashing used to spread recipients over
// delivery lanes.
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// LaneIndex maps a user id onto one of n delivery lanes.
// The same id always lands on the same lane for a given n.
func LaneIndex(userID uint64, n int) int {
	if n <= 1 {
		return 0
	}

	var key [8]byte
	binary.BigEndian.PutUint64(key[:], userID)

	sum := blake2b.Sum256(key[:])
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}
