package node

import (
	"encoding/binary"

	"github.com/arosloff/streamlet-transparency-logging/src/common"
)

// Leader returns the index, in [0, n), of the validator entitled to propose
// in the given epoch. It hashes the epoch number so that leadership hops
// around the validator set rather than rotating predictably, while every
// correctly configured node still computes the same leader with no
// communication.
func Leader(epoch uint64, n int) int {
	if n <= 0 {
		return 0
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, epoch)

	return int(common.Hash32(buf) % uint32(n))
}
