package meshnet

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
	"github.com/zeebo/blake3"
)

// Digest returns the blake3-256 hex digest of data, used to populate
// FileInfo.Sha256 (named for wire compatibility, not the hash family)
// and to fingerprint a chunk before it is split into shards.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// FECShardSet is the output of encoding a chunk for forward error
// correction: DataShards carry the payload, and the ParityShards parity
// shards let up to ParityShards missing shards of either kind be
// reconstructed. Chunk assembly
// and disk I/O are out of scope (spec Non-goals); this only produces
// and verifies shards so an adapter's unreliable transport can carry
// fileChunk payloads redundantly.
type FECShardSet struct {
	DataShards   [][]byte
	ParityShards int
	ShardSize    int
}

// EncodeShards splits data into dataShardCount equal shards padded with
// zeroes, then computes parityShardCount parity shards via Reed-Solomon.
// Returns the full shard set (data shards first, parity shards appended).
func EncodeShards(data []byte, dataShardCount, parityShardCount int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShardCount, parityShardCount)
	if err != nil {
		return nil, fmt.Errorf("meshnet: fec: new encoder: %w", err)
	}

	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("meshnet: fec: split: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("meshnet: fec: encode: %w", err)
	}
	return shards, nil
}

// ReconstructShards fills in any nil entries of shards (a shard lost in
// transit) using Reed-Solomon parity, then verifies the result. shards
// must be the same (dataShardCount+parityShardCount)-length slice
// EncodeShards produced, with lost shards set to nil.
func ReconstructShards(shards [][]byte, dataShardCount, parityShardCount int) error {
	enc, err := reedsolomon.New(dataShardCount, parityShardCount)
	if err != nil {
		return fmt.Errorf("meshnet: fec: new encoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("meshnet: fec: reconstruct: %w", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return fmt.Errorf("meshnet: fec: verify: %w", err)
	}
	if !ok {
		return fmt.Errorf("meshnet: fec: reconstructed shards failed verification")
	}
	return nil
}
