package meshnet

import (
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ContentID computes a CIDv1 (raw codec, blake3-256 multihash) for the
// given bytes, giving file announcements a content-addressed identity
// that survives across peers without a central naming authority.
func ContentID(data []byte) (cid.Cid, error) {
	sum := Digest(data)
	raw, err := hex.DecodeString(sum)
	if err != nil {
		return cid.Undef, fmt.Errorf("meshnet: cid: decode digest: %w", err)
	}

	mh, err := multihash.Encode(raw, multihash.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("meshnet: cid: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// CID computes fi's content identifier from its Sha256 digest field
// (populated by whoever announced the file; named for wire
// compatibility even though the digest itself is blake3).
func (fi FileInfo) CID() (cid.Cid, error) {
	if fi.Sha256 == "" {
		return cid.Undef, fmt.Errorf("meshnet: cid: file %q has no digest", fi.ID)
	}
	raw, err := hex.DecodeString(fi.Sha256)
	if err != nil || len(raw) != 32 {
		return cid.Undef, fmt.Errorf("meshnet: cid: file %q digest is not 32 hex-encoded bytes", fi.ID)
	}
	mh, err := multihash.Encode(raw, multihash.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("meshnet: cid: encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}
