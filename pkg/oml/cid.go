package oml

import (
	"crypto/subtle"
	"encoding/base32"

	"github.com/zeebo/blake3"
)

// Multihash prefix for BLAKE3-256: code 0x1e, digest length 0x20.
var multihashPrefix = []byte{0x1e, 0x20}

var base32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// CID returns the content-addressed identifier for canonical bytes b:
// base32-lowercase over the multihash-prefixed BLAKE3-256 digest.
func CID(b []byte) string {
	sum := blake3.Sum256(b)
	raw := make([]byte, 0, len(multihashPrefix)+len(sum))
	raw = append(raw, multihashPrefix...)
	raw = append(raw, sum[:]...)
	return base32Lower.EncodeToString(raw)
}

// CIDForValue encodes v canonically and returns its CID.
func CIDForValue(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return CID(b), nil
}

// VerifyCID reports whether cid matches the bytes b, in constant time over
// the identifier comparison.
func VerifyCID(cid string, b []byte) bool {
	computed := CID(b)
	if len(computed) != len(cid) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(cid)) == 1
}

// Sum256 exposes the raw BLAKE3-256 digest used by the CID and by the
// transform-receipt linkage hash.
func Sum256(b []byte) [32]byte {
	return blake3.Sum256(b)
}
