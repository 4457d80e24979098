package models

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the size in bytes of a HeaderHash
const HashSize = blake2b.Size256

// HeaderHash uniquely identifies a header and the block it belongs to
type HeaderHash [HashSize]byte

// ZeroHash is the parent hash carried by the genesis header
var ZeroHash HeaderHash

// HashBytes returns the blake2b-256 digest of data as a HeaderHash
func HashBytes(data []byte) HeaderHash {
	return HeaderHash(blake2b.Sum256(data))
}

// ParseHeaderHash decodes a hex encoded hash
func ParseHeaderHash(s string) (HeaderHash, error) {
	var h HeaderHash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return ZeroHash, err
	}
	return h, nil
}

func (h HeaderHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash
func (h HeaderHash) IsZero() bool {
	return h == ZeroHash
}

func (h HeaderHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HeaderHash) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(HashSize) {
		return errors.Errorf("invalid hash length %d, expected %d hex characters",
			len(text), hex.EncodedLen(HashSize))
	}
	if _, err := hex.Decode(h[:], text); err != nil {
		return errors.Wrap(err, "invalid hash encoding")
	}
	return nil
}
