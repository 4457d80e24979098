package models

import (
	"encoding/binary"
	"fmt"
)

// NodeID identifies the remote peer a header or block arrived from
type NodeID string

// BlockDate orders blocks by epoch, then by slot within the epoch
type BlockDate struct {
	Epoch uint32 `json:"epoch"`
	Slot  uint32 `json:"slot"`
}

// After reports whether d is strictly later than other
func (d BlockDate) After(other BlockDate) bool {
	if d.Epoch != other.Epoch {
		return d.Epoch > other.Epoch
	}
	return d.Slot > other.Slot
}

func (d BlockDate) String() string {
	return fmt.Sprintf("%d.%d", d.Epoch, d.Slot)
}

type Header struct {
	Version     uint16     `json:"version"`      // header format version
	Parent      HeaderHash `json:"parent"`       // hash of the parent header
	ChainLength uint32     `json:"chain_length"` // number of ancestors, genesis is 0
	Date        BlockDate  `json:"date"`         // slot the block was minted for
	ContentHash HeaderHash `json:"content_hash"` // digest of the block contents
	ContentSize uint32     `json:"content_size"` // total size of the contents in bytes
	Leader      NodeID     `json:"leader"`       // node that minted the block
}

// Hash computes the identifier of the header from its canonical encoding
func (h *Header) Hash() HeaderHash {
	return HashBytes(h.encode())
}

func (h *Header) encode() []byte {
	buf := make([]byte, 0, 2+HashSize+4+8+HashSize+4+4+len(h.Leader))
	buf = binary.BigEndian.AppendUint16(buf, h.Version)
	buf = append(buf, h.Parent[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.ChainLength)
	buf = binary.BigEndian.AppendUint32(buf, h.Date.Epoch)
	buf = binary.BigEndian.AppendUint32(buf, h.Date.Slot)
	buf = append(buf, h.ContentHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.ContentSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Leader)))
	buf = append(buf, h.Leader...)
	return buf
}

// IsGenesis reports whether the header starts a chain
func (h *Header) IsGenesis() bool {
	return h.ChainLength == 0 && h.Parent.IsZero()
}

type Block struct {
	Header   Header   `json:"header"`
	Contents [][]byte `json:"contents"` // opaque ledger fragments
}

// NewBlock builds a block on top of parent, filling in the content commitment
func NewBlock(parent *Header, date BlockDate, leader NodeID, contents ...[]byte) *Block {
	b := &Block{
		Header: Header{
			Parent:      parent.Hash(),
			ChainLength: parent.ChainLength + 1,
			Date:        date,
			Leader:      leader,
		},
		Contents: contents,
	}
	b.Header.ContentHash = b.ContentHash()
	b.Header.ContentSize = b.ContentSize()
	return b
}

// NewGenesisBlock builds the first block of a chain
func NewGenesisBlock(epoch uint32) *Block {
	b := &Block{Header: Header{Date: BlockDate{Epoch: epoch}}}
	b.Header.ContentHash = b.ContentHash()
	return b
}

// Hash returns the hash of the block header
func (b *Block) Hash() HeaderHash {
	return b.Header.Hash()
}

// ContentHash computes the commitment over the block contents
func (b *Block) ContentHash() HeaderHash {
	var buf []byte
	for _, fragment := range b.Contents {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(fragment)))
		buf = append(buf, fragment...)
	}
	return HashBytes(buf)
}

// ContentSize returns the total size of the contents in bytes
func (b *Block) ContentSize() uint32 {
	var size uint32
	for _, fragment := range b.Contents {
		size += uint32(len(fragment))
	}
	return size
}
