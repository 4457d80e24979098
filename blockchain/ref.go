package blockchain

import (
	"sync"

	"chain-ingest/models"
)

// MainBranch is the name of the branch the chain index tracks
const MainBranch = "main"

// Ref is a handle to a block admitted into the chain index. It is immutable
// and safe to share.
type Ref struct {
	hash   models.HeaderHash
	header models.Header
}

func newRef(header *models.Header) *Ref {
	return &Ref{hash: header.Hash(), header: *header}
}

func (r *Ref) Hash() models.HeaderHash {
	return r.hash
}

// Header returns a copy of the admitted header
func (r *Ref) Header() *models.Header {
	h := r.header
	return &h
}

func (r *Ref) ChainLength() uint32 {
	return r.header.ChainLength
}

func (r *Ref) Date() models.BlockDate {
	return r.header.Date
}

// Equal reports whether both refs denote the same admitted block
func (r *Ref) Equal(other *Ref) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.hash == other.hash
}

// Branch is a named pointer to a chain tip
type Branch struct {
	name string
	mux  sync.RWMutex
	tip  *Ref
}

func newBranch(name string, tip *Ref) *Branch {
	return &Branch{name: name, tip: tip}
}

func (b *Branch) Name() string {
	return b.name
}

// Tip returns the block the branch currently points to
func (b *Branch) Tip() *Ref {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return b.tip
}

func (b *Branch) setTip(tip *Ref) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.tip = tip
}
