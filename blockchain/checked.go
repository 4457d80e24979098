package blockchain

import (
	"fmt"

	"chain-ingest/models"
)

// PreCheckedHeader is the outcome of classifying a header against the chain
// index. It is one of *AlreadyPresent, *MissingParent or *HeaderWithCache.
type PreCheckedHeader interface {
	// CheckedHeader returns the header that was classified
	CheckedHeader() *models.Header
	preChecked()
}

// AlreadyPresent means the header hash exists in the index
type AlreadyPresent struct {
	Header *models.Header
}

// MissingParent means the header's parent is not in the index
type MissingParent struct {
	Header *models.Header
}

// HeaderWithCache means the parent is known and resolved
type HeaderWithCache struct {
	Header    *models.Header
	ParentRef *Ref
}

func (p *AlreadyPresent) CheckedHeader() *models.Header  { return p.Header }
func (p *MissingParent) CheckedHeader() *models.Header   { return p.Header }
func (p *HeaderWithCache) CheckedHeader() *models.Header { return p.Header }

func (*AlreadyPresent) preChecked()  {}
func (*MissingParent) preChecked()   {}
func (*HeaderWithCache) preChecked() {}

// MatchPreChecked calls the handler for the variant of p. Every variant has
// its own handler, so adding one breaks all callers at compile time.
func MatchPreChecked[T any](
	p PreCheckedHeader,
	onPresent func(*AlreadyPresent) (T, error),
	onMissingParent func(*MissingParent) (T, error),
	onCache func(*HeaderWithCache) (T, error),
) (T, error) {
	switch v := p.(type) {
	case *AlreadyPresent:
		return onPresent(v)
	case *MissingParent:
		return onMissingParent(v)
	case *HeaderWithCache:
		return onCache(v)
	}
	panic(fmt.Sprintf("unknown pre-checked header %T", p))
}

// PostCheckedHeader proves that a header passed validation against its
// parent. Only the chain index can create one, and ApplyBlock requires it.
type PostCheckedHeader struct {
	header models.Header
	hash   models.HeaderHash
	parent *Ref
}

func (p *PostCheckedHeader) Header() *models.Header {
	h := p.header
	return &h
}

func (p *PostCheckedHeader) Hash() models.HeaderHash {
	return p.hash
}
