package blockchain

import (
	"context"

	"chain-ingest/models"
)

const (
	// CurrentHeaderVersion is the only header version accepted by ChainRules
	CurrentHeaderVersion uint16 = 0

	// DefaultMaxContentSize bounds the contents of a block
	DefaultMaxContentSize uint32 = 1 << 20
)

// Validator checks a header against the state of its resolved parent
type Validator interface {
	Validate(ctx context.Context, header *models.Header, parent *Ref) error
}

// ChainRules is the default header rule set. Leader eligibility and proof
// verification are left to other validators.
type ChainRules struct {
	MaxContentSize uint32
}

// DefaultChainRules returns the rules with the default limits
func DefaultChainRules() ChainRules {
	return ChainRules{MaxContentSize: DefaultMaxContentSize}
}

// Validate returns the first rule the header violates
func (r ChainRules) Validate(_ context.Context, header *models.Header, parent *Ref) error {
	switch {
	case parent == nil, header.Parent != parent.Hash():
		return ErrParentMismatch
	case header.ChainLength != parent.ChainLength()+1:
		return ErrChainLengthNotSequential
	case !header.Date.After(parent.Date()):
		return ErrDateNotIncreasing
	case header.Version != CurrentHeaderVersion:
		return ErrUnsupportedVersion
	case header.ContentSize > r.MaxContentSize:
		return ErrContentTooLarge
	}
	return nil
}
