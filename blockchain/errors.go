package blockchain

import (
	"fmt"

	"chain-ingest/models"
	"chain-ingest/repository"

	"github.com/pkg/errors"
)

// ErrMissingParentBlockFromStorage signifies that a header's parent is not
// known locally at a point where the flow requires it.
var ErrMissingParentBlockFromStorage = errors.New("missing parent block from storage")

// ErrBlockNotFound is returned when a hash is not in the chain index
var ErrBlockNotFound = repository.ErrBlockNotFound

// Header rule violations, wrapped in a ValidationError
var (
	ErrParentMismatch           = errors.New("header parent does not match the resolved parent")
	ErrChainLengthNotSequential = errors.New("chain length is not one more than the parent's")
	ErrDateNotIncreasing        = errors.New("block date is not after the parent's")
	ErrUnsupportedVersion       = errors.New("unsupported header version")
	ErrContentTooLarge          = errors.New("block content exceeds the maximum size")
)

// Block application failures, wrapped in an ApplyError
var (
	ErrContentHashMismatch = errors.New("block contents do not match the header commitment")
	ErrPostCheckMismatch   = errors.New("post-checked header does not belong to the block")
)

// MissingParentError carries the header whose parent is unknown
type MissingParentError struct {
	Header *models.Header
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("%s: header %s, parent %s",
		ErrMissingParentBlockFromStorage, e.Header.Hash(), e.Header.Parent)
}

func (e *MissingParentError) Is(target error) bool {
	return target == ErrMissingParentBlockFromStorage
}

// ValidationError is a consensus rule violation found during post-check.
// The header is rejected.
type ValidationError struct {
	Hash models.HeaderHash
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("header %s failed validation: %s", e.Hash, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ApplyError is a ledger or storage failure while applying a block. The
// chain index is unchanged when it is returned.
type ApplyError struct {
	Hash models.HeaderHash
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying block %s: %s", e.Hash, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}
