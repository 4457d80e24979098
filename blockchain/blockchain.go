package blockchain

import (
	"context"
	"sync"

	"chain-ingest/models"
	"chain-ingest/repository"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultRefCacheSize is the number of resolved refs kept in memory
const DefaultRefCacheSize = 1024

// Options tunes a Blockchain. Zero values select the defaults.
type Options struct {
	RefCacheSize int
	Validator    Validator
	Logger       *zap.Logger
}

// Blockchain is the chain index. It classifies, validates and applies
// blocks on top of a block repository. Reads may run concurrently; block
// application is serialized by the index itself.
type Blockchain struct {
	repo      repository.BlockRepositoryInterface
	validator Validator
	refs      *lru.Cache[models.HeaderHash, *Ref]
	logger    *zap.Logger

	mux     sync.Mutex // single writer for ApplyBlock
	genesis *Ref
	main    *Branch
}

// NewBlockchain opens the chain index stored in repo. An empty repository is
// initialized with the genesis block.
func NewBlockchain(repo repository.BlockRepositoryInterface, genesis *models.Block, opts Options) (*Blockchain, error) {
	if opts.RefCacheSize <= 0 {
		opts.RefCacheSize = DefaultRefCacheSize
	}
	if opts.Validator == nil {
		opts.Validator = DefaultChainRules()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if !genesis.Header.IsGenesis() {
		return nil, errors.Errorf("block %s is not a genesis block", genesis.Hash())
	}

	refs, err := lru.New[models.HeaderHash, *Ref](opts.RefCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating ref cache")
	}

	c := &Blockchain{
		repo:      repo,
		validator: opts.Validator,
		refs:      refs,
		logger:    opts.Logger,
	}

	genesisHash := genesis.Hash()
	present, err := repo.HasBlock(genesisHash)
	if err != nil {
		return nil, err
	}
	if !present {
		c.logger.Info("Initializing chain index with genesis block",
			zap.Stringer("hash", genesisHash))
		tip := &repository.BranchTip{Name: MainBranch, Hash: genesisHash}
		if err := repo.PutBlock(genesis, tip); err != nil {
			return nil, err
		}
	}
	c.genesis = newRef(&genesis.Header)
	c.refs.Add(genesisHash, c.genesis)

	tip, err := repo.GetBranchTip(MainBranch)
	if errors.Is(err, repository.ErrBranchNotFound) {
		c.logger.Warn("Main branch tip missing, resetting it to genesis")
		tip = &repository.BranchTip{Name: MainBranch, Hash: genesisHash}
		err = repo.PutBranchTip(tip)
	}
	if err != nil {
		return nil, err
	}
	tipRef, err := c.GetRef(context.Background(), tip.Hash)
	if err != nil {
		return nil, errors.Wrap(err, "resolving main branch tip")
	}
	c.main = newBranch(MainBranch, tipRef)

	c.logger.Info("Chain index ready",
		zap.Stringer("tip", tipRef.Hash()),
		zap.Uint32("chain_length", tipRef.ChainLength()))
	return c, nil
}

// Genesis returns the ref of the first block
func (c *Blockchain) Genesis() *Ref {
	return c.genesis
}

// MainBranch returns the branch tracking the longest applied chain
func (c *Blockchain) MainBranch() *Branch {
	return c.main
}

// GetRef resolves the ref of an admitted block
func (c *Blockchain) GetRef(ctx context.Context, hash models.HeaderHash) (*Ref, error) {
	if ref, ok := c.refs.Get(hash); ok {
		return ref, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	block, err := c.repo.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	ref := newRef(&block.Header)
	c.refs.Add(hash, ref)
	return ref, nil
}

// GetBlock loads an admitted block with its contents
func (c *Blockchain) GetBlock(ctx context.Context, hash models.HeaderHash) (*models.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.repo.GetBlock(hash)
}

func (c *Blockchain) has(hash models.HeaderHash) (bool, error) {
	if c.refs.Contains(hash) {
		return true, nil
	}
	return c.repo.HasBlock(hash)
}

// PreCheckHeader classifies the header against the index. It never writes.
func (c *Blockchain) PreCheckHeader(ctx context.Context, header *models.Header) (PreCheckedHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	present, err := c.has(header.Hash())
	if err != nil {
		return nil, err
	}
	if present {
		return &AlreadyPresent{Header: header}, nil
	}

	parentRef, err := c.GetRef(ctx, header.Parent)
	if errors.Is(err, ErrBlockNotFound) {
		return &MissingParent{Header: header}, nil
	}
	if err != nil {
		return nil, err
	}
	return &HeaderWithCache{Header: header, ParentRef: parentRef}, nil
}

// PostCheckHeader validates the header against the state of its parent
func (c *Blockchain) PostCheckHeader(ctx context.Context, header *models.Header, parent *Ref) (*PostCheckedHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := header.Hash()
	if parent == nil {
		return nil, &ValidationError{Hash: hash, Err: ErrParentMismatch}
	}
	if err := c.validator.Validate(ctx, header, parent); err != nil {
		return nil, &ValidationError{Hash: hash, Err: err}
	}
	return &PostCheckedHeader{header: *header, hash: hash, parent: parent}, nil
}

// ApplyBlock durably adds a validated block to the index and returns its
// ref. The block and the main branch tip are written in one batch, so on
// failure the index is left exactly as it was.
func (c *Blockchain) ApplyBlock(ctx context.Context, checked *PostCheckedHeader, block *models.Block) (*Ref, error) {
	hash := block.Hash()
	if checked == nil || checked.hash != hash {
		return nil, &ApplyError{Hash: hash, Err: ErrPostCheckMismatch}
	}
	if checked.parent == nil || block.Header.Parent != checked.parent.Hash() {
		return nil, &ApplyError{Hash: hash, Err: ErrParentMismatch}
	}
	if block.ContentHash() != block.Header.ContentHash || block.ContentSize() != block.Header.ContentSize {
		return nil, &ApplyError{Hash: hash, Err: ErrContentHashMismatch}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mux.Lock()
	defer c.mux.Unlock()

	present, err := c.has(hash)
	if err != nil {
		return nil, &ApplyError{Hash: hash, Err: err}
	}
	if present {
		return c.GetRef(ctx, hash)
	}
	parentPresent, err := c.has(block.Header.Parent)
	if err != nil {
		return nil, &ApplyError{Hash: hash, Err: err}
	}
	if !parentPresent {
		return nil, &ApplyError{Hash: hash, Err: &MissingParentError{Header: &block.Header}}
	}

	ref := newRef(&block.Header)
	var tip *repository.BranchTip
	if ref.ChainLength() > c.main.Tip().ChainLength() {
		tip = &repository.BranchTip{Name: c.main.Name(), Hash: hash}
	}
	if err := c.repo.PutBlock(block, tip); err != nil {
		return nil, &ApplyError{Hash: hash, Err: err}
	}
	c.refs.Add(hash, ref)
	if tip != nil {
		c.main.setTip(ref)
		c.logger.Debug("Advanced main branch",
			zap.Stringer("tip", hash), zap.Uint32("chain_length", ref.ChainLength()))
	}
	return ref, nil
}

// GetCheckpoints returns hashes of the chain ending at tip, newest first: the
// tip, its ancestors at distance 1, 2, 4, 8 and so on, and finally genesis.
func (c *Blockchain) GetCheckpoints(ctx context.Context, tip models.HeaderHash) ([]models.HeaderHash, error) {
	cur, err := c.GetRef(ctx, tip)
	if err != nil {
		return nil, err
	}
	checkpoints := []models.HeaderHash{cur.Hash()}
	tipLength := cur.ChainLength()

	var distance uint32 = 1
	for cur.ChainLength() > 0 {
		next := uint32(0)
		if distance < tipLength {
			next = tipLength - distance
		}
		for cur.ChainLength() > next {
			cur, err = c.GetRef(ctx, cur.Header().Parent)
			if err != nil {
				return nil, errors.Wrapf(err, "walking ancestors of %s", tip)
			}
		}
		checkpoints = append(checkpoints, cur.Hash())
		distance *= 2
	}
	return checkpoints, nil
}
