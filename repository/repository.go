package repository

import (
	"encoding/json"

	"chain-ingest/db"
	"chain-ingest/models"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	blockPrefix  = "block:"
	branchPrefix = "branch:"
)

// ErrBlockNotFound is returned when a block is not in the store
var ErrBlockNotFound = errors.New("block not found")

// ErrBranchNotFound is returned when no tip has been stored for a branch
var ErrBranchNotFound = errors.New("branch not found")

// BranchTip names the block a branch points to
type BranchTip struct {
	Name string            `json:"name"`
	Hash models.HeaderHash `json:"hash"`
}

// It abstracts the storage layer from the chain index
type BlockRepositoryInterface interface {
	// PutBlock stores the block and, when tip is not nil, moves the branch
	// tip in the same atomic write
	PutBlock(block *models.Block, tip *BranchTip) error
	GetBlock(hash models.HeaderHash) (*models.Block, error)
	HasBlock(hash models.HeaderHash) (bool, error)
	PutBranchTip(tip *BranchTip) error
	GetBranchTip(name string) (*BranchTip, error)
}

// BlockRepository implements the BlockRepositoryInterface using LevelDB as the storage backend
type BlockRepository struct {
	db *db.LevelDB
}

// NewBlockRepository creates and returns a new BlockRepository instance
func NewBlockRepository(db *db.LevelDB) *BlockRepository {
	return &BlockRepository{db: db}
}

func blockKey(hash models.HeaderHash) []byte {
	return append([]byte(blockPrefix), hash[:]...)
}

func branchKey(name string) []byte {
	return []byte(branchPrefix + name)
}

// PutBlock stores a block in the LevelDB storage
func (r *BlockRepository) PutBlock(block *models.Block, tip *BranchTip) error {
	data, err := json.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "encoding block")
	}
	batch := new(leveldb.Batch)
	batch.Put(blockKey(block.Hash()), data)
	if tip != nil {
		tipData, err := json.Marshal(tip)
		if err != nil {
			return errors.Wrap(err, "encoding branch tip")
		}
		batch.Put(branchKey(tip.Name), tipData)
	}
	return errors.Wrapf(r.db.Write(batch), "writing block %s", block.Hash())
}

// GetBlock retrieves a block from LevelDB storage by its hash
func (r *BlockRepository) GetBlock(hash models.HeaderHash) (*models.Block, error) {
	data, err := r.db.Get(blockKey(hash))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, errors.Wrapf(ErrBlockNotFound, "block %s", hash)
		}
		return nil, errors.Wrapf(err, "reading block %s", hash)
	}
	var block models.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, errors.Wrapf(err, "decoding block %s", hash)
	}
	return &block, nil
}

// HasBlock reports whether a block is stored without decoding it
func (r *BlockRepository) HasBlock(hash models.HeaderHash) (bool, error) {
	ok, err := r.db.Has(blockKey(hash))
	return ok, errors.Wrapf(err, "looking up block %s", hash)
}

// PutBranchTip moves a branch tip on its own
func (r *BlockRepository) PutBranchTip(tip *BranchTip) error {
	data, err := json.Marshal(tip)
	if err != nil {
		return errors.Wrap(err, "encoding branch tip")
	}
	return r.db.Put(branchKey(tip.Name), data)
}

// GetBranchTip retrieves the stored tip of a branch
func (r *BlockRepository) GetBranchTip(name string) (*BranchTip, error) {
	data, err := r.db.Get(branchKey(name))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, errors.Wrapf(ErrBranchNotFound, "branch %q", name)
		}
		return nil, errors.Wrapf(err, "reading branch %q", name)
	}
	var tip BranchTip
	if err := json.Unmarshal(data, &tip); err != nil {
		return nil, errors.Wrapf(err, "decoding branch %q", name)
	}
	return &tip, nil
}
