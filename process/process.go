package process

import (
	"context"

	"chain-ingest/blockchain"
	"chain-ingest/intercom"
	"chain-ingest/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Sources of incoming blocks, used as metric labels
const (
	sourceLeadership   = "leadership"
	sourceAnnouncement = "announcement"
	sourceNetwork      = "network"
	sourceHeaders      = "headers"
)

// Chain is the chain index the pipeline runs against
type Chain interface {
	PreCheckHeader(ctx context.Context, header *models.Header) (blockchain.PreCheckedHeader, error)
	PostCheckHeader(ctx context.Context, header *models.Header, parent *blockchain.Ref) (*blockchain.PostCheckedHeader, error)
	ApplyBlock(ctx context.Context, checked *blockchain.PostCheckedHeader, block *models.Block) (*blockchain.Ref, error)
	GetCheckpoints(ctx context.Context, tip models.HeaderHash) ([]models.HeaderHash, error)
}

// ErrNilHeader is returned for an empty entry in a header batch
var ErrNilHeader = errors.New("nil header in batch")

// Outbox accepts requests for the networking task without blocking
type Outbox interface {
	TrySend(msg intercom.NetworkMsg) error
}

// Processor runs incoming headers and blocks through classification,
// validation and application. It holds no lock of its own; concurrent calls
// are serialized where needed by the chain index.
type Processor struct {
	chain   Chain
	outbox  Outbox
	logger  *zap.Logger
	metrics *Metrics
}

// New creates a Processor. A nil metrics disables reporting.
func New(chain Chain, outbox Outbox, logger *zap.Logger, metrics *Metrics) *Processor {
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Processor{
		chain:   chain,
		outbox:  outbox,
		logger:  logger,
		metrics: metrics,
	}
}

// ProcessLeadershipBlock validates and applies a block minted by this node.
// The parent comes from the leadership task, which only builds on chains it
// already tracks, so classification is skipped. Never use it for blocks from
// the network.
func (p *Processor) ProcessLeadershipBlock(ctx context.Context, block *models.Block, parent *blockchain.Ref) (*blockchain.Ref, error) {
	if parent == nil {
		return nil, errors.Errorf("leadership block %s has no parent ref", block.Hash())
	}
	logger := p.logger.With(zap.String("source", sourceLeadership), zap.Stringer("hash", block.Hash()))

	ref, err := p.postCheckAndApply(ctx, block, parent, sourceLeadership)
	if err != nil {
		logger.Warn("Rejected leadership block", zap.Error(err))
		return nil, err
	}
	logger.Info("Applied leadership block", zap.Uint32("chain_length", ref.ChainLength()))
	return ref, nil
}

// ProcessBlockAnnouncement decides what to ask the announcing peer for. An
// unknown parent triggers a header pull anchored at the branch checkpoints; a
// known parent triggers a request for the block itself.
func (p *Processor) ProcessBlockAnnouncement(ctx context.Context, branch *blockchain.Branch, header *models.Header, nodeID models.NodeID) error {
	logger := p.logger.With(zap.String("source", sourceAnnouncement),
		zap.Stringer("hash", header.Hash()), zap.String("node_id", string(nodeID)))

	preChecked, err := p.preCheck(ctx, header)
	if err != nil {
		return err
	}
	_, err = blockchain.MatchPreChecked(preChecked,
		func(*blockchain.AlreadyPresent) (struct{}, error) {
			logger.Debug("Block is already present")
			return struct{}{}, nil
		},
		func(missing *blockchain.MissingParent) (struct{}, error) {
			logger.Debug("Block is missing a locally stored parent")
			from, err := p.chain.GetCheckpoints(ctx, branch.Tip().Hash())
			if err != nil {
				return struct{}{}, errors.Wrapf(err, "resolving checkpoints of branch %q", branch.Name())
			}
			p.dispatch(intercom.PullHeaders{NodeID: nodeID, From: from, To: missing.Header.Hash()}, logger)
			return struct{}{}, nil
		},
		func(cached *blockchain.HeaderWithCache) (struct{}, error) {
			logger.Debug("Announced block has a locally stored parent, fetching it")
			p.dispatch(intercom.GetNextBlock{NodeID: nodeID, Hash: cached.Header.Hash()}, logger)
			return struct{}{}, nil
		},
	)
	return err
}

// ProcessNetworkBlock applies a block pushed by a peer. A block whose parent
// is unknown fails with a *blockchain.MissingParentError; recovering the
// missing ancestors is left to the announcement flow.
func (p *Processor) ProcessNetworkBlock(ctx context.Context, block *models.Block) error {
	logger := p.logger.With(zap.String("source", sourceNetwork), zap.Stringer("hash", block.Hash()))

	preChecked, err := p.preCheck(ctx, &block.Header)
	if err != nil {
		return err
	}
	_, err = blockchain.MatchPreChecked(preChecked,
		func(*blockchain.AlreadyPresent) (struct{}, error) {
			logger.Debug("Block is already present")
			return struct{}{}, nil
		},
		func(missing *blockchain.MissingParent) (struct{}, error) {
			logger.Debug("Block is missing a locally stored parent")
			p.metrics.BlocksRejected.WithLabelValues(sourceNetwork, "missing_parent").Inc()
			return struct{}{}, &blockchain.MissingParentError{Header: missing.Header}
		},
		func(cached *blockchain.HeaderWithCache) (struct{}, error) {
			ref, err := p.postCheckAndApply(ctx, block, cached.ParentRef, sourceNetwork)
			if err != nil {
				logger.Warn("Rejected network block", zap.Error(err))
				return struct{}{}, err
			}
			logger.Debug("Block successfully applied", zap.Uint32("chain_length", ref.ChainLength()))
			p.dispatch(intercom.PropagateHeader{Header: *ref.Header()}, logger)
			return struct{}{}, nil
		},
	)
	return err
}

// ProcessChainHeadersIntoBlockRequest classifies headers received in answer to
// a header pull and returns, in input order, the hashes whose blocks should be
// fetched next. Headers already present are skipped. A header with an unknown
// parent stops processing with a *blockchain.MissingParentError; the hashes
// collected before it are returned together with the error.
func (p *Processor) ProcessChainHeadersIntoBlockRequest(ctx context.Context, headers []*models.Header) ([]models.HeaderHash, error) {
	logger := p.logger.With(zap.String("source", sourceHeaders), zap.Int("headers", len(headers)))

	hashes := make([]models.HeaderHash, 0, len(headers))
	for i, header := range headers {
		if header == nil {
			return hashes, errors.Wrapf(ErrNilHeader, "header %d", i)
		}
		preChecked, err := p.preCheck(ctx, header)
		if err != nil {
			return hashes, err
		}
		request, err := blockchain.MatchPreChecked(preChecked,
			func(*blockchain.AlreadyPresent) (bool, error) {
				// the peer may have started from a checkpoint older than our tip
				return false, nil
			},
			func(missing *blockchain.MissingParent) (bool, error) {
				p.metrics.BlocksRejected.WithLabelValues(sourceHeaders, "missing_parent").Inc()
				return false, &blockchain.MissingParentError{Header: missing.Header}
			},
			func(*blockchain.HeaderWithCache) (bool, error) {
				return true, nil
			},
		)
		if err != nil {
			logger.Debug("Stopped processing headers",
				zap.Int("requested", len(hashes)), zap.Error(err))
			return hashes, err
		}
		if request {
			hashes = append(hashes, header.Hash())
		}
	}
	logger.Debug("Processed headers", zap.Int("requested", len(hashes)))
	return hashes, nil
}

// RequestBlocks asks the peer for the full blocks of the given hashes
func (p *Processor) RequestBlocks(nodeID models.NodeID, hashes []models.HeaderHash) {
	logger := p.logger.With(zap.String("node_id", string(nodeID)))
	for _, hash := range hashes {
		p.dispatch(intercom.GetNextBlock{NodeID: nodeID, Hash: hash}, logger)
	}
}

func (p *Processor) preCheck(ctx context.Context, header *models.Header) (blockchain.PreCheckedHeader, error) {
	preChecked, err := p.chain.PreCheckHeader(ctx, header)
	if err != nil {
		return nil, errors.Wrapf(err, "pre-checking header %s", header.Hash())
	}
	outcome, _ := blockchain.MatchPreChecked(preChecked,
		func(*blockchain.AlreadyPresent) (string, error) { return "already_present", nil },
		func(*blockchain.MissingParent) (string, error) { return "missing_parent", nil },
		func(*blockchain.HeaderWithCache) (string, error) { return "header_with_cache", nil },
	)
	p.metrics.PreCheckOutcomes.WithLabelValues(outcome).Inc()
	return preChecked, nil
}

func (p *Processor) postCheckAndApply(ctx context.Context, block *models.Block, parent *blockchain.Ref, source string) (*blockchain.Ref, error) {
	checked, err := p.chain.PostCheckHeader(ctx, &block.Header, parent)
	if err != nil {
		p.metrics.BlocksRejected.WithLabelValues(source, rejectReason(err)).Inc()
		return nil, err
	}
	ref, err := p.chain.ApplyBlock(ctx, checked, block)
	if err != nil {
		p.metrics.BlocksRejected.WithLabelValues(source, rejectReason(err)).Inc()
		return nil, err
	}
	p.metrics.BlocksApplied.WithLabelValues(source).Inc()
	return ref, nil
}

// dispatch hands msg to the networking task. A full or closed outbox drops
// the request; a later announcement will trigger it again.
func (p *Processor) dispatch(msg intercom.NetworkMsg, logger *zap.Logger) {
	if err := p.outbox.TrySend(msg); err != nil {
		p.metrics.RequestsDropped.WithLabelValues(msg.Kind()).Inc()
		logger.Error("Cannot send request to network",
			zap.String("kind", msg.Kind()), zap.Error(err))
		return
	}
	p.metrics.RequestsSent.WithLabelValues(msg.Kind()).Inc()
}

func rejectReason(err error) string {
	var validationErr *blockchain.ValidationError
	var applyErr *blockchain.ApplyError
	switch {
	case errors.As(err, &validationErr):
		return "validation"
	case errors.As(err, &applyErr):
		return "apply"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
