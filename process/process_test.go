package process

import (
	"context"
	"sync/atomic"
	"testing"

	"chain-ingest/blockchain"
	"chain-ingest/db"
	"chain-ingest/intercom"
	"chain-ingest/models"
	"chain-ingest/repository"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// countingChain records calls made against the real chain index and can
// override checkpoints or fail application.
type countingChain struct {
	*blockchain.Blockchain
	preChecks   atomic.Int32
	applies     atomic.Int32
	applyErr    error
	checkpoints []models.HeaderHash
}

func (c *countingChain) PreCheckHeader(ctx context.Context, header *models.Header) (blockchain.PreCheckedHeader, error) {
	c.preChecks.Add(1)
	return c.Blockchain.PreCheckHeader(ctx, header)
}

func (c *countingChain) ApplyBlock(ctx context.Context, checked *blockchain.PostCheckedHeader, block *models.Block) (*blockchain.Ref, error) {
	c.applies.Add(1)
	if c.applyErr != nil {
		return nil, &blockchain.ApplyError{Hash: block.Hash(), Err: c.applyErr}
	}
	return c.Blockchain.ApplyBlock(ctx, checked, block)
}

func (c *countingChain) GetCheckpoints(ctx context.Context, tip models.HeaderHash) ([]models.HeaderHash, error) {
	if c.checkpoints != nil {
		return c.checkpoints, nil
	}
	return c.Blockchain.GetCheckpoints(ctx, tip)
}

type testEnv struct {
	chain     *countingChain
	box       *intercom.MessageBox
	metrics   *Metrics
	processor *Processor
}

func newTestEnv(t *testing.T, outboxCapacity int) *testEnv {
	ldb, err := db.NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })

	logger := zaptest.NewLogger(t)
	index, err := blockchain.NewBlockchain(repository.NewBlockRepository(ldb), models.NewGenesisBlock(0),
		blockchain.Options{Logger: logger})
	require.NoError(t, err)

	env := &testEnv{
		chain:   &countingChain{Blockchain: index},
		box:     intercom.NewMessageBox(outboxCapacity),
		metrics: NopMetrics(),
	}
	env.processor = New(env.chain, env.box, logger, env.metrics)
	return env
}

func (e *testEnv) drain() []intercom.NetworkMsg {
	var msgs []intercom.NetworkMsg
	for e.box.Len() > 0 {
		msgs = append(msgs, <-e.box.Messages())
	}
	return msgs
}

func nextBlock(parent *models.Header, payload string) *models.Block {
	date := models.BlockDate{Epoch: parent.Date.Epoch, Slot: parent.Date.Slot + 1}
	return models.NewBlock(parent, date, "leader", []byte(payload))
}

// mint applies a block on top of parent through the leadership flow
func (e *testEnv) mint(t *testing.T, parent *blockchain.Ref, payload string) (*models.Block, *blockchain.Ref) {
	block := nextBlock(parent.Header(), payload)
	ref, err := e.processor.ProcessLeadershipBlock(context.Background(), block, parent)
	require.NoError(t, err)
	return block, ref
}

func TestProcessLeadershipBlockSkipsClassification(t *testing.T) {
	env := newTestEnv(t, 4)
	genesis := env.chain.Genesis()

	block, ref := env.mint(t, genesis, "minted")
	require.Equal(t, block.Hash(), ref.Hash())
	require.Zero(t, env.chain.preChecks.Load())
	require.Equal(t, int32(1), env.chain.applies.Load())
	require.True(t, env.chain.MainBranch().Tip().Equal(ref))
	require.Empty(t, env.drain())
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.BlocksApplied.WithLabelValues(sourceLeadership)))
}

func TestProcessLeadershipBlockValidationFailure(t *testing.T) {
	env := newTestEnv(t, 4)
	genesis := env.chain.Genesis()
	block := nextBlock(genesis.Header(), "stale")
	block.Header.Date = genesis.Date()

	_, err := env.processor.ProcessLeadershipBlock(context.Background(), block, genesis)
	var validationErr *blockchain.ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.ErrorIs(t, err, blockchain.ErrDateNotIncreasing)
	require.NotErrorIs(t, err, blockchain.ErrMissingParentBlockFromStorage)
	require.Zero(t, env.chain.applies.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.BlocksRejected.WithLabelValues(sourceLeadership, "validation")))
}

func TestProcessLeadershipBlockWithoutParent(t *testing.T) {
	env := newTestEnv(t, 4)
	block := nextBlock(env.chain.Genesis().Header(), "orphaned")

	_, err := env.processor.ProcessLeadershipBlock(context.Background(), block, nil)
	require.Error(t, err)
	require.Zero(t, env.chain.applies.Load())
}

func TestProcessNetworkBlockAlreadyPresent(t *testing.T) {
	env := newTestEnv(t, 4)
	block, _ := env.mint(t, env.chain.Genesis(), "known")
	applies := env.chain.applies.Load()

	require.NoError(t, env.processor.ProcessNetworkBlock(context.Background(), block))
	require.Equal(t, applies, env.chain.applies.Load())
	require.Empty(t, env.drain())
}

func TestProcessNetworkBlockMissingParent(t *testing.T) {
	env := newTestEnv(t, 4)
	unknownParent := nextBlock(env.chain.Genesis().Header(), "unknown")
	orphan := nextBlock(&unknownParent.Header, "orphan")

	err := env.processor.ProcessNetworkBlock(context.Background(), orphan)
	require.ErrorIs(t, err, blockchain.ErrMissingParentBlockFromStorage)
	var missing *blockchain.MissingParentError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, orphan.Hash(), missing.Header.Hash())

	require.Zero(t, env.chain.applies.Load())
	require.Empty(t, env.drain())
}

func TestProcessNetworkBlockAppliesAndPropagates(t *testing.T) {
	env := newTestEnv(t, 4)
	block := nextBlock(env.chain.Genesis().Header(), "pushed")

	require.NoError(t, env.processor.ProcessNetworkBlock(context.Background(), block))
	require.Equal(t, int32(1), env.chain.applies.Load())
	require.Equal(t, block.Hash(), env.chain.MainBranch().Tip().Hash())

	msgs := env.drain()
	require.Len(t, msgs, 1)
	require.Equal(t, intercom.PropagateHeader{Header: block.Header}, msgs[0])
}

func TestProcessNetworkBlockApplyFailureLeavesIndexUnchanged(t *testing.T) {
	env := newTestEnv(t, 4)
	env.chain.applyErr = errors.New("ledger rejected block")
	block := nextBlock(env.chain.Genesis().Header(), "failing")

	err := env.processor.ProcessNetworkBlock(context.Background(), block)
	var applyErr *blockchain.ApplyError
	require.True(t, errors.As(err, &applyErr))
	require.Empty(t, env.drain())

	preChecked, err := env.chain.PreCheckHeader(context.Background(), &block.Header)
	require.NoError(t, err)
	require.IsType(t, &blockchain.HeaderWithCache{}, preChecked)
	require.True(t, env.chain.MainBranch().Tip().Equal(env.chain.Genesis()))
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.BlocksRejected.WithLabelValues(sourceNetwork, "apply")))
}

func TestProcessBlockAnnouncementAlreadyPresent(t *testing.T) {
	env := newTestEnv(t, 4)
	block, _ := env.mint(t, env.chain.Genesis(), "known")

	err := env.processor.ProcessBlockAnnouncement(context.Background(), env.chain.MainBranch(), &block.Header, "peer-1")
	require.NoError(t, err)
	require.Empty(t, env.drain())
}

func TestProcessBlockAnnouncementMissingParentPullsHeaders(t *testing.T) {
	env := newTestEnv(t, 4)
	c1 := models.HashBytes([]byte("checkpoint-1"))
	c2 := models.HashBytes([]byte("checkpoint-2"))
	env.chain.checkpoints = []models.HeaderHash{c1, c2}

	unknownParent := nextBlock(env.chain.Genesis().Header(), "unknown")
	announced := nextBlock(&unknownParent.Header, "announced")

	err := env.processor.ProcessBlockAnnouncement(context.Background(), env.chain.MainBranch(), &announced.Header, "peer-1")
	require.NoError(t, err)

	msgs := env.drain()
	require.Len(t, msgs, 1)
	require.Equal(t, intercom.PullHeaders{
		NodeID: "peer-1",
		From:   []models.HeaderHash{c1, c2},
		To:     announced.Hash(),
	}, msgs[0])
}

func TestProcessBlockAnnouncementUsesBranchCheckpoints(t *testing.T) {
	env := newTestEnv(t, 4)
	_, ref := env.mint(t, env.chain.Genesis(), "one")
	_, ref = env.mint(t, ref, "two")

	orphan := nextBlock(&nextBlock(ref.Header(), "unknown").Header, "orphan")
	err := env.processor.ProcessBlockAnnouncement(context.Background(), env.chain.MainBranch(), &orphan.Header, "peer-2")
	require.NoError(t, err)

	expected, err := env.chain.GetCheckpoints(context.Background(), ref.Hash())
	require.NoError(t, err)
	msgs := env.drain()
	require.Len(t, msgs, 1)
	pull, ok := msgs[0].(intercom.PullHeaders)
	require.True(t, ok, "expected PullHeaders, got %T", msgs[0])
	require.Equal(t, expected, pull.From)
	require.Equal(t, ref.Hash(), pull.From[0])
	require.Equal(t, env.chain.Genesis().Hash(), pull.From[len(pull.From)-1])
}

func TestProcessBlockAnnouncementKnownParentRequestsBlock(t *testing.T) {
	env := newTestEnv(t, 4)
	announced := nextBlock(env.chain.Genesis().Header(), "announced")

	err := env.processor.ProcessBlockAnnouncement(context.Background(), env.chain.MainBranch(), &announced.Header, "peer-1")
	require.NoError(t, err)

	msgs := env.drain()
	require.Len(t, msgs, 1)
	require.Equal(t, intercom.GetNextBlock{NodeID: "peer-1", Hash: announced.Hash()}, msgs[0])
	require.Zero(t, env.chain.applies.Load())
}

func TestProcessBlockAnnouncementToleratesFullOutbox(t *testing.T) {
	env := newTestEnv(t, 1)
	filler := intercom.GetNextBlock{NodeID: "peer-0"}
	require.NoError(t, env.box.TrySend(filler))

	announced := nextBlock(env.chain.Genesis().Header(), "announced")
	err := env.processor.ProcessBlockAnnouncement(context.Background(), env.chain.MainBranch(), &announced.Header, "peer-1")
	require.NoError(t, err)

	require.Equal(t, []intercom.NetworkMsg{filler}, env.drain())
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsDropped.WithLabelValues("get_next_block")))
}

func TestProcessBlockAnnouncementToleratesClosedOutbox(t *testing.T) {
	env := newTestEnv(t, 1)
	env.box.Close()

	unknownParent := nextBlock(env.chain.Genesis().Header(), "unknown")
	announced := nextBlock(&unknownParent.Header, "announced")
	err := env.processor.ProcessBlockAnnouncement(context.Background(), env.chain.MainBranch(), &announced.Header, "peer-1")
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestsDropped.WithLabelValues("pull_headers")))
}

func TestProcessChainHeadersPreservesOrder(t *testing.T) {
	env := newTestEnv(t, 4)
	h1, ref := env.mint(t, env.chain.Genesis(), "h1")
	h2 := nextBlock(ref.Header(), "h2")
	h3 := nextBlock(ref.Header(), "h3")

	hashes, err := env.processor.ProcessChainHeadersIntoBlockRequest(context.Background(),
		[]*models.Header{&h1.Header, &h2.Header, &h3.Header})
	require.NoError(t, err)
	require.Equal(t, []models.HeaderHash{h2.Hash(), h3.Hash()}, hashes)
	require.Equal(t, 1.0, testutil.ToFloat64(env.metrics.PreCheckOutcomes.WithLabelValues("already_present")))
	require.Equal(t, 2.0, testutil.ToFloat64(env.metrics.PreCheckOutcomes.WithLabelValues("header_with_cache")))
}

func TestProcessChainHeadersStopsAtOrphanKeepingProgress(t *testing.T) {
	env := newTestEnv(t, 4)
	h1 := nextBlock(env.chain.Genesis().Header(), "h1")
	h2 := nextBlock(&h1.Header, "h2")
	h3 := nextBlock(env.chain.Genesis().Header(), "h3")

	hashes, err := env.processor.ProcessChainHeadersIntoBlockRequest(context.Background(),
		[]*models.Header{&h1.Header, &h2.Header, &h3.Header})
	require.ErrorIs(t, err, blockchain.ErrMissingParentBlockFromStorage)
	var missing *blockchain.MissingParentError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, h2.Hash(), missing.Header.Hash())

	// h1 was classified before the failure and is kept; h3 is never reached
	require.Equal(t, []models.HeaderHash{h1.Hash()}, hashes)
	require.Equal(t, int32(2), env.chain.preChecks.Load())
}

func TestProcessChainHeadersOrphanFirst(t *testing.T) {
	env := newTestEnv(t, 4)
	unknownParent := nextBlock(env.chain.Genesis().Header(), "unknown")
	orphan := nextBlock(&unknownParent.Header, "orphan")

	hashes, err := env.processor.ProcessChainHeadersIntoBlockRequest(context.Background(),
		[]*models.Header{&orphan.Header})
	require.ErrorIs(t, err, blockchain.ErrMissingParentBlockFromStorage)
	require.Empty(t, hashes)
}

func TestProcessChainHeadersRejectsNilEntry(t *testing.T) {
	env := newTestEnv(t, 4)
	h1 := nextBlock(env.chain.Genesis().Header(), "h1")

	hashes, err := env.processor.ProcessChainHeadersIntoBlockRequest(context.Background(),
		[]*models.Header{&h1.Header, nil})
	require.ErrorIs(t, err, ErrNilHeader)
	require.Equal(t, []models.HeaderHash{h1.Hash()}, hashes)
}

func TestProcessChainHeadersCanceled(t *testing.T) {
	env := newTestEnv(t, 4)
	h1 := nextBlock(env.chain.Genesis().Header(), "h1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hashes, err := env.processor.ProcessChainHeadersIntoBlockRequest(ctx, []*models.Header{&h1.Header})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, hashes)
}

func TestRequestBlocks(t *testing.T) {
	env := newTestEnv(t, 4)
	a := models.HashBytes([]byte("a"))
	b := models.HashBytes([]byte("b"))

	env.processor.RequestBlocks("peer-1", []models.HeaderHash{a, b})
	require.Equal(t, []intercom.NetworkMsg{
		intercom.GetNextBlock{NodeID: "peer-1", Hash: a},
		intercom.GetNextBlock{NodeID: "peer-1", Hash: b},
	}, env.drain())
	require.Equal(t, 2.0, testutil.ToFloat64(env.metrics.RequestsSent.WithLabelValues("get_next_block")))
}
