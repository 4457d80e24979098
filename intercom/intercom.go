package intercom

import (
	"fmt"
	"sync"

	"chain-ingest/models"

	"github.com/pkg/errors"
)

var (
	// ErrMailboxFull is returned by TrySend when the box is at capacity
	ErrMailboxFull = errors.New("message box is full")

	// ErrMailboxClosed is returned by TrySend after Close
	ErrMailboxClosed = errors.New("message box is closed")
)

// NetworkMsg is a request to the networking task. It is one of PullHeaders,
// GetNextBlock or PropagateHeader.
type NetworkMsg interface {
	// Kind names the request for logs and metrics
	Kind() string
	networkMsg()
}

// PullHeaders asks a peer for the headers between the newest known
// checkpoint in From and To.
type PullHeaders struct {
	NodeID models.NodeID
	From   []models.HeaderHash
	To     models.HeaderHash
}

// GetNextBlock asks a peer for the full block of a header
type GetNextBlock struct {
	NodeID models.NodeID
	Hash   models.HeaderHash
}

// PropagateHeader relays a newly applied header to the other peers
type PropagateHeader struct {
	Header models.Header
}

func (PullHeaders) Kind() string     { return "pull_headers" }
func (GetNextBlock) Kind() string    { return "get_next_block" }
func (PropagateHeader) Kind() string { return "propagate_header" }

func (PullHeaders) networkMsg()     {}
func (GetNextBlock) networkMsg()    {}
func (PropagateHeader) networkMsg() {}

func (m PullHeaders) String() string {
	return fmt.Sprintf("PullHeaders(node=%s, from=%d checkpoints, to=%s)", m.NodeID, len(m.From), m.To)
}

func (m GetNextBlock) String() string {
	return fmt.Sprintf("GetNextBlock(node=%s, hash=%s)", m.NodeID, m.Hash)
}

func (m PropagateHeader) String() string {
	return fmt.Sprintf("PropagateHeader(hash=%s)", m.Header.Hash())
}

// MessageBox is a bounded outbound queue. Sends never block: they either
// enqueue immediately or fail.
type MessageBox struct {
	mux    sync.RWMutex
	ch     chan NetworkMsg
	closed bool
}

// NewMessageBox creates a box holding at most capacity pending messages
func NewMessageBox(capacity int) *MessageBox {
	return &MessageBox{ch: make(chan NetworkMsg, capacity)}
}

// TrySend enqueues msg without waiting
func (b *MessageBox) TrySend(msg NetworkMsg) error {
	b.mux.RLock()
	defer b.mux.RUnlock()
	if b.closed {
		return ErrMailboxClosed
	}
	select {
	case b.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Messages returns the receiving side, drained by the networking task. It is
// closed by Close.
func (b *MessageBox) Messages() <-chan NetworkMsg {
	return b.ch
}

// Len returns the number of pending messages
func (b *MessageBox) Len() int {
	return len(b.ch)
}

// Close stops accepting messages. Pending messages can still be received.
func (b *MessageBox) Close() {
	b.mux.Lock()
	defer b.mux.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
