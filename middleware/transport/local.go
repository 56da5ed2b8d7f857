package transport

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/utils/merr"
)

// LocalHub connects transports living in one process. It backs single
// process deployments and tests.
type LocalHub struct {
	mu    sync.RWMutex
	nodes map[middleware.NodeID]*LocalTransport
	down  map[middleware.NodeID]bool
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		nodes: make(map[middleware.NodeID]*LocalTransport),
		down:  make(map[middleware.NodeID]bool),
	}
}

// Join creates the transport of node id. A node joining again replaces the
// previous instance, as a restarted process would.
func (h *LocalHub) Join(id middleware.NodeID) *LocalTransport {
	t := &LocalTransport{hub: h, id: id}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[id] = t
	delete(h.down, id)
	return t
}

// Disconnect makes id unreachable until it joins again.
func (h *LocalHub) Disconnect(id middleware.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[id] = true
}

func (h *LocalHub) lookup(id middleware.NodeID) (*LocalTransport, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[id]
	if !ok || h.down[id] || !t.started() {
		return nil, errors.Wrapf(merr.ErrNodeUnreachable, "node %d", id)
	}
	return t, nil
}

// LocalTransport is the Transport of one node of a LocalHub.
type LocalTransport struct {
	hub *LocalHub
	id  middleware.NodeID

	mu      sync.RWMutex
	control *controlLoop
	inbox   *inbox
	closed  bool
}

var _ Transport = (*LocalTransport)(nil)

func (t *LocalTransport) MyID() middleware.NodeID {
	return t.id
}

func (t *LocalTransport) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.control != nil {
		return errors.Newf("transport of node %d already started", t.id)
	}
	t.control = newControlLoop(h)
	t.inbox = newInbox(h.HandleData)
	return nil
}

func (t *LocalTransport) started() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.control != nil && !t.closed
}

func (t *LocalTransport) SendShortMessage(ctx context.Context, to middleware.NodeID, msg *ControlMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	peer, err := t.hub.lookup(to)
	if err != nil {
		return err
	}
	copied := *msg
	copied.NodeID = t.id
	return peer.control.enqueue(&copied)
}

func (t *LocalTransport) SendData(to middleware.NodeID, d exchange.Data) error {
	peer, err := t.hub.lookup(to)
	if err != nil {
		return err
	}
	peer.inbox.push(d)
	return nil
}

// Writable reports false while the receiver has paused reads of ch. Data sent
// anyway is queued at the receiver.
func (t *LocalTransport) Writable(to middleware.NodeID, ch exchange.ChannelID, wake func()) bool {
	peer, err := t.hub.lookup(to)
	if err != nil {
		return true
	}
	return peer.inbox.writable(ch, wake)
}

func (t *LocalTransport) PauseRead(ch exchange.ChannelID) {
	if t.started() {
		t.inbox.pause(ch)
	}
}

func (t *LocalTransport) ResumeRead(ch exchange.ChannelID) {
	if t.started() {
		t.inbox.resume(ch)
	}
}

// IsPaused reports whether reads of ch are paused.
func (t *LocalTransport) IsPaused(ch exchange.ChannelID) bool {
	return t.started() && t.inbox.isPaused(ch)
}

func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if t.closed || t.control == nil {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	control := t.control
	t.mu.Unlock()
	control.stop()
	return nil
}
