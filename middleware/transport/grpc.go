package transport

import (
	"container/list"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/utils/merr"
)

const (
	serviceName   = "linkflow.Transport"
	controlMethod = "/linkflow.Transport/Control"
	dataMethod    = "/linkflow.Transport/Data"
)

type transportServer interface {
	Control(ctx context.Context, msg *ControlMessage) (*Ack, error)
	Data(ctx context.Context, d *exchange.Data) (*Ack, error)
}

func controlHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ControlMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Control(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: controlMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Control(ctx, req.(*ControlMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func dataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(exchange.Data)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Data(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: dataMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Data(ctx, req.(*exchange.Data))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Control", Handler: controlHandler},
		{MethodName: "Data", Handler: dataHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "linkflow/transport",
}

const (
	defaultSendWindow = 16
	defaultPauseWait  = 500 * time.Millisecond
)

// GRPCConfig configures a GRPCTransport.
type GRPCConfig struct {
	NodeID      middleware.NodeID
	Listen      Endpoint
	Peers       map[middleware.NodeID]Endpoint
	CallTimeout time.Duration
	// SendWindow is how many batches of one channel may wait for the
	// receiver before the channel stops being writable.
	SendWindow int
	// PauseWait is how long the receiver holds data of a paused channel
	// before refusing it.
	PauseWait time.Duration
}

type senderKey struct {
	to middleware.NodeID
	ch exchange.ChannelID
}

// GRPCTransport is a Transport over grpc unary calls with a JSON codec.
type GRPCTransport struct {
	cfg      GRPCConfig
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	sending  sync.WaitGroup

	mu      sync.Mutex
	peers   map[middleware.NodeID]Endpoint
	conns   map[middleware.NodeID]*grpc.ClientConn
	senders map[senderKey]*channelSender
	control *controlLoop
	inbox   *inbox
	closed  bool
}

var _ Transport = (*GRPCTransport)(nil)

func NewGRPCTransport(cfg GRPCConfig) *GRPCTransport {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = defaultSendWindow
	}
	if cfg.PauseWait <= 0 {
		cfg.PauseWait = defaultPauseWait
	}
	if cfg.PauseWait >= cfg.CallTimeout {
		cfg.PauseWait = cfg.CallTimeout / 2
	}
	peers := make(map[middleware.NodeID]Endpoint, len(cfg.Peers))
	for id, e := range cfg.Peers {
		peers[id] = e
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCTransport{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		peers:   peers,
		conns:   make(map[middleware.NodeID]*grpc.ClientConn),
		senders: make(map[senderKey]*channelSender),
	}
}

func (t *GRPCTransport) MyID() middleware.NodeID {
	return t.cfg.NodeID
}

// Addr is the address actually listened on, valid after Start.
func (t *GRPCTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *GRPCTransport) Start(h Handler) error {
	lis, err := listen(t.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.cfg.Listen)
	}
	t.mu.Lock()
	t.listener = lis
	t.control = newControlLoop(h)
	t.inbox = newInbox(h.HandleData)
	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Warn("transport server stopped", zap.Int32("node", t.cfg.NodeID), zap.Error(err))
		}
	}()
	log.Info("transport listening", zap.Int32("node", t.cfg.NodeID), zap.Stringer("addr", lis.Addr()))
	return nil
}

// SetPeer adds or replaces the endpoint of a node.
func (t *GRPCTransport) SetPeer(id middleware.NodeID, e Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.peers[id]; ok && old == e {
		return
	}
	t.peers[id] = e
	if conn, ok := t.conns[id]; ok {
		_ = conn.Close()
		delete(t.conns, id)
	}
}

func (t *GRPCTransport) Control(ctx context.Context, msg *ControlMessage) (*Ack, error) {
	if err := t.control.enqueue(msg); err != nil {
		return nil, err
	}
	return &Ack{OK: true}, nil
}

// Data holds data of a paused channel for up to PauseWait, then refuses it.
func (t *GRPCTransport) Data(ctx context.Context, d *exchange.Data) (*Ack, error) {
	if !t.inbox.accept(ctx, *d, t.cfg.PauseWait) {
		return &Ack{Paused: true}, nil
	}
	return &Ack{OK: true}, nil
}

func (t *GRPCTransport) conn(ctx context.Context, to middleware.NodeID) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	if conn, ok := t.conns[to]; ok {
		return conn, nil
	}
	e, ok := t.peers[to]
	if !ok {
		return nil, errors.Mark(errors.Wrapf(merr.ErrUnknownNode, "no endpoint for node %d", to), merr.ErrNodeUnreachable)
	}
	conn, err := dial(ctx, e, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "dial node %d", to), merr.ErrNodeUnreachable)
	}
	t.conns[to] = conn
	return conn, nil
}

func (t *GRPCTransport) invoke(ctx context.Context, to middleware.NodeID, method string, req interface{}) (*Ack, error) {
	conn, err := t.conn(ctx, to)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()
	ack := new(Ack)
	if err := conn.Invoke(ctx, method, req, ack); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "call %s on node %d", method, to), merr.ErrNodeUnreachable)
	}
	return ack, nil
}

func (t *GRPCTransport) SendShortMessage(ctx context.Context, to middleware.NodeID, msg *ControlMessage) error {
	copied := *msg
	copied.NodeID = t.cfg.NodeID
	_, err := t.invoke(ctx, to, controlMethod, &copied)
	return err
}

// Broadcast sends msg to every node of to and waits for all deliveries. A
// failed delivery does not cancel the others.
func Broadcast(ctx context.Context, t Transport, to []middleware.NodeID, msg *ControlMessage) error {
	var g errgroup.Group
	for _, id := range to {
		id := id
		g.Go(func() error {
			return t.SendShortMessage(ctx, id, msg)
		})
	}
	return g.Wait()
}

// SendData queues d behind the data of its channel. It blocks only while the
// channel holds four windows of data, which a caller honoring Writable never
// reaches.
func (t *GRPCTransport) SendData(to middleware.NodeID, d exchange.Data) error {
	key := senderKey{to: to, ch: d.Channel}
	for {
		s, err := t.channelSender(key)
		if err != nil {
			return err
		}
		queued, err := s.push(d)
		if err != nil || queued {
			return err
		}
	}
}

// Writable reports whether fewer than SendWindow batches of ch wait for to.
func (t *GRPCTransport) Writable(to middleware.NodeID, ch exchange.ChannelID, wake func()) bool {
	t.mu.Lock()
	s, ok := t.senders[senderKey{to: to, ch: ch}]
	t.mu.Unlock()
	return !ok || s.writable(wake)
}

// queued returns how many batches of ch wait to be accepted by to.
func (t *GRPCTransport) queued(to middleware.NodeID, ch exchange.ChannelID) int {
	t.mu.Lock()
	s, ok := t.senders[senderKey{to: to, ch: ch}]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (t *GRPCTransport) channelSender(key senderKey) (*channelSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	s, ok := t.senders[key]
	if !ok || s.isRetired() {
		s = newChannelSender(t, key)
		t.senders[key] = s
	}
	return s, nil
}

func (t *GRPCTransport) retire(s *channelSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.senders[s.key] == s {
		delete(t.senders, s.key)
	}
}

func (t *GRPCTransport) PauseRead(ch exchange.ChannelID) {
	t.inbox.pause(ch)
}

func (t *GRPCTransport) ResumeRead(ch exchange.ChannelID) {
	t.inbox.resume(ch)
}

func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	senders := make([]*channelSender, 0, len(t.senders))
	for _, s := range t.senders {
		senders = append(senders, s)
	}
	conns := t.conns
	t.conns = map[middleware.NodeID]*grpc.ClientConn{}
	t.mu.Unlock()

	t.cancel()
	for _, s := range senders {
		s.close()
	}
	t.sending.Wait()
	if t.server != nil {
		t.server.Stop()
	}
	t.wg.Wait()
	if t.control != nil {
		t.control.stop()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// channelSender ships the data of one channel in order. A batch leaves the
// queue once the receiver accepted it, so a paused receiver keeps it queued.
type channelSender struct {
	t       *GRPCTransport
	key     senderKey
	mu      sync.Mutex
	space   *sync.Cond
	queue   *list.List
	wakers  []func()
	running bool
	retired bool
	closed  bool
}

func newChannelSender(t *GRPCTransport, key senderKey) *channelSender {
	s := &channelSender{t: t, key: key, queue: list.New()}
	s.space = sync.NewCond(&s.mu)
	return s
}

// push reports false when s retired before taking d.
func (s *channelSender) push(d exchange.Data) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && !s.retired && s.queue.Len() >= 4*s.t.cfg.SendWindow {
		s.space.Wait()
	}
	if s.closed {
		return false, errors.New("transport closed")
	}
	if s.retired {
		return false, nil
	}
	s.queue.PushBack(d)
	if !s.running {
		s.running = true
		s.t.sending.Add(1)
		go s.run()
	}
	return true, nil
}

func (s *channelSender) writable(wake func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired || s.closed || s.queue.Len() < s.t.cfg.SendWindow {
		return true
	}
	s.wakers = append(s.wakers, wake)
	return false
}

func (s *channelSender) isRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

func (s *channelSender) run() {
	defer s.t.sending.Done()
	for {
		s.mu.Lock()
		front := s.queue.Front()
		if front == nil || s.closed {
			s.running = false
			s.retired = true
			wakers := s.wakers
			s.wakers = nil
			s.space.Broadcast()
			s.mu.Unlock()
			s.t.retire(s)
			for _, wake := range wakers {
				wake()
			}
			return
		}
		d := front.Value.(exchange.Data)
		s.mu.Unlock()

		ack, err := s.t.invoke(s.t.ctx, s.key.to, dataMethod, &d)
		if err == nil && ack.Paused {
			continue
		}
		if err != nil && s.t.ctx.Err() == nil {
			log.Warn("drop data for unreachable node",
				zap.Int32("node", s.key.to), zap.Stringer("channel", d.Channel), zap.Error(err))
		}

		s.mu.Lock()
		s.queue.Remove(front)
		var wakers []func()
		if s.queue.Len() < s.t.cfg.SendWindow {
			wakers = s.wakers
			s.wakers = nil
		}
		s.space.Broadcast()
		s.mu.Unlock()
		for _, wake := range wakers {
			wake()
		}
	}
}

func (s *channelSender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.space.Broadcast()
}
