package transport

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/log"
	"go.uber.org/zap"
)

type channelQueue struct {
	pending  *list.List
	paused   bool
	draining bool
	// resumed is closed when the current pause ends.
	resumed chan struct{}
	// wakers are called when the current pause ends.
	wakers []func()
}

// inboxWindow is how much undelivered data of one channel keeps it writable.
const inboxWindow = 16

// inbox delivers incoming data, one drainer per channel at a time, and honors
// per channel read pauses.
type inbox struct {
	mu       sync.Mutex
	channels map[exchange.ChannelID]*channelQueue
	deliver  func(d exchange.Data)
}

func newInbox(deliver func(d exchange.Data)) *inbox {
	return &inbox{
		channels: make(map[exchange.ChannelID]*channelQueue),
		deliver:  deliver,
	}
}

// takeWakers must be called with mu held.
func (q *channelQueue) takeWakers() []func() {
	if q.paused || q.pending.Len() >= inboxWindow {
		return nil
	}
	wakers := q.wakers
	q.wakers = nil
	return wakers
}

func fire(wakers []func()) {
	for _, wake := range wakers {
		wake()
	}
}

func (in *inbox) queue(ch exchange.ChannelID) *channelQueue {
	q, ok := in.channels[ch]
	if !ok {
		q = &channelQueue{pending: list.New()}
		in.channels[ch] = q
	}
	return q
}

func (in *inbox) push(d exchange.Data) {
	in.mu.Lock()
	q := in.queue(d.Channel)
	q.pending.PushBack(d)
	start := in.claim(q)
	in.mu.Unlock()
	if start {
		go in.drain(d.Channel, q)
	}
}

// accept queues d unless its channel is paused, in which case it waits up to
// wait for a resume. It reports whether d was queued.
func (in *inbox) accept(ctx context.Context, d exchange.Data, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		in.mu.Lock()
		q := in.queue(d.Channel)
		if !q.paused {
			q.pending.PushBack(d)
			start := in.claim(q)
			in.mu.Unlock()
			if start {
				go in.drain(d.Channel, q)
			}
			return true
		}
		resumed := q.resumed
		in.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		}
	}
}

// writable reports whether ch takes data: it is not paused and holds less
// than inboxWindow undelivered items. Otherwise wake is kept until it does.
func (in *inbox) writable(ch exchange.ChannelID, wake func()) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	q, ok := in.channels[ch]
	if !ok || (!q.paused && q.pending.Len() < inboxWindow) {
		return true
	}
	q.wakers = append(q.wakers, wake)
	return false
}

func (in *inbox) pendingLen(ch exchange.ChannelID) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if q, ok := in.channels[ch]; ok {
		return q.pending.Len()
	}
	return 0
}

// claim must be called with mu held.
func (in *inbox) claim(q *channelQueue) bool {
	if q.paused || q.draining || q.pending.Len() == 0 {
		return false
	}
	q.draining = true
	return true
}

func (in *inbox) drain(ch exchange.ChannelID, q *channelQueue) {
	for {
		in.mu.Lock()
		if q.paused || q.pending.Len() == 0 {
			q.draining = false
			if q.pending.Len() == 0 && !q.paused {
				delete(in.channels, ch)
			}
			in.mu.Unlock()
			return
		}
		d := q.pending.Remove(q.pending.Front()).(exchange.Data)
		wakers := q.takeWakers()
		in.mu.Unlock()

		fire(wakers)
		in.deliver(d)
	}
}

func (in *inbox) pause(ch exchange.ChannelID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.queue(ch)
	if q.paused {
		return
	}
	q.paused = true
	q.resumed = make(chan struct{})
	log.Debug("pause read", zap.Stringer("channel", ch))
}

func (in *inbox) resume(ch exchange.ChannelID) {
	in.mu.Lock()
	q, ok := in.channels[ch]
	if !ok || !q.paused {
		in.mu.Unlock()
		return
	}
	q.paused = false
	close(q.resumed)
	q.resumed = nil
	wakers := q.takeWakers()
	start := in.claim(q)
	if !start && q.pending.Len() == 0 && !q.draining {
		delete(in.channels, ch)
	}
	in.mu.Unlock()
	log.Debug("resume read", zap.Stringer("channel", ch))
	if start {
		go in.drain(ch, q)
	}
	fire(wakers)
}

func (in *inbox) isPaused(ch exchange.ChannelID) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	q, ok := in.channels[ch]
	return ok && q.paused
}

// controlLoop serializes the control messages of one node. The queue is
// unbounded so a handler may always send to a peer without waiting on it.
type controlLoop struct {
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	queue   *list.List
	signal  chan struct{}
	handler Handler
	wg      sync.WaitGroup
}

func newControlLoop(h Handler) *controlLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &controlLoop{
		ctx:     ctx,
		cancel:  cancel,
		queue:   list.New(),
		signal:  make(chan struct{}, 1),
		handler: h,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *controlLoop) pop() *ControlMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	front := l.queue.Front()
	if front == nil {
		return nil
	}
	return l.queue.Remove(front).(*ControlMessage)
}

func (l *controlLoop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.signal:
			for msg := l.pop(); msg != nil; msg = l.pop() {
				if l.ctx.Err() != nil {
					return
				}
				l.handler.HandleControl(l.ctx, msg)
			}
		}
	}
}

func (l *controlLoop) enqueue(msg *ControlMessage) error {
	if err := l.ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.queue.PushBack(msg)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return nil
}

func (l *controlLoop) stop() {
	l.cancel()
	l.wg.Wait()
}
