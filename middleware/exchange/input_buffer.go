package exchange

import (
	"container/list"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/linkflow/utils/merr"
)

const unattached int64 = -1

// BufferListener observes an InputBuffer event.
type BufferListener func(b *InputBuffer)

// InputBuffer is the bounded mailbox of one consumer operator.
//
// Full and recover events are edge triggered and fire while the buffer lock is
// held, so a pause is always observed before the matching resume. New data
// listeners fire after the lock is released.
type InputBuffer struct {
	capacity       int
	recoverTrigger int

	mu       sync.Mutex
	queue    *list.List
	operator int64
	full     bool
	closed   bool

	fullListeners    []BufferListener
	recoverListeners []BufferListener
	emptyListeners   []BufferListener
	newDataListeners []BufferListener
}

// NewInputBuffer requires 0 <= recoverTrigger < capacity.
func NewInputBuffer(capacity, recoverTrigger int) (*InputBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Newf("input buffer capacity must be positive, got %d", capacity)
	}
	if recoverTrigger < 0 || recoverTrigger >= capacity {
		return nil, errors.Newf("recover trigger %d must be in [0, %d)", recoverTrigger, capacity)
	}
	return &InputBuffer{
		capacity:       capacity,
		recoverTrigger: recoverTrigger,
		queue:          list.New(),
		operator:       unattached,
	}, nil
}

// Attach binds the buffer to its consumer operator.
func (b *InputBuffer) Attach(operatorID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.operator == unattached {
		b.operator = operatorID
		return nil
	}
	if b.operator != operatorID {
		return errors.Wrapf(merr.ErrBufferAttached, "buffer owned by operator %d, attaching %d", b.operator, operatorID)
	}
	return nil
}

func (b *InputBuffer) OperatorID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.operator
}

func (b *InputBuffer) IsAttached() bool {
	return b.OperatorID() != unattached
}

// Offer appends d. It returns false when the buffer is closed, in which case d
// is dropped.
func (b *InputBuffer) Offer(d Data) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue.PushBack(d)
	if !b.full && b.queue.Len() >= b.capacity {
		b.full = true
		b.fire(b.fullListeners)
	}
	newData := b.newDataListeners
	b.mu.Unlock()

	for _, l := range newData {
		l(b)
	}
	return true
}

// Poll removes the oldest element.
func (b *InputBuffer) Poll() (Data, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	front := b.queue.Front()
	if front == nil {
		return Data{}, false
	}
	d := b.queue.Remove(front).(Data)
	size := b.queue.Len()
	if b.full && size <= b.recoverTrigger {
		b.full = false
		b.fire(b.recoverListeners)
	}
	if size == 0 {
		b.fire(b.emptyListeners)
	}
	return d, true
}

func (b *InputBuffer) fire(listeners []BufferListener) {
	for _, l := range listeners {
		l(b)
	}
}

func (b *InputBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

func (b *InputBuffer) IsEmpty() bool {
	return b.Size() == 0
}

func (b *InputBuffer) Capacity() int {
	return b.capacity
}

func (b *InputBuffer) RecoverTrigger() int {
	return b.recoverTrigger
}

// RemainingCapacity may be negative, offers beyond capacity are kept.
func (b *InputBuffer) RemainingCapacity() int {
	return b.capacity - b.Size()
}

// Close discards the queued data and every later offer. If the buffer was
// full its recover listeners fire so the transport does not stay paused.
func (b *InputBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.queue.Init()
	if b.full {
		b.full = false
		b.fire(b.recoverListeners)
	}
}

func (b *InputBuffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *InputBuffer) AddFullListener(l BufferListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fullListeners = append(b.fullListeners, l)
}

func (b *InputBuffer) AddRecoverListener(l BufferListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recoverListeners = append(b.recoverListeners, l)
}

func (b *InputBuffer) AddEmptyListener(l BufferListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emptyListeners = append(b.emptyListeners, l)
}

func (b *InputBuffer) AddNewDataListener(l BufferListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newDataListeners = append(b.newDataListeners, l)
}
