// Package future provides a one-shot completion handle with listeners.
package future

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

type state int

const (
	pending state = iota
	succeeded
	failed
)

// Listener is invoked once the future resolves.
type Listener func(f *Future)

// Future resolves exactly once, either with success or with a cause.
type Future struct {
	mu        sync.Mutex
	state     state
	cause     error
	listeners []Listener
	// dispatching is set while the resolving goroutine runs listeners.
	dispatching bool
	done        chan struct{}
	attachment  interface{}
}

// New returns a pending future carrying attachment.
func New(attachment interface{}) *Future {
	return &Future{
		done:       make(chan struct{}),
		attachment: attachment,
	}
}

// Succeeded returns a future that is already successful.
func Succeeded(attachment interface{}) *Future {
	f := New(attachment)
	f.SetSuccess()
	return f
}

// Failed returns a future that already failed with cause.
func Failed(attachment interface{}, cause error) *Future {
	f := New(attachment)
	f.SetFailure(cause)
	return f
}

// SetSuccess resolves the future. It returns false if it was already resolved.
func (f *Future) SetSuccess() bool {
	return f.resolve(succeeded, nil)
}

// SetFailure resolves the future with cause. It returns false if it was already resolved.
func (f *Future) SetFailure(cause error) bool {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return f.resolve(failed, cause)
}

func (f *Future) resolve(s state, cause error) bool {
	f.mu.Lock()
	if f.state != pending {
		f.mu.Unlock()
		return false
	}
	f.state = s
	f.cause = cause
	listeners := f.listeners
	f.listeners = nil
	f.dispatching = true
	close(f.done)
	f.mu.Unlock()

	for len(listeners) > 0 {
		for _, l := range listeners {
			l(f)
		}
		f.mu.Lock()
		listeners = f.listeners
		f.listeners = nil
		if len(listeners) == 0 {
			f.dispatching = false
		}
		f.mu.Unlock()
	}
	return true
}

// AddListener registers l. If the future is already resolved l runs immediately
// on the calling goroutine, unless earlier listeners are still running: then
// it runs after them on the resolving goroutine.
func (f *Future) AddListener(l Listener) *Future {
	f.mu.Lock()
	if f.state == pending || f.dispatching {
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()
		return f
	}
	f.mu.Unlock()
	l(f)
	return f
}

func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != pending
}

func (f *Future) IsSuccess() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == succeeded
}

// Cause returns the failure cause, nil while pending or on success.
func (f *Future) Cause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) Attachment() interface{} {
	return f.attachment
}

// Await blocks until the future resolves or ctx ends.
func (f *Future) Await(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}
