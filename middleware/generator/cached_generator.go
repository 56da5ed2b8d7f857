package generator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/linkflow/middleware/log"
)

const (
	maxConcurrentRequest = 10000
)

type Request interface {
	Wait() error
	Notify(error)
}

type BaseRequest struct {
	Done  chan error
	Valid bool
}

func (req *BaseRequest) Wait() error {
	return <-req.Done
}

func (req *BaseRequest) Notify(err error) {
	req.Done <- err
}

// IDRequest asks for count consecutive ids.
type IDRequest struct {
	BaseRequest
	id    UniqueID
	count uint32
}

// SyncRequest forces a refill of the cached block.
type SyncRequest struct {
	BaseRequest
}

type TickerChan interface {
	Chan() <-chan time.Time
	Close()
	Init()
	Reset()
}

// EmptyTicker never fires.
type EmptyTicker struct {
	tChan <-chan time.Time
}

func (t *EmptyTicker) Chan() <-chan time.Time {
	return t.tChan
}

func (t *EmptyTicker) Init()  {}
func (t *EmptyTicker) Reset() {}
func (t *EmptyTicker) Close() {}

// CachedGenerator serves requests from a locally cached block and refills it
// through SyncFunc when the block runs dry. Requests are batched by a single
// loop goroutine, so the hooks never run concurrently.
type CachedGenerator struct {
	Ctx        context.Context
	CancelFunc context.CancelFunc

	wg sync.WaitGroup

	Reqs      chan Request
	ToDoReqs  []Request
	CanDoReqs []Request
	SyncReqs  []Request

	TChan         TickerChan
	ForceSyncChan chan Request

	SyncFunc    func() (bool, error)
	ProcessFunc func(req Request) error

	CheckSyncFunc func(timeout bool) bool
	PickCanDoFunc func()
	SyncErr       error
	Role          string
}

func (cg *CachedGenerator) Start() error {
	cg.TChan.Init()
	cg.wg.Add(1)
	go cg.mainLoop()
	return nil
}

func (cg *CachedGenerator) mainLoop() {
	defer cg.wg.Done()

	loopCtx, loopCancel := context.WithCancel(cg.Ctx)
	defer loopCancel()

	for {
		select {
		case first := <-cg.ForceSyncChan:
			cg.SyncReqs = append(cg.SyncReqs, first)
			pending := len(cg.ForceSyncChan)
			for i := 0; i < pending; i++ {
				cg.SyncReqs = append(cg.SyncReqs, <-cg.ForceSyncChan)
			}
			cg.sync(true)
			cg.finishSyncRequest()

		case <-cg.TChan.Chan():
			cg.pickCanDo()
			cg.finishRequest()
			if cg.sync(true) {
				cg.pickCanDo()
				cg.finishRequest()
			}
			cg.failRemainRequest()

		case first := <-cg.Reqs:
			cg.ToDoReqs = append(cg.ToDoReqs, first)
			pending := len(cg.Reqs)
			for i := 0; i < pending; i++ {
				cg.ToDoReqs = append(cg.ToDoReqs, <-cg.Reqs)
			}
			cg.pickCanDo()
			cg.finishRequest()
			if cg.sync(false) {
				cg.pickCanDo()
				cg.finishRequest()
			}
			cg.failRemainRequest()

		case <-loopCtx.Done():
			return
		}
	}
}

func (cg *CachedGenerator) pickCanDo() {
	if cg.PickCanDoFunc == nil {
		return
	}
	cg.PickCanDoFunc()
}

func (cg *CachedGenerator) sync(timeout bool) bool {
	if cg.SyncFunc == nil || cg.CheckSyncFunc == nil {
		cg.CanDoReqs = cg.ToDoReqs
		cg.ToDoReqs = nil
		return true
	}
	if !timeout && len(cg.ToDoReqs) == 0 {
		return false
	}
	if !cg.CheckSyncFunc(timeout) {
		return false
	}

	var ret bool
	ret, cg.SyncErr = cg.SyncFunc()

	if !timeout {
		cg.TChan.Reset()
	}
	return ret
}

func (cg *CachedGenerator) finishSyncRequest() {
	for _, req := range cg.SyncReqs {
		if req != nil {
			req.Notify(cg.SyncErr)
		}
	}
	cg.SyncReqs = nil
}

func (cg *CachedGenerator) failRemainRequest() {
	if len(cg.ToDoReqs) == 0 {
		return
	}
	var err error
	if cg.SyncErr != nil {
		err = errors.Wrapf(cg.SyncErr, "%s cannot serve request", cg.Role)
	} else {
		err = errors.Newf("%s cannot serve request", cg.Role)
	}
	log.Warn("generator fails pending requests",
		zap.String("role", cg.Role),
		zap.Int("reqLen", len(cg.ToDoReqs)),
		zap.Error(cg.SyncErr))
	for _, req := range cg.ToDoReqs {
		if req != nil {
			req.Notify(err)
		}
	}
	cg.ToDoReqs = nil
}

func (cg *CachedGenerator) finishRequest() {
	for _, req := range cg.CanDoReqs {
		if req != nil {
			err := cg.ProcessFunc(req)
			req.Notify(err)
		}
	}
	cg.CanDoReqs = nil
}

func (cg *CachedGenerator) revokeRequest(err error) {
	n := len(cg.Reqs)
	for i := 0; i < n; i++ {
		req := <-cg.Reqs
		req.Notify(err)
	}
}

// Close stops the loop and fails every queued request.
func (cg *CachedGenerator) Close() {
	cg.CancelFunc()
	cg.wg.Wait()
	cg.TChan.Close()
	cg.revokeRequest(errors.Newf("%s is closing", cg.Role))
}

// CleanCache drops the cached block and fetches a new one.
func (cg *CachedGenerator) CleanCache() error {
	req := &SyncRequest{
		BaseRequest: BaseRequest{
			Done:  make(chan error, 1),
			Valid: false,
		},
	}
	cg.ForceSyncChan <- req
	return req.Wait()
}
