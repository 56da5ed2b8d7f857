package generator

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/linkflow/middleware/kv"
	"github.com/linkflow/middleware/log"
)

const (
	defaultCountPerSync = 1000
	maxSyncRetries      = 16
)

var _ Generator = (*IDGenerator)(nil)

// IDGenerator allocates ids in blocks persisted under one key of a TxnKV.
// Every block is claimed with a compare and swap, so several generators may
// share the key without handing out the same id twice. Ids start at 1.
type IDGenerator struct {
	CachedGenerator
	countPerSync uint32

	store kv.TxnKV
	key   string

	idStart UniqueID
	idEnd   UniqueID
}

type Option func(*IDGenerator)

// WithCountPerSync sets the size of the blocks claimed from the store.
func WithCountPerSync(n uint32) Option {
	return func(g *IDGenerator) {
		if n > 0 {
			g.countPerSync = n
		}
	}
}

func NewIDGenerator(ctx context.Context, store kv.TxnKV, key string, opts ...Option) *IDGenerator {
	ctx1, cancel := context.WithCancel(ctx)
	g := &IDGenerator{
		CachedGenerator: CachedGenerator{
			Ctx:           ctx1,
			CancelFunc:    cancel,
			Role:          "IDGenerator",
			Reqs:          make(chan Request, maxConcurrentRequest),
			ForceSyncChan: make(chan Request, maxConcurrentRequest),
			TChan:         &EmptyTicker{},
		},
		countPerSync: defaultCountPerSync,
		store:        store,
		key:          key,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.SyncFunc = g.syncID
	g.CheckSyncFunc = g.checkSyncFunc
	g.PickCanDoFunc = g.pickCanDoFunc
	g.ProcessFunc = g.processFunc
	return g
}

func (idg *IDGenerator) checkSyncFunc(timeout bool) bool {
	return timeout || len(idg.ToDoReqs) > 0
}

func (idg *IDGenerator) syncID() (bool, error) {
	need := idg.gatherReqIDCount()
	if need < idg.countPerSync {
		need = idg.countPerSync
	}
	for i := 0; i < maxSyncRetries; i++ {
		current, err := idg.store.Load(idg.key)
		var start UniqueID = 1
		if err != nil {
			if !errors.Is(err, kv.ErrKeyNotFound) {
				return false, errors.Wrap(err, "load id block")
			}
			current = ""
		} else {
			start, err = strconv.ParseInt(current, 10, 64)
			if err != nil {
				return false, errors.Wrapf(err, "corrupted id block %q", current)
			}
		}
		end := start + UniqueID(need)
		ok, err := idg.store.CompareAndSwap(idg.key, current, strconv.FormatInt(end, 10))
		if err != nil {
			return false, errors.Wrap(err, "claim id block")
		}
		if ok {
			idg.idStart, idg.idEnd = start, end
			log.Debug("id block claimed", zap.Int64("start", start), zap.Int64("end", end))
			return true, nil
		}
	}
	return false, errors.Newf("id block contended %d times", maxSyncRetries)
}

func (idg *IDGenerator) gatherReqIDCount() uint32 {
	need := uint32(0)
	for _, req := range idg.ToDoReqs {
		need += req.(*IDRequest).count
	}
	return need
}

func (idg *IDGenerator) pickCanDoFunc() {
	total := uint32(idg.idEnd - idg.idStart)
	need := uint32(0)
	idx := 0
	for _, req := range idg.ToDoReqs {
		need += req.(*IDRequest).count
		if need > total {
			break
		}
		idx++
	}
	idg.CanDoReqs = append(idg.CanDoReqs, idg.ToDoReqs[:idx]...)
	idg.ToDoReqs = idg.ToDoReqs[idx:]
}

func (idg *IDGenerator) processFunc(req Request) error {
	idReq := req.(*IDRequest)
	idReq.id = idg.idStart
	idg.idStart += UniqueID(idReq.count)
	return nil
}

func (idg *IDGenerator) Gen(count uint32) (UniqueID, UniqueID, error) {
	if count == 0 {
		return 0, 0, errors.New("cannot generate zero ids")
	}
	req := &IDRequest{BaseRequest: BaseRequest{Done: make(chan error, 1), Valid: false}, count: count}
	select {
	case idg.Reqs <- req:
	case <-idg.Ctx.Done():
		return 0, 0, errors.Wrap(idg.Ctx.Err(), "id generator closed")
	}
	if err := req.Wait(); err != nil {
		return 0, 0, err
	}
	return req.id, req.id + UniqueID(count), nil
}

func (idg *IDGenerator) GenOne() (UniqueID, error) {
	start, _, err := idg.Gen(1)
	return start, err
}
