package operator

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/storage"
)

// Consumer reads the batches sent by remote producers of one exchange.
type Consumer struct {
	base
	exchangeID int64
	sources    []middleware.NodeID
	buffer     *exchange.InputBuffer

	eosSources map[middleware.NodeID]bool
	eoiSources map[middleware.NodeID]bool
}

func NewConsumer(name string, schema *storage.Schema, exchangeID int64, sources []middleware.NodeID) *Consumer {
	return &Consumer{
		base:       base{name: name, schema: schema},
		exchangeID: exchangeID,
		sources:    sources,
		eosSources: make(map[middleware.NodeID]bool),
		eoiSources: make(map[middleware.NodeID]bool),
	}
}

func (c *Consumer) ExchangeID() int64 {
	return c.exchangeID
}

func (c *Consumer) SourceNodes() []middleware.NodeID {
	return c.sources
}

func (c *Consumer) SetInputBuffer(b *exchange.InputBuffer) error {
	if err := b.Attach(c.exchangeID); err != nil {
		return err
	}
	c.buffer = b
	return nil
}

func (c *Consumer) InputBuffer() *exchange.InputBuffer {
	return c.buffer
}

func (c *Consumer) Init(ec *ExecContext) error {
	if c.buffer == nil {
		return errors.Newf("consumer %s has no input buffer", c.name)
	}
	return c.base.Init(ec)
}

func (c *Consumer) FetchNext(ctx context.Context) (*storage.TupleBatch, error) {
	if c.eos {
		return nil, nil
	}
	for {
		d, ok := c.buffer.Poll()
		if !ok {
			break
		}
		switch d.Kind {
		case exchange.KindBatch:
			if d.Batch != nil && d.Batch.NumTuples() > 0 {
				return d.Batch, nil
			}
		case exchange.KindEOS:
			c.eosSources[d.Channel.NodeID] = true
		case exchange.KindEOI:
			c.eoiSources[d.Channel.NodeID] = true
		}
	}
	c.checkEosEoi()
	return nil, nil
}

// checkEosEoi treats missing sources as finished.
func (c *Consumer) checkEosEoi() {
	allEOS, allEOI := true, true
	for _, src := range c.sources {
		if c.eosSources[src] || c.ec.nodeMissing(src) {
			continue
		}
		allEOS = false
		if !c.eoiSources[src] {
			allEOI = false
		}
	}
	if allEOS {
		c.eos = true
		return
	}
	if allEOI {
		c.eoi = true
		c.eoiSources = make(map[middleware.NodeID]bool)
	}
}
