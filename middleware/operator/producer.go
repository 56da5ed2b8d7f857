package operator

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/storage"
	"github.com/linkflow/utils/merr"
	"github.com/linkflow/utils/partition"
)

// Producer ships the output of its child to the consumers of one exchange.
// With a partition function the rows are shuffled over the destinations,
// otherwise every batch goes to every destination (collect when there is a
// single destination, broadcast otherwise).
type Producer struct {
	base
	exchangeID   int64
	destinations []middleware.NodeID
	partitioner  partition.Function

	mu       sync.Mutex
	disabled map[middleware.NodeID]bool
}

func NewProducer(name string, child Operator, exchangeID int64, destinations []middleware.NodeID, fn partition.Function) *Producer {
	return &Producer{
		base:         base{name: name, schema: child.Schema(), children: []Operator{child}},
		exchangeID:   exchangeID,
		destinations: destinations,
		partitioner:  fn,
		disabled:     make(map[middleware.NodeID]bool),
	}
}

func (p *Producer) isRoot() {}

func (p *Producer) ExchangeID() int64 {
	return p.exchangeID
}

func (p *Producer) Destinations() []middleware.NodeID {
	return p.destinations
}

func (p *Producer) Init(ec *ExecContext) error {
	if ec.Sender == nil {
		return errors.Newf("producer %s has no data sender", p.name)
	}
	if p.partitioner != nil && p.partitioner.NumPartitions() != len(p.destinations) {
		return errors.Newf("producer %s partitions into %d but has %d destinations",
			p.name, p.partitioner.NumPartitions(), len(p.destinations))
	}
	if keyed, ok := p.partitioner.(interface{ KeyColumns() []int }); ok {
		width := p.children[0].Schema().NumColumns()
		for _, k := range keyed.KeyColumns() {
			if k < 0 || k >= width {
				return errors.Wrapf(merr.ErrInvalidPlan, "producer %s: key column %d out of range, child has %d columns",
					p.name, k, width)
			}
		}
	}
	return p.base.Init(ec)
}

// UpdateChannel enables or disables the channel towards node. Data for a
// disabled channel is dropped.
func (p *Producer) UpdateChannel(node middleware.NodeID, enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[node] = !enable
}

// ChannelEnabled reports whether data is still sent to node.
func (p *Producer) ChannelEnabled(node middleware.NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disabled[node]
}

// outChannel is the channel as seen by the receivers: the sender is this node.
func (p *Producer) outChannel() exchange.ChannelID {
	return exchange.NewChannelID(p.ec.SubQueryID, p.exchangeID, p.ec.NodeID)
}

// send drops data for disabled or unreachable destinations. An unreachable
// destination is disabled; the coordinator decides what its loss means.
func (p *Producer) send(dest middleware.NodeID, d exchange.Data) error {
	if !p.ChannelEnabled(dest) || p.ec.nodeMissing(dest) {
		return nil
	}
	err := p.ec.Sender.SendData(dest, d)
	if err != nil && errors.Is(err, merr.ErrNodeUnreachable) {
		log.Warn("destination unreachable, disable channel",
			zap.String("producer", p.name), zap.Int32("destination", dest), zap.Error(err))
		p.UpdateChannel(dest, false)
		return nil
	}
	return err
}

// blocked reports whether a live destination does not take more data. The
// task is woken when that channel drains.
func (p *Producer) blocked() bool {
	ch := p.outChannel()
	for _, dest := range p.destinations {
		if !p.ChannelEnabled(dest) || p.ec.nodeMissing(dest) {
			continue
		}
		if !p.ec.Sender.Writable(dest, ch, p.ec.wake) {
			return true
		}
	}
	return false
}

func (p *Producer) FetchNext(ctx context.Context) (*storage.TupleBatch, error) {
	if p.eos || p.blocked() {
		return nil, nil
	}
	child := p.children[0]
	batch, err := child.FetchNext(ctx)
	if err != nil {
		return nil, err
	}
	if batch != nil && batch.NumTuples() > 0 {
		if err := p.ship(batch); err != nil {
			return nil, err
		}
		return batch, nil
	}
	if child.EOI() {
		for _, dest := range p.destinations {
			if err := p.send(dest, exchange.NewEOI(p.outChannel())); err != nil {
				return nil, err
			}
		}
	}
	if child.EOS() {
		for _, dest := range p.destinations {
			if err := p.send(dest, exchange.NewEOS(p.outChannel())); err != nil {
				return nil, err
			}
		}
		p.eos = true
	}
	return nil, nil
}

func (p *Producer) ship(batch *storage.TupleBatch) error {
	if p.partitioner == nil {
		for _, dest := range p.destinations {
			if err := p.send(dest, exchange.NewBatch(p.outChannel(), batch)); err != nil {
				return err
			}
		}
		return nil
	}
	for i, part := range partition.Split(p.partitioner, batch) {
		if part == nil {
			continue
		}
		dest := p.destinations[i]
		if err := p.send(dest, exchange.NewBatch(p.outChannel(), part)); err != nil {
			return err
		}
	}
	return nil
}
