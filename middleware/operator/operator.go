// Package operator defines the contract between tasks and the dataflow
// operators they drive, plus the few operators the exchange layer needs.
package operator

import (
	"context"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
	"github.com/linkflow/middleware/storage"
)

// Operator is one pull-style dataflow stage.
type Operator interface {
	// OpName is unique within a plan fragment.
	OpName() string
	Schema() *storage.Schema
	Children() []Operator
	Init(ec *ExecContext) error
	// FetchNext returns the next batch, or nil if none is ready yet.
	FetchNext(ctx context.Context) (*storage.TupleBatch, error)
	// EOS reports that the operator will never produce again.
	EOS() bool
	// EOI reports that the current iteration has ended. Reading it resets it.
	EOI() bool
	Cleanup() error
}

// Root is the terminal operator of a task.
type Root interface {
	Operator
	isRoot()
}

// DataSender ships exchange data to another node.
type DataSender interface {
	SendData(to middleware.NodeID, d exchange.Data) error
	// Writable reports whether ch towards node to takes more data. When it
	// does not, wake is called once the channel drained.
	Writable(to middleware.NodeID, ch exchange.ChannelID, wake func()) bool
}

// ExecContext is handed to every operator at Init.
type ExecContext struct {
	NodeID     middleware.NodeID
	SubQueryID middleware.SubQueryID
	Env        map[string]string
	Sender     DataSender
	// IsNodeMissing reports nodes that left the query.
	IsNodeMissing func(middleware.NodeID) bool
	// Wake reschedules the task driving the operator.
	Wake func()
}

func (ec *ExecContext) wake() {
	if ec != nil && ec.Wake != nil {
		ec.Wake()
	}
}

func (ec *ExecContext) nodeMissing(node middleware.NodeID) bool {
	return ec != nil && ec.IsNodeMissing != nil && ec.IsNodeMissing(node)
}

// Walk visits op and its descendants depth first.
func Walk(op Operator, visit func(Operator)) {
	visit(op)
	for _, c := range op.Children() {
		Walk(c, visit)
	}
}

// InitTree initializes the children of op before op itself.
func InitTree(op Operator, ec *ExecContext) error {
	for _, c := range op.Children() {
		if err := InitTree(c, ec); err != nil {
			return err
		}
	}
	return op.Init(ec)
}

// CleanupTree cleans up every operator of the tree and returns the first error.
func CleanupTree(op Operator) error {
	var first error
	Walk(op, func(o Operator) {
		if err := o.Cleanup(); err != nil && first == nil {
			first = err
		}
	})
	return first
}

type base struct {
	name     string
	schema   *storage.Schema
	children []Operator
	eos      bool
	eoi      bool
	ec       *ExecContext
}

func (b *base) OpName() string          { return b.name }
func (b *base) Schema() *storage.Schema { return b.schema }
func (b *base) Children() []Operator    { return b.children }
func (b *base) EOS() bool               { return b.eos }

func (b *base) EOI() bool {
	eoi := b.eoi
	b.eoi = false
	return eoi
}

func (b *base) Init(ec *ExecContext) error {
	b.ec = ec
	return nil
}

func (b *base) Cleanup() error {
	return nil
}
