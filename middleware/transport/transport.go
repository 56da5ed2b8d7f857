package transport

import (
	"context"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/exchange"
)

// Handler receives what a transport delivers. HandleControl calls are
// serialized per receiving node. HandleData calls are serialized per channel.
type Handler interface {
	HandleControl(ctx context.Context, msg *ControlMessage)
	HandleData(d exchange.Data)
}

// Transport connects one node to its peers.
type Transport interface {
	exchange.FlowController

	MyID() middleware.NodeID
	Start(h Handler) error
	// SendShortMessage returns once the receiver accepted msg.
	SendShortMessage(ctx context.Context, to middleware.NodeID, msg *ControlMessage) error
	// SendData is asynchronous. Data of one channel sent by one caller arrives in order.
	SendData(to middleware.NodeID, d exchange.Data) error
	// Writable reports whether ch towards to takes more data. When it does
	// not, wake is called once the receiver caught up.
	Writable(to middleware.NodeID, ch exchange.ChannelID, wake func()) bool
	Close() error
}
