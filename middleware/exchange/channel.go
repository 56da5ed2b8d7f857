// Package exchange addresses the data channels between producer and consumer
// operators and buffers the data arriving on them.
package exchange

import (
	"fmt"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/storage"
)

// ChannelID identifies one logical channel of an exchange. OperatorID is the
// exchange id shared by a producer and its consumers. NodeID is the remote end:
// the source node on the consumer side and the destination node on the producer side.
type ChannelID struct {
	SubQueryID middleware.SubQueryID `json:"subQueryId"`
	OperatorID int64                 `json:"operatorId"`
	NodeID     middleware.NodeID     `json:"nodeId"`
}

func NewChannelID(id middleware.SubQueryID, operatorID int64, nodeID middleware.NodeID) ChannelID {
	return ChannelID{SubQueryID: id, OperatorID: operatorID, NodeID: nodeID}
}

func (c ChannelID) String() string {
	return fmt.Sprintf("%s/op%d/node%d", c.SubQueryID, c.OperatorID, c.NodeID)
}

// Kind distinguishes payload from stream markers.
type Kind int32

const (
	KindBatch Kind = iota
	// KindEOS ends the stream of a channel.
	KindEOS
	// KindEOI ends one iteration of an iterative stream.
	KindEOI
)

func (k Kind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindEOS:
		return "eos"
	case KindEOI:
		return "eoi"
	}
	return "unknown"
}

// Data is one message travelling on a channel. Channel.NodeID is the sender.
type Data struct {
	Channel ChannelID           `json:"channel"`
	Kind    Kind                `json:"kind"`
	Batch   *storage.TupleBatch `json:"batch,omitempty"`
}

func NewBatch(ch ChannelID, batch *storage.TupleBatch) Data {
	return Data{Channel: ch, Kind: KindBatch, Batch: batch}
}

func NewEOS(ch ChannelID) Data {
	return Data{Channel: ch, Kind: KindEOS}
}

func NewEOI(ch ChannelID) Data {
	return Data{Channel: ch, Kind: KindEOI}
}

// FlowController pauses and resumes the transport read of a channel.
type FlowController interface {
	PauseRead(ch ChannelID)
	ResumeRead(ch ChannelID)
}
