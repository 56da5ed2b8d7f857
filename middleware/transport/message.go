// Package transport carries control messages and exchange data between nodes.
package transport

import (
	"fmt"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/linkflow/middleware"
	"github.com/linkflow/utils/merr"
)

// MessageKind is the kind of a control message.
type MessageKind int32

const (
	KindUnknown MessageKind = iota
	// KindDispatch ships a plan fragment to a worker.
	KindDispatch
	// KindQueryReceived acknowledges a dispatch.
	KindQueryReceived
	// KindStart tells a worker to start executing a received fragment.
	KindStart
	KindCompleteSuccess
	KindCompleteFailure
	KindKill
	// KindRecover tells running nodes that TargetNode is being recovered.
	KindRecover
	KindResume
	KindPause
	KindHeartbeat
	KindRegister
	// KindRemoveWorker tells running nodes that TargetNode left for good.
	KindRemoveWorker
)

var kindNames = map[MessageKind]string{
	KindUnknown:         "Unknown",
	KindDispatch:        "Dispatch",
	KindQueryReceived:   "QueryReceived",
	KindStart:           "Start",
	KindCompleteSuccess: "CompleteSuccess",
	KindCompleteFailure: "CompleteFailure",
	KindKill:            "Kill",
	KindRecover:         "Recover",
	KindResume:          "Resume",
	KindPause:           "Pause",
	KindHeartbeat:       "Heartbeat",
	KindRegister:        "Register",
	KindRemoveWorker:    "RemoveWorker",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("MessageKind(%d)", int32(k))
}

// CauseKind keeps the class of a failure cause across the wire.
type CauseKind int32

const (
	CauseNone CauseKind = iota
	CauseGeneric
	CauseKilled
	CauseLostHeartbeat
)

// ControlMessage is a short message of the control plane.
type ControlMessage struct {
	Kind       MessageKind           `json:"kind"`
	SubQueryID middleware.SubQueryID `json:"subQueryId"`
	// NodeID is the sender.
	NodeID     middleware.NodeID   `json:"nodeId"`
	TargetNode middleware.NodeID   `json:"targetNode,omitempty"`
	Cause      string              `json:"cause,omitempty"`
	CauseKind  CauseKind           `json:"causeKind,omitempty"`
	Plan       jsoniter.RawMessage `json:"plan,omitempty"`
	InstanceID string              `json:"instanceId,omitempty"`
	Address    string              `json:"address,omitempty"`
}

func (m *ControlMessage) String() string {
	return fmt.Sprintf("%s{query=%s node=%d}", m.Kind, m.SubQueryID, m.NodeID)
}

// SetCause stores err and its class on m.
func (m *ControlMessage) SetCause(err error) {
	if err == nil {
		m.Cause, m.CauseKind = "", CauseNone
		return
	}
	m.Cause = err.Error()
	switch {
	case merr.IsKilled(err):
		m.CauseKind = CauseKilled
	case merr.IsLostHeartbeat(err):
		m.CauseKind = CauseLostHeartbeat
	default:
		m.CauseKind = CauseGeneric
	}
}

// Err rebuilds the cause carried by m, nil if there is none.
func (m *ControlMessage) Err() error {
	switch m.CauseKind {
	case CauseNone:
		return nil
	case CauseKilled:
		return errors.Mark(errors.Newf("node %d: %s", m.NodeID, m.Cause), merr.ErrQueryKilled)
	case CauseLostHeartbeat:
		return errors.Mark(errors.Newf("node %d: %s", m.NodeID, m.Cause), merr.ErrLostHeartbeat)
	}
	return errors.Newf("%s", m.Cause)
}

// Ack answers every unary call. Paused answers data refused by a paused channel.
type Ack struct {
	OK     bool `json:"ok"`
	Paused bool `json:"paused,omitempty"`
}
