package master

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/metrics"
	"github.com/linkflow/middleware/subquery"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/merr"
	"github.com/linkflow/utils/timerecord"
)

type member struct {
	instanceID string
	address    string
	alive      bool
	lastSeen   time.Time
}

// WorkerInfo describes a registered worker.
type WorkerInfo struct {
	NodeID     middleware.NodeID `json:"nodeId"`
	InstanceID string            `json:"instanceId"`
	Address    string            `json:"address,omitempty"`
	Alive      bool              `json:"alive"`
	LastSeen   time.Time         `json:"lastSeen"`
}

// peerSetter is implemented by transports that learn addresses at runtime.
type peerSetter interface {
	SetPeer(id middleware.NodeID, e transport.Endpoint)
}

func newHeartbeatMonitor(timeout time.Duration, fn func([]string)) *timerecord.GroupChecker {
	// group names are process wide
	return timerecord.GetGroupChecker("master-heartbeat-"+uuid.NewString(), timeout, fn)
}

func memberName(node middleware.NodeID) string {
	return strconv.FormatInt(int64(node), 10)
}

// Workers lists the workers the master has heard of.
func (s *Server) Workers() []WorkerInfo {
	s.membersMu.Lock()
	defer s.membersMu.Unlock()
	infos := make([]WorkerInfo, 0, len(s.members))
	for id, m := range s.members {
		infos = append(infos, WorkerInfo{NodeID: id, InstanceID: m.instanceID, Address: m.address, Alive: m.alive, LastSeen: m.lastSeen})
	}
	return infos
}

func (s *Server) register(msg *transport.ControlMessage) {
	log.Info("worker registered", zap.Int32("node", msg.NodeID),
		zap.String("instance", msg.InstanceID), zap.String("address", msg.Address))
	s.observe(msg)
}

func (s *Server) onHeartbeat(msg *transport.ControlMessage) {
	s.observe(msg)
}

// observe records that a worker is alive. A worker seen again after being
// declared lost, or running under a new instance id, rejoins its queries.
func (s *Server) observe(msg *transport.ControlMessage) {
	node := msg.NodeID
	if node <= middleware.CoordinatorID {
		log.Warn("ignoring membership message with a reserved node id", zap.Stringer("msg", msg))
		return
	}

	s.membersMu.Lock()
	m, known := s.members[node]
	if !known {
		m = &member{}
		s.members[node] = m
	}
	wasLost := known && !m.alive
	restarted := known && m.alive && msg.InstanceID != "" && m.instanceID != "" && m.instanceID != msg.InstanceID
	s.membersMu.Unlock()

	if restarted {
		log.Info("worker restarted", zap.Int32("node", node),
			zap.String("oldInstance", m.instanceID), zap.String("newInstance", msg.InstanceID))
		s.nodeLost(node, errors.Mark(errors.Newf("node %d restarted", node), merr.ErrLostHeartbeat))
	}

	s.membersMu.Lock()
	if msg.InstanceID != "" {
		m.instanceID = msg.InstanceID
	}
	if msg.Address != "" {
		m.address = msg.Address
	}
	m.alive = true
	m.lastSeen = time.Now()
	s.membersMu.Unlock()

	if msg.Address != "" {
		if ps, ok := s.cfg.Transport.(peerSetter); ok {
			ps.SetPeer(node, transport.TCP(msg.Address))
		}
	}
	s.heartbeat.Check(memberName(node))

	if wasLost || restarted {
		s.rejoin(node)
	}
}

func (s *Server) onHeartbeatsMissed(names []string) {
	for _, name := range names {
		id, err := strconv.ParseInt(name, 10, 32)
		if err != nil {
			s.heartbeat.Remove(name)
			continue
		}
		node := middleware.NodeID(id)
		log.Warn("worker missed its heartbeats", zap.Int32("node", node), zap.Duration("timeout", s.cfg.HeartbeatTimeout))
		s.nodeLost(node, errors.Wrapf(merr.ErrLostHeartbeat, "node %d silent for %s", node, s.cfg.HeartbeatTimeout))
	}
}

// nodeLost declares node dead and fails it in every query it takes part in.
func (s *Server) nodeLost(node middleware.NodeID, cause error) {
	s.heartbeat.Remove(memberName(node))
	s.membersMu.Lock()
	if m, ok := s.members[node]; ok {
		m.alive = false
	}
	s.membersMu.Unlock()
	metrics.LostWorkerTotal.Inc()

	for _, e := range s.queries.Values() {
		mq := e.mq
		if _, ok := mq.WorkerPlan(node); !ok || mq.IsNodeCompleted(node) {
			continue
		}
		mq.NodeLost(node)
		mq.WorkerFail(node, cause)
		if mq.FTMode() != subquery.FTRejoin {
			// it will never acknowledge, the others still have to start
			s.ensureReceived(mq, node)
		}
		mq.TriggerFragmentEosEoiCheck()
	}
}

// rejoin ships the plans of the rejoin queries still waiting for node. The
// acknowledgement of the new instance starts its recovery.
func (s *Server) rejoin(node middleware.NodeID) {
	for _, e := range s.queries.Values() {
		mq := e.mq
		plan, ok := mq.WorkerPlan(node)
		if !ok || mq.FTMode() != subquery.FTRejoin || mq.IsNodeCompleted(node) || !mq.IsNodeMissing(node) {
			continue
		}
		s.spawn(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.KillTimeout)
			defer cancel()
			log.Info("re-dispatching plan to rejoined worker", zap.Stringer("subQuery", mq.SubQueryID()), zap.Int32("node", node))
			msg := &transport.ControlMessage{Kind: transport.KindDispatch, SubQueryID: mq.SubQueryID(), Plan: plan.Encoded}
			if err := s.cfg.Transport.SendShortMessage(ctx, node, msg); err != nil {
				log.Warn("re-dispatch failed", zap.Stringer("subQuery", mq.SubQueryID()), zap.Int32("node", node), zap.Error(err))
			}
		})
	}
}
