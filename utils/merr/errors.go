// Package merr holds the error taxonomy of subquery execution.
package merr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/linkflow/middleware"
)

var (
	// ErrQueryKilled marks a voluntary cancellation. It is never reported as a real failure.
	ErrQueryKilled = errors.New("query killed")

	// ErrLostHeartbeat is raised by the membership layer when a node stops sending heartbeats.
	ErrLostHeartbeat = errors.New("lost heartbeat")

	// ErrNodeUnreachable is raised by the transport when a node cannot be contacted.
	ErrNodeUnreachable = errors.New("node unreachable")

	ErrTaskFailure    = errors.New("task failure")
	ErrInvalidPlan    = errors.New("invalid plan")
	ErrUnknownQuery   = errors.New("unknown subquery")
	ErrUnknownNode    = errors.New("unknown node")
	ErrBufferAttached = errors.New("input buffer attached to another operator")
)

// Killed returns a killed cause carrying a reason.
func Killed(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrQueryKilled)
}

// IsKilled reports whether err is (or wraps) a killed cause.
func IsKilled(err error) bool {
	return err != nil && errors.Is(err, ErrQueryKilled)
}

// IsLostHeartbeat reports whether err signals a node that should rejoin.
func IsLostHeartbeat(err error) bool {
	return err != nil && (errors.Is(err, ErrLostHeartbeat) || errors.Is(err, ErrNodeUnreachable))
}

// WrapTaskFailure records an operator error as the failure cause of a task.
func WrapTaskFailure(err error, task string) error {
	if err == nil {
		return nil
	}
	if IsKilled(err) {
		return err
	}
	return errors.Mark(errors.Wrapf(err, "task %s failed", task), ErrTaskFailure)
}

// NodeFailure is one node's contribution to an aggregate failure.
type NodeFailure struct {
	NodeID middleware.NodeID
	Cause  error
}

// AggregateError composes the failures of every node of a subquery.
type AggregateError struct {
	SubQueryID middleware.SubQueryID
	Failures   []NodeFailure
}

// NewAggregateError drops killed causes and sorts the rest by node id.
// It returns nil if nothing is left.
func NewAggregateError(id middleware.SubQueryID, failures map[middleware.NodeID]error) *AggregateError {
	agg := &AggregateError{SubQueryID: id}
	for nodeID, cause := range failures {
		if cause == nil || IsKilled(cause) {
			continue
		}
		agg.Failures = append(agg.Failures, NodeFailure{NodeID: nodeID, Cause: cause})
	}
	if len(agg.Failures) == 0 {
		return nil
	}
	sort.Slice(agg.Failures, func(i, j int) bool {
		return agg.Failures[i].NodeID < agg.Failures[j].NodeID
	})
	return agg
}

func (e *AggregateError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "query %s failed.", e.SubQueryID)
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, " node #%d failed: %s;", f.NodeID, f.Cause.Error())
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// Unwrap exposes the per-node causes.
func (e *AggregateError) Unwrap() []error {
	causes := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		causes = append(causes, f.Cause)
	}
	return causes
}

// Cause returns the failure of a given node, nil if that node did not fail.
func (e *AggregateError) Cause(nodeID middleware.NodeID) error {
	for _, f := range e.Failures {
		if f.NodeID == nodeID {
			return f.Cause
		}
	}
	return nil
}
