package subquery

import (
	"sort"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/operator"
)

// SubQueryPlan is the fragment of a subquery run by one node.
type SubQueryPlan struct {
	RootOps   []operator.Root
	FTMode    FTMode
	Profiling bool
	// Encoded is the form shipped to the node.
	Encoded jsoniter.RawMessage
}

// SubQuery is one submitted distributed query. It is immutable.
type SubQuery struct {
	ID          middleware.SubQueryID
	MasterPlan  *SubQueryPlan
	WorkerPlans map[middleware.NodeID]*SubQueryPlan
}

func NewSubQuery(id middleware.SubQueryID, masterPlan *SubQueryPlan, workerPlans map[middleware.NodeID]*SubQueryPlan) (*SubQuery, error) {
	if !id.IsValid() {
		return nil, errors.Newf("invalid subquery id %s", id)
	}
	if masterPlan == nil {
		return nil, errors.New("subquery without master plan")
	}
	plans := make(map[middleware.NodeID]*SubQueryPlan, len(workerPlans))
	for node, plan := range workerPlans {
		if node == middleware.CoordinatorID {
			return nil, errors.Newf("worker plan uses the coordinator id %d", node)
		}
		if plan == nil {
			return nil, errors.Newf("nil plan for worker %d", node)
		}
		plans[node] = plan
	}
	return &SubQuery{ID: id, MasterPlan: masterPlan, WorkerPlans: plans}, nil
}

// Workers returns the worker ids in ascending order.
func (sq *SubQuery) Workers() []middleware.NodeID {
	ids := make([]middleware.NodeID, 0, len(sq.WorkerPlans))
	for id := range sq.WorkerPlans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
