package encoding

import (
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/subquery"
	"github.com/linkflow/utils"
	"github.com/linkflow/utils/merr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FragmentEncoding is one rooted operator tree, listed children first.
type FragmentEncoding struct {
	Operators []OperatorEncoding `json:"operators"`
}

// PlanEncoding is the plan of one node.
type PlanEncoding struct {
	Fragments []FragmentEncoding `json:"fragments"`
	FTMode    subquery.FTMode    `json:"ftMode"`
	Profiling bool              `json:"profiling,omitempty"`
}

// QueryEncoding is a submitted query: the plan of the coordinator and of
// every worker.
type QueryEncoding struct {
	RawQuery    string                             `json:"rawQuery,omitempty"`
	FTMode      subquery.FTMode                    `json:"ftMode"`
	Profiling   bool                               `json:"profiling,omitempty"`
	MasterPlan  PlanEncoding                       `json:"masterPlan"`
	WorkerPlans map[middleware.NodeID]PlanEncoding `json:"workerPlans"`
}

// ParseQuery decodes and validates a query.
func ParseQuery(data []byte) (*QueryEncoding, error) {
	q := &QueryEncoding{}
	if err := json.Unmarshal(data, q); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode query"), merr.ErrInvalidPlan)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// Nodes returns the coordinator and worker ids of the query.
func (q *QueryEncoding) Nodes() utils.NodeSet {
	nodes := utils.NewSet(middleware.CoordinatorID)
	for id := range q.WorkerPlans {
		nodes.Insert(id)
	}
	return nodes
}

// Validate checks every fragment and that every exchange only names nodes of
// the query.
func (q *QueryEncoding) Validate() error {
	nodes := q.Nodes()
	for id := range q.WorkerPlans {
		if id <= middleware.CoordinatorID {
			return errors.Wrapf(merr.ErrInvalidPlan, "invalid worker id %d", id)
		}
	}
	check := func(node middleware.NodeID, plan *PlanEncoding) error {
		if err := plan.validate(); err != nil {
			return errors.Wrapf(err, "plan of node %d", node)
		}
		for _, f := range plan.Fragments {
			for _, op := range f.Operators {
				for _, n := range append(append([]middleware.NodeID{}, op.Destinations...), op.Sources...) {
					if !nodes.Contain(n) {
						return errors.Wrapf(merr.ErrInvalidPlan, "operator %q of node %d names node %d outside the query", op.OpID, node, n)
					}
				}
			}
		}
		return nil
	}
	if err := check(middleware.CoordinatorID, &q.MasterPlan); err != nil {
		return err
	}
	for id := range q.WorkerPlans {
		plan := q.WorkerPlans[id]
		if err := check(id, &plan); err != nil {
			return err
		}
	}
	return nil
}

func (p *PlanEncoding) validate() error {
	for i := range p.Fragments {
		if _, err := p.Fragments[i].construct(); err != nil {
			return errors.Wrapf(err, "fragment %d", i)
		}
	}
	return nil
}

// construct builds the operators of the fragment and returns its single root.
func (f *FragmentEncoding) construct() (operator.Root, error) {
	if len(f.Operators) == 0 {
		return nil, errors.Wrap(merr.ErrInvalidPlan, "empty fragment")
	}
	built := make(map[string]operator.Operator, len(f.Operators))
	used := make(map[string]bool, len(f.Operators))
	for i := range f.Operators {
		op := &f.Operators[i]
		if err := op.validate(); err != nil {
			return nil, err
		}
		if _, dup := built[op.OpID]; dup {
			return nil, invalid(op, "duplicate opId")
		}
		o, err := op.construct(built)
		if err != nil {
			return nil, err
		}
		if op.ArgChild != "" {
			if used[op.ArgChild] {
				return nil, invalid(op, "child %q already has a parent", op.ArgChild)
			}
			used[op.ArgChild] = true
		}
		built[op.OpID] = o
	}

	var roots []string
	for i := range f.Operators {
		if !used[f.Operators[i].OpID] {
			roots = append(roots, f.Operators[i].OpID)
		}
	}
	if len(roots) != 1 {
		return nil, errors.Wrapf(merr.ErrInvalidPlan, "fragment must have exactly one root, found %v", roots)
	}
	root, ok := built[roots[0]].(operator.Root)
	if !ok {
		return nil, errors.Wrapf(merr.ErrInvalidPlan, "operator %q cannot be a root", roots[0])
	}
	return root, nil
}

// Construct builds fresh operator trees for the plan.
func (p *PlanEncoding) Construct() (*subquery.SubQueryPlan, error) {
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode plan")
	}
	plan := &subquery.SubQueryPlan{FTMode: p.FTMode, Profiling: p.Profiling, Encoded: encoded}
	for i := range p.Fragments {
		root, err := p.Fragments[i].construct()
		if err != nil {
			return nil, errors.Wrapf(err, "fragment %d", i)
		}
		plan.RootOps = append(plan.RootOps, root)
	}
	return plan, nil
}

// DecodePlan rebuilds the plan shipped to a worker.
func DecodePlan(data []byte) (*subquery.SubQueryPlan, error) {
	p := &PlanEncoding{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode plan"), merr.ErrInvalidPlan)
	}
	return p.Construct()
}

// BuildSubQuery constructs the coordinator plan and encodes the worker plans.
// The query level fault tolerance mode and profiling flag apply to every plan.
func (q *QueryEncoding) BuildSubQuery(id middleware.SubQueryID) (*subquery.SubQuery, error) {
	master := q.MasterPlan
	master.FTMode, master.Profiling = q.FTMode, q.Profiling
	masterPlan, err := master.Construct()
	if err != nil {
		return nil, errors.Wrap(err, "master plan")
	}
	workers := make(map[middleware.NodeID]*subquery.SubQueryPlan, len(q.WorkerPlans))
	for id, p := range q.WorkerPlans {
		p.FTMode, p.Profiling = q.FTMode, q.Profiling
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "encode plan of worker %d", id)
		}
		workers[id] = &subquery.SubQueryPlan{FTMode: q.FTMode, Profiling: q.Profiling, Encoded: encoded}
	}
	return subquery.NewSubQuery(id, masterPlan, workers)
}
