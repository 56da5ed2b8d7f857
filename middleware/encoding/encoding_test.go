package encoding

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/subquery"
	"github.com/linkflow/utils/merr"
)

var workers = []middleware.NodeID{1, 2, 3}

func TestShuffleCountQueryRoundTrip(t *testing.T) {
	q := ShuffleCountQuery(workers, 300, subquery.FTAbandon)
	require.NoError(t, q.Validate())

	data, err := json.Marshal(q)
	require.NoError(t, err)
	parsed, err := ParseQuery(data)
	require.NoError(t, err)
	assert.Equal(t, subquery.FTAbandon, parsed.FTMode)
	assert.Len(t, parsed.WorkerPlans, 3)
	assert.Equal(t, 2, parsed.WorkerPlans[2].Fragments[0].Operators[0].Offsets[3])
}

func TestBuildSubQuery(t *testing.T) {
	q := ShuffleCountQuery(workers, 300, subquery.FTRejoin)
	sq, err := q.BuildSubQuery(middleware.NewSubQueryID(9, 0))
	require.NoError(t, err)
	assert.Equal(t, workers, sq.Workers())
	require.Len(t, sq.MasterPlan.RootOps, 1)
	_, ok := sq.MasterPlan.RootOps[0].(*operator.SinkRoot)
	assert.True(t, ok)

	plan, err := DecodePlan(sq.WorkerPlans[1].Encoded)
	require.NoError(t, err)
	assert.Equal(t, subquery.FTRejoin, plan.FTMode)
	require.Len(t, plan.RootOps, 2)
	shuffle, ok := plan.RootOps[0].(*operator.Producer)
	require.True(t, ok)
	assert.Equal(t, workers, shuffle.Destinations())
	assert.Equal(t, int64(shuffleExchange), shuffle.ExchangeID())
}

func TestDecodePlanBuildsFreshTrees(t *testing.T) {
	sq, err := ShuffleCountQuery(workers, 30, subquery.FTNone).BuildSubQuery(middleware.NewSubQueryID(1, 0))
	require.NoError(t, err)
	a, err := DecodePlan(sq.WorkerPlans[2].Encoded)
	require.NoError(t, err)
	b, err := DecodePlan(sq.WorkerPlans[2].Encoded)
	require.NoError(t, err)
	assert.NotSame(t, a.RootOps[0], b.RootOps[0])
}

func TestInvalidPlans(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(q *QueryEncoding)
	}{
		{"unknown operator", func(q *QueryEncoding) {
			q.MasterPlan.Fragments[0].Operators[1].OpType = "Join"
		}},
		{"missing child", func(q *QueryEncoding) {
			q.MasterPlan.Fragments[0].Operators[1].ArgChild = "nope"
		}},
		{"child after parent", func(q *QueryEncoding) {
			ops := q.MasterPlan.Fragments[0].Operators
			ops[0], ops[1] = ops[1], ops[0]
		}},
		{"two roots", func(q *QueryEncoding) {
			f := &q.MasterPlan.Fragments[0]
			f.Operators = append(f.Operators, f.Operators[0])
			f.Operators[2].OpID = "other"
		}},
		{"non root at top", func(q *QueryEncoding) {
			f := &q.MasterPlan.Fragments[0]
			f.Operators = f.Operators[:1]
		}},
		{"unknown destination", func(q *QueryEncoding) {
			p := q.WorkerPlans[1]
			p.Fragments[1].Operators[1].Destinations = []middleware.NodeID{7}
		}},
		{"collect to many", func(q *QueryEncoding) {
			p := q.WorkerPlans[1]
			p.Fragments[1].Operators[1].Destinations = workers
		}},
		{"shuffle without partition", func(q *QueryEncoding) {
			p := q.WorkerPlans[2]
			p.Fragments[0].Operators[1].Partition = nil
		}},
		{"negative key column", func(q *QueryEncoding) {
			p := q.WorkerPlans[3]
			p.Fragments[0].Operators[1].Partition = &PartitionEncoding{Type: "hash", KeyColumns: []int{-1}}
		}},
		{"worker uses coordinator id", func(q *QueryEncoding) {
			q.WorkerPlans[middleware.CoordinatorID] = q.WorkerPlans[1]
		}},
		{"consumer without schema", func(q *QueryEncoding) {
			q.MasterPlan.Fragments[0].Operators[0].Schema = nil
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			q := ShuffleCountQuery(workers, 10, subquery.FTNone)
			c.mutate(q)
			err := q.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, merr.ErrInvalidPlan), err.Error())
		})
	}
}

func TestParseQueryRejectsGarbage(t *testing.T) {
	_, err := ParseQuery([]byte("{"))
	assert.True(t, errors.Is(err, merr.ErrInvalidPlan))

	_, err = ParseQuery([]byte(`{"ftMode":"sometimes"}`))
	assert.Error(t, err)
}

func TestLocalCountQuery(t *testing.T) {
	q := LocalCountQuery(workers, 40, subquery.FTNone)
	require.NoError(t, q.Validate())
	assert.Len(t, q.MasterPlan.Fragments, 1)

	sq, err := q.BuildSubQuery(middleware.NewSubQueryID(7, 0))
	require.NoError(t, err)
	require.Len(t, sq.MasterPlan.RootOps, 1)
	_, ok := sq.MasterPlan.RootOps[0].(*operator.SinkRoot)
	assert.True(t, ok)
	for _, w := range workers {
		plan, err := DecodePlan(sq.WorkerPlans[w].Encoded)
		require.NoError(t, err)
		assert.Len(t, plan.RootOps, 1)
	}
}
