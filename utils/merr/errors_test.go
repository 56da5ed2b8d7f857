package merr

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware"
)

func TestKilledSurvivesWrapping(t *testing.T) {
	err := Killed("killed by %s", "user")
	assert.True(t, IsKilled(err))
	assert.True(t, IsKilled(errors.Wrap(err, "task")))
	assert.False(t, IsKilled(errors.New("boom")))
	assert.False(t, IsKilled(nil))
}

func TestWrapTaskFailure(t *testing.T) {
	assert.Nil(t, WrapTaskFailure(nil, "t"))

	err := WrapTaskFailure(errors.New("disk"), "root#3")
	assert.True(t, errors.Is(err, ErrTaskFailure))
	assert.Contains(t, err.Error(), "root#3")

	killed := WrapTaskFailure(ErrQueryKilled, "root#3")
	assert.True(t, IsKilled(killed))
	assert.False(t, errors.Is(killed, ErrTaskFailure))
}

func TestAggregateErrorFiltersKilled(t *testing.T) {
	id := middleware.NewSubQueryID(7, 0)
	assert.Nil(t, NewAggregateError(id, map[middleware.NodeID]error{1: ErrQueryKilled}))

	agg := NewAggregateError(id, map[middleware.NodeID]error{
		3: errors.New("oom"),
		1: Killed("stop"),
		2: errors.New("bad input"),
	})
	require.NotNil(t, agg)
	require.Len(t, agg.Failures, 2)
	assert.Equal(t, middleware.NodeID(2), agg.Failures[0].NodeID)
	assert.Equal(t, "query #7.0 failed. node #2 failed: bad input; node #3 failed: oom", agg.Error())
	assert.EqualError(t, agg.Cause(3), "oom")
	assert.Nil(t, agg.Cause(1))

	var target *AggregateError
	assert.True(t, errors.As(error(agg), &target))
}

func TestIsLostHeartbeat(t *testing.T) {
	assert.True(t, IsLostHeartbeat(errors.Wrap(ErrLostHeartbeat, "node 2")))
	assert.True(t, IsLostHeartbeat(ErrNodeUnreachable))
	assert.False(t, IsLostHeartbeat(errors.New("other")))
}
