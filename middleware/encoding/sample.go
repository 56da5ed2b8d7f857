package encoding

import (
	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/storage"
	"github.com/linkflow/middleware/subquery"
)

const (
	shuffleExchange = 1
	collectExchange = 2
)

// ShuffleCountQuery builds a query in which every worker generates its slice
// of [0, count), hash shuffles it over all workers by value and collects the
// shuffled tuples at the coordinator, where a sink counts them.
func ShuffleCountQuery(workers []middleware.NodeID, count int64, mode subquery.FTMode) *QueryEncoding {
	offsets := make(map[middleware.NodeID]int, len(workers))
	for i, w := range workers {
		offsets[w] = i
	}
	seqSchema := &storage.Schema{Types: []storage.Type{storage.TypeInt64}, Names: []string{"SEQNUM"}}

	plans := make(map[middleware.NodeID]PlanEncoding, len(workers))
	for _, w := range workers {
		plans[w] = PlanEncoding{Fragments: []FragmentEncoding{
			{Operators: []OperatorEncoding{
				{OpType: OpSeq, OpID: "scan", Count: count, Offsets: offsets},
				{
					OpType: OpShuffleProducer, OpID: "shuffle", ArgChild: "scan",
					ArgOperatorID: shuffleExchange, Destinations: workers,
					Partition: &PartitionEncoding{Type: "singleFieldHash", KeyColumns: []int{0}},
				},
			}},
			{Operators: []OperatorEncoding{
				{OpType: OpConsumer, OpID: "gather", ArgOperatorID: shuffleExchange, Sources: workers, Schema: seqSchema},
				{
					OpType: OpCollectProducer, OpID: "collect", ArgChild: "gather",
					ArgOperatorID: collectExchange, Destinations: []middleware.NodeID{middleware.CoordinatorID},
				},
			}},
		}}
	}
	master := PlanEncoding{Fragments: []FragmentEncoding{{Operators: []OperatorEncoding{
		{OpType: OpConsumer, OpID: "collected", ArgOperatorID: collectExchange, Sources: workers, Schema: seqSchema},
		{OpType: OpSinkRoot, OpID: "sink", ArgChild: "collected"},
	}}}}
	return &QueryEncoding{RawQuery: "shuffle count", FTMode: mode, MasterPlan: master, WorkerPlans: plans}
}

// CountPlan is a single fragment that generates the slice of [0, count) owned
// by the executing node and counts it in a sink.
func CountPlan(offsets map[middleware.NodeID]int, count int64) PlanEncoding {
	return PlanEncoding{Fragments: []FragmentEncoding{{Operators: []OperatorEncoding{
		{OpType: OpSeq, OpID: "scan", Count: count, Offsets: offsets},
		{OpType: OpSinkRoot, OpID: "sink", ArgChild: "scan"},
	}}}}
}

// LocalCountQuery splits [0, count) over the coordinator and the workers.
// Every node counts its own slice and nothing crosses the network.
func LocalCountQuery(workers []middleware.NodeID, count int64, mode subquery.FTMode) *QueryEncoding {
	offsets := map[middleware.NodeID]int{middleware.CoordinatorID: 0}
	for i, w := range workers {
		offsets[w] = i + 1
	}
	plans := make(map[middleware.NodeID]PlanEncoding, len(workers))
	for _, w := range workers {
		plans[w] = CountPlan(offsets, count)
	}
	return &QueryEncoding{RawQuery: "local count", FTMode: mode, MasterPlan: CountPlan(offsets, count), WorkerPlans: plans}
}
