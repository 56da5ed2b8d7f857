package middleware

import "fmt"

// UniqueID is the identity type shared by queries, operators and generated ids.
type UniqueID = int64

// Timestamp is a nanosecond wall clock reading.
type Timestamp = int64

// NodeID identifies a coordinator or worker process.
type NodeID = int32

// CoordinatorID is the reserved node id of the master.
const CoordinatorID NodeID = 0

// SubQueryID identifies one subquery of a submitted distributed query.
type SubQueryID struct {
	QueryID       UniqueID `json:"queryId"`
	SubQueryIndex int64    `json:"subQueryIndex"`
}

// NewSubQueryID builds a SubQueryID.
func NewSubQueryID(queryID UniqueID, index int64) SubQueryID {
	return SubQueryID{QueryID: queryID, SubQueryIndex: index}
}

func (id SubQueryID) String() string {
	return fmt.Sprintf("#%d.%d", id.QueryID, id.SubQueryIndex)
}

// IsValid reports whether the id was allocated.
func (id SubQueryID) IsValid() bool {
	return id.QueryID > 0
}
