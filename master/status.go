package master

import (
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/kv"
	"github.com/linkflow/middleware/operator"
	"github.com/linkflow/middleware/subquery"
	"github.com/linkflow/utils/merr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type QueryState string

const (
	StateRunning   QueryState = "running"
	StateSucceeded QueryState = "succeeded"
	StateFailed    QueryState = "failed"
	StateKilled    QueryState = "killed"
)

// QueryStatus is what the master reports, and keeps, about a query.
type QueryStatus struct {
	SubQueryID   middleware.SubQueryID `json:"subQueryId"`
	RawQuery     string                `json:"rawQuery,omitempty"`
	State        QueryState            `json:"state"`
	FTMode       string                `json:"ftMode"`
	StartTime    time.Time             `json:"startTime"`
	EndTime      time.Time             `json:"endTime"`
	Elapsed      time.Duration         `json:"elapsed"`
	OutputTuples int64                 `json:"outputTuples"`
	MissingNodes []middleware.NodeID   `json:"missingNodes,omitempty"`
	Cause        string                `json:"cause,omitempty"`
}

// Err rebuilds the outcome of a finished query.
func (st *QueryStatus) Err() error {
	switch st.State {
	case StateSucceeded:
		return nil
	case StateKilled:
		return merr.Killed("%s", st.Cause)
	case StateFailed:
		return errors.Newf("%s", st.Cause)
	}
	return errors.Newf("query %s has not finished", st.SubQueryID)
}

func newRunningStatus(mq *subquery.MasterSubQuery, rawQuery string) *QueryStatus {
	stats := mq.Statistics()
	return &QueryStatus{
		SubQueryID:   mq.SubQueryID(),
		RawQuery:     rawQuery,
		State:        StateRunning,
		FTMode:       mq.FTMode().String(),
		StartTime:    stats.StartTime(),
		Elapsed:      stats.Elapsed(),
		OutputTuples: outputTuples(mq),
		MissingNodes: mq.MissingNodes(),
	}
}

func newFinishedStatus(mq *subquery.MasterSubQuery, rawQuery string, cause error) *QueryStatus {
	st := newRunningStatus(mq, rawQuery)
	st.EndTime = mq.Statistics().EndTime()
	switch {
	case cause == nil:
		st.State = StateSucceeded
	case merr.IsKilled(cause):
		st.State = StateKilled
		st.Cause = cause.Error()
	default:
		st.State = StateFailed
		st.Cause = cause.Error()
	}
	return st
}

// outputTuples sums what the sinks of the coordinator plan received.
func outputTuples(mq *subquery.MasterSubQuery) int64 {
	var n int64
	for _, root := range mq.SubQuery().MasterPlan.RootOps {
		if sink, ok := root.(*operator.SinkRoot); ok {
			n += sink.Count()
		}
	}
	return n
}

// historyStore persists query statuses under prefix/<queryID>/<index>.
type historyStore struct {
	kv     kv.BaseKV
	prefix string
}

func (h *historyStore) key(id middleware.SubQueryID) string {
	return path.Join(h.prefix, strconv.FormatInt(id.QueryID, 10), strconv.FormatInt(id.SubQueryIndex, 10))
}

func (h *historyStore) save(st *QueryStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode query status")
	}
	return h.kv.Save(h.key(st.SubQueryID), string(data))
}

func (h *historyStore) load(id middleware.SubQueryID) (*QueryStatus, error) {
	value, err := h.kv.Load(h.key(id))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, errors.Wrapf(merr.ErrUnknownQuery, "no query %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load status of %s", id)
	}
	st := &QueryStatus{}
	if err := json.Unmarshal([]byte(value), st); err != nil {
		return nil, errors.Wrapf(err, "decode status of %s", id)
	}
	return st, nil
}

// History lists every recorded query by id.
func (s *Server) History() ([]*QueryStatus, error) {
	_, values, err := s.cfg.History.LoadWithPrefix(s.cfg.HistoryPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "load query history")
	}
	statuses := make([]*QueryStatus, 0, len(values))
	for _, v := range values {
		st := &QueryStatus{}
		if err := json.Unmarshal([]byte(v), st); err != nil {
			return nil, errors.Wrap(err, "decode query history")
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool {
		a, b := statuses[i].SubQueryID, statuses[j].SubQueryID
		return a.QueryID < b.QueryID || (a.QueryID == b.QueryID && a.SubQueryIndex < b.SubQueryIndex)
	})
	return statuses, nil
}
