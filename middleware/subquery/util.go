package subquery

import (
	"strconv"

	"github.com/linkflow/middleware"
)

func nodeLabel(node middleware.NodeID) string {
	return strconv.FormatInt(int64(node), 10)
}
