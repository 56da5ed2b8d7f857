package subquery

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// FTMode is the fault tolerance policy of a subquery, fixed at submission.
type FTMode int32

const (
	// FTNone kills the whole query on the first real node failure.
	FTNone FTMode = iota
	// FTAbandon drops a failed node and lets the others finish.
	FTAbandon
	// FTRejoin waits for a node lost by heartbeat to come back.
	FTRejoin
)

func (m FTMode) String() string {
	switch m {
	case FTNone:
		return "none"
	case FTAbandon:
		return "abandon"
	case FTRejoin:
		return "rejoin"
	}
	return "unknown"
}

func ParseFTMode(s string) (FTMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FTNone, nil
	case "abandon":
		return FTAbandon, nil
	case "rejoin":
		return FTRejoin, nil
	}
	return FTNone, errors.Newf("unknown fault tolerance mode %q", s)
}

func (m FTMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *FTMode) UnmarshalText(b []byte) error {
	parsed, err := ParseFTMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
