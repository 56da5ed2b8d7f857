package utils

import (
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONToMap parses a flat JSON object into string values.
func JSONToMap(mStr string) (map[string]string, error) {
	buffer := make(map[string]any)
	if err := json.Unmarshal([]byte(mStr), &buffer); err != nil {
		return nil, errors.Wrap(err, "unmarshal params failed")
	}
	ret := make(map[string]string, len(buffer))
	for key, value := range buffer {
		str, err := cast.ToStringE(value)
		if err != nil {
			return nil, errors.Wrapf(err, "param %s", key)
		}
		ret[key] = str
	}
	return ret, nil
}
