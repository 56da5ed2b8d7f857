package paramtable

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/atomic"

	"github.com/linkflow/utils"
	"github.com/linkflow/utils/config"
)

type ParamItem struct {
	Key          string
	Version      string
	Doc          string
	DefaultValue string
	FallbackKeys []string
	PanicIfEmpty bool
	Export       bool

	Formatter func(originValue string) string
	Forbidden bool

	tempValue atomic.Pointer[string]
	manager   *config.Manager
}

func (pi *ParamItem) Init(manager *config.Manager) {
	pi.manager = manager
}

// get returns the value of the first key found, the default otherwise.
func (pi *ParamItem) get() (string, error) {
	// For unittest.
	if s := pi.tempValue.Load(); s != nil {
		return *s, nil
	}

	if pi.manager == nil {
		panic(fmt.Sprintf("manager is nil %s", pi.Key))
	}
	ret, err := pi.manager.GetConfig(pi.Key)
	if err != nil {
		for _, key := range pi.FallbackKeys {
			ret, err = pi.manager.GetConfig(key)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		ret = pi.DefaultValue
	}
	if pi.Formatter != nil {
		ret = pi.Formatter(ret)
	}
	if ret == "" && pi.PanicIfEmpty {
		panic(fmt.Sprintf("%s is empty", pi.Key))
	}
	return ret, err
}

// SwapTempValue overrides the item until called again with "".
func (pi *ParamItem) SwapTempValue(s string) {
	if s == "" {
		pi.tempValue.Store(nil)
		return
	}
	pi.tempValue.Store(&s)
}

// Watch calls fn with the new value whenever a source changes the key of the
// item. Overrides made with SwapTempValue are not reported.
func (pi *ParamItem) Watch(id string, fn func(value string)) {
	if pi.manager == nil {
		panic(fmt.Sprintf("manager is nil %s", pi.Key))
	}
	pi.manager.AddHandler(pi.Key, config.NewHandler(id, func(*config.Event) {
		fn(pi.GetValue())
	}))
}

func (pi *ParamItem) GetValue() string {
	v, _ := pi.get()
	return v
}

func (pi *ParamItem) GetAsStrings() []string {
	v := strings.TrimSpace(pi.GetValue())
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (pi *ParamItem) GetAsBool() bool {
	return cast.ToBool(pi.GetValue())
}

func (pi *ParamItem) GetAsInt() int {
	return getAsInt(pi.GetValue(), pi.DefaultValue)
}

func (pi *ParamItem) GetAsInt32() int32 {
	return int32(getAsInt(pi.GetValue(), pi.DefaultValue))
}

func (pi *ParamItem) GetAsInt64() int64 {
	return int64(getAsInt(pi.GetValue(), pi.DefaultValue))
}

func (pi *ParamItem) GetAsFloat() float64 {
	return getAsFloat(pi.GetValue())
}

// GetAsDuration accepts Go durations ("250ms") and plain numbers of unit.
func (pi *ParamItem) GetAsDuration(unit time.Duration) time.Duration {
	v := pi.GetValue()
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return time.Duration(getAsFloat(v) * float64(unit))
}

// GetAsJSONMap decodes a flat JSON object, nil if it is malformed.
func (pi *ParamItem) GetAsJSONMap() map[string]string {
	m, err := utils.JSONToMap(pi.GetValue())
	if err != nil {
		return nil
	}
	return m
}

func getAsInt(v, fallback string) int {
	i, err := cast.ToIntE(v)
	if err != nil {
		return cast.ToInt(fallback)
	}
	return i
}

func getAsFloat(v string) float64 {
	return cast.ToFloat64(v)
}
