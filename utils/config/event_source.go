package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/linkflow/utils"
)

type EnvSource struct {
	configs      *utils.ConcurrentMap[string, string]
	KeyFormatter func(string) string
}

func NewEnvSource(KeyFormatter func(string) string) EnvSource {
	es := EnvSource{
		configs:      utils.NewConcurrentMap[string, string](),
		KeyFormatter: KeyFormatter,
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		es.configs.Insert(KeyFormatter(key), value)
	}
	return es
}

// GetConfigurationByKey implements Source
func (es EnvSource) GetConfigurationByKey(key string) (string, error) {
	value, ok := es.configs.Get(key)

	if !ok {
		return "", errors.Wrap(ErrKeyNotFound, key)
	}

	return value, nil
}

// GetConfigurations implements Source
func (es EnvSource) GetConfigurations() (map[string]string, error) {
	configMap := make(map[string]string)
	es.configs.Range(func(k, v string) bool {
		configMap[k] = v
		return true
	})

	return configMap, nil
}

// GetPriority implements Source
func (es EnvSource) GetPriority() int {
	return envPriority
}

// GetSourceName implements Source
func (es EnvSource) GetSourceName() string {
	return "EnvironmentSource"
}

func (es EnvSource) SetEventHandler(eh EventHandler) {}

func (es EnvSource) Close() {}
