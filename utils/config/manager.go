package config

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/linkflow/middleware/log"
)

// EnvPrefix is stripped from environment variables before lookup, so
// LINKFLOW_QUERY_POOLSIZE answers query.poolSize.
const EnvPrefix = "LINKFLOW_"

// formatKey normalizes keys of every source: lower case without separators.
func formatKey(key string) string {
	ret := strings.ToLower(key)
	ret = strings.ReplaceAll(ret, "/", "")
	ret = strings.ReplaceAll(ret, "_", "")
	ret = strings.ReplaceAll(ret, ".", "")
	return ret
}

// EnvKeyFormatter maps LINKFLOW_ prefixed variables onto config keys.
func EnvKeyFormatter(key string) string {
	if !strings.HasPrefix(key, EnvPrefix) {
		return formatKey(key)
	}
	return formatKey(strings.TrimPrefix(key, EnvPrefix))
}

// Manager answers keys from the source with the highest priority holding them.
// Overlays set in process win over every source.
type Manager struct {
	sync.RWMutex
	sources      map[string]Source
	keySourceMap map[string]string
	overlays     map[string]string
	handlers     map[string]map[string]EventHandler
}

func NewManager() *Manager {
	return &Manager{
		sources:      make(map[string]Source),
		keySourceMap: make(map[string]string),
		overlays:     make(map[string]string),
		handlers:     make(map[string]map[string]EventHandler),
	}
}

func (m *Manager) GetConfig(key string) (string, error) {
	m.RLock()
	defer m.RUnlock()
	realKey := formatKey(key)
	if v, ok := m.overlays[realKey]; ok {
		return v, nil
	}
	sourceName, ok := m.keySourceMap[realKey]
	if !ok {
		return "", errors.Wrap(ErrKeyNotFound, key)
	}
	v, err := m.sources[sourceName].GetConfigurationByKey(realKey)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "source %s", sourceName), ErrKeyNotFound)
	}
	return v, nil
}

// GetConfigsByPattern returns the normalized keys starting with prefix.
func (m *Manager) GetConfigsByPattern(prefix string) map[string]string {
	m.RLock()
	defer m.RUnlock()
	p := formatKey(prefix)
	result := make(map[string]string)
	for key := range m.keySourceMap {
		if !strings.HasPrefix(key, p) {
			continue
		}
		if v, err := m.sources[m.keySourceMap[key]].GetConfigurationByKey(key); err == nil {
			result[key] = v
		}
	}
	for key, v := range m.overlays {
		if strings.HasPrefix(key, p) {
			result[key] = v
		}
	}
	return result
}

// SetConfig overrides key for this process.
func (m *Manager) SetConfig(key, value string) {
	m.Lock()
	defer m.Unlock()
	m.overlays[formatKey(key)] = value
}

func (m *Manager) DeleteConfig(key string) {
	m.Lock()
	defer m.Unlock()
	delete(m.overlays, formatKey(key))
}

func (m *Manager) AddSource(source Source) error {
	m.Lock()
	defer m.Unlock()
	name := source.GetSourceName()
	if _, ok := m.sources[name]; ok {
		return errors.Newf("duplicate config source %s", name)
	}
	configs, err := source.GetConfigurations()
	if err != nil {
		return errors.Wrapf(err, "pull configurations from %s", name)
	}
	m.sources[name] = source
	for key := range configs {
		m.claimKey(formatKey(key), source)
	}
	source.SetEventHandler(m)
	return nil
}

// claimKey assigns key to source unless a source of higher priority has it.
func (m *Manager) claimKey(key string, source Source) {
	if current, ok := m.keySourceMap[key]; ok {
		if m.sources[current].GetPriority() < source.GetPriority() {
			return
		}
	}
	m.keySourceMap[key] = source.GetSourceName()
}

// AddHandler registers h for changes of key.
func (m *Manager) AddHandler(key string, h EventHandler) {
	m.Lock()
	defer m.Unlock()
	k := formatKey(key)
	if m.handlers[k] == nil {
		m.handlers[k] = make(map[string]EventHandler)
	}
	m.handlers[k][h.GetIdentifier()] = h
}

// OnEvent keeps the key to source map current and forwards the event.
func (m *Manager) OnEvent(event *Event) {
	key := formatKey(event.Key)
	m.Lock()
	source, ok := m.sources[event.Source]
	if !ok {
		m.Unlock()
		log.Warn("config event from unknown source", zap.String("source", event.Source))
		return
	}
	switch event.Type {
	case KeyCreated, KeyUpdated:
		m.claimKey(key, source)
	case KeyDeleted:
		if m.keySourceMap[key] == event.Source {
			delete(m.keySourceMap, key)
			for _, other := range m.sources {
				if other.GetSourceName() == event.Source {
					continue
				}
				if _, err := other.GetConfigurationByKey(key); err == nil {
					m.claimKey(key, other)
				}
			}
		}
	}
	handlers := make([]EventHandler, 0, len(m.handlers[key]))
	for _, h := range m.handlers[key] {
		handlers = append(handlers, h)
	}
	m.Unlock()

	for _, h := range handlers {
		h.OnEvent(event)
	}
}

func (m *Manager) GetIdentifier() string {
	return "Manager"
}

func (m *Manager) Close() {
	m.RLock()
	sources := make([]Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.RUnlock()
	for _, s := range sources {
		s.Close()
	}
}
