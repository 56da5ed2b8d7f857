package config

import "time"

// Priorities of the sources, lower wins.
const (
	etcdPriority = 1
	envPriority  = etcdPriority + 10
	filePriority = envPriority + 10
)

// Source is one origin of configuration. Keys are normalized by formatKey.
type Source interface {
	GetConfigurations() (map[string]string, error)
	GetConfigurationByKey(key string) (string, error)
	GetPriority() int
	GetSourceName() string
	// SetEventHandler receives the changes found by later refreshes.
	SetEventHandler(eh EventHandler)
	Close()
}

// EtcdInfo locates the configuration kept in etcd under KeyPrefix/config.
type EtcdInfo struct {
	UseEmbed   bool
	UseSSL     bool
	Endpoints  []string
	KeyPrefix  string
	CertFile   string
	KeyFile    string
	CaCertFile string
	MinVersion string

	// RefreshInterval of zero reads etcd once.
	RefreshInterval time.Duration
}

// FileInfo lists YAML files, later files overriding earlier ones. Missing
// files are skipped.
type FileInfo struct {
	Files []string
	// RefreshInterval of zero reads the files once.
	RefreshInterval time.Duration
}

type Options struct {
	FileInfo        *FileInfo
	EtcdInfo        *EtcdInfo
	EnvKeyFormatter func(string) string
}

type Option func(options *Options)

func WithFilesSource(fi *FileInfo) Option {
	return func(options *Options) {
		options.FileInfo = fi
	}
}

func WithEtcdSource(ri *EtcdInfo) Option {
	return func(options *Options) {
		options.EtcdInfo = ri
	}
}

// WithEnvSource reads the process environment, naming keys with keyFormatter.
func WithEnvSource(keyFormatter func(string) string) Option {
	return func(options *Options) {
		options.EnvKeyFormatter = keyFormatter
	}
}
