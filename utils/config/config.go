package config

import "github.com/cockroachdb/errors"

var ErrKeyNotFound = errors.New("key not found")

// Init builds a Manager over the configured sources. Etcd wins over the
// environment, which wins over files.
func Init(opts ...Option) (*Manager, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	sourceManager := NewManager()
	if o.FileInfo != nil {
		if err := sourceManager.AddSource(NewFileSource(o.FileInfo)); err != nil {
			return nil, err
		}
	}
	if o.EnvKeyFormatter != nil {
		if err := sourceManager.AddSource(NewEnvSource(o.EnvKeyFormatter)); err != nil {
			return nil, err
		}
	}
	if o.EtcdInfo != nil {
		s, err := NewEtcdSource(o.EtcdInfo)
		if err != nil {
			return nil, err
		}
		if err := sourceManager.AddSource(s); err != nil {
			return nil, err
		}
	}
	return sourceManager, nil
}
