package kv

import (
	"github.com/cockroachdb/errors"

	"github.com/linkflow/middleware"
)

type UniqueID = middleware.UniqueID

// ErrKeyNotFound is returned by Load for absent keys.
var ErrKeyNotFound = errors.New("key not found")

type BaseKV interface {
	Load(key string) (string, error)
	MultiLoad(keys []string) ([]string, error)
	LoadWithPrefix(prefix string) ([]string, []string, error)
	Save(key, value string) error
	MultiSave(kvs map[string]string) error
	Remove(key string) error
	MultiRemove(keys []string) error
	RemoveWithPrefix(key string) error
	Has(key string) (bool, error)
	HasPrefix(prefix string) (bool, error)
	Close()
}

// TxnKV adds conditional writes to BaseKV.
type TxnKV interface {
	BaseKV
	// CompareAndSwap sets key to value if its current value equals expected.
	// An empty expected value matches only an absent key.
	CompareAndSwap(key, expected, value string) (bool, error)
}
