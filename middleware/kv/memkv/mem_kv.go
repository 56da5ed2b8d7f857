// Package memkv is an in-process TxnKV used by tests and single node setups.
package memkv

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/linkflow/middleware/kv"
)

var _ kv.TxnKV = (*MemoryKV)(nil)

type MemoryKV struct {
	sync.RWMutex
	tree *btree.BTree
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{tree: btree.New(2)}
}

type memoryKVItem struct {
	key, value string
}

func (item memoryKVItem) Less(than btree.Item) bool {
	return item.key < than.(memoryKVItem).key
}

func (s *MemoryKV) get(key string) (string, bool) {
	item := s.tree.Get(memoryKVItem{key: key})
	if item == nil {
		return "", false
	}
	return item.(memoryKVItem).value, true
}

func (s *MemoryKV) Load(key string) (string, error) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.get(key)
	if !ok {
		return "", errors.Wrapf(kv.ErrKeyNotFound, "load %s", key)
	}
	return v, nil
}

func (s *MemoryKV) MultiLoad(keys []string) ([]string, error) {
	s.RLock()
	defer s.RUnlock()
	result := make([]string, 0, len(keys))
	var missing []string
	for _, key := range keys {
		v, ok := s.get(key)
		if !ok {
			missing = append(missing, key)
		}
		result = append(result, v)
	}
	if len(missing) > 0 {
		return result, errors.Wrapf(kv.ErrKeyNotFound, "multi load %v", missing)
	}
	return result, nil
}

func (s *MemoryKV) scan(prefix string, fn func(item memoryKVItem)) {
	s.tree.AscendGreaterOrEqual(memoryKVItem{key: prefix}, func(i btree.Item) bool {
		item := i.(memoryKVItem)
		if !strings.HasPrefix(item.key, prefix) {
			return false
		}
		fn(item)
		return true
	})
}

func (s *MemoryKV) LoadWithPrefix(prefix string) ([]string, []string, error) {
	s.RLock()
	defer s.RUnlock()
	var keys, values []string
	s.scan(prefix, func(item memoryKVItem) {
		keys = append(keys, item.key)
		values = append(values, item.value)
	})
	return keys, values, nil
}

func (s *MemoryKV) Save(key, value string) error {
	s.Lock()
	defer s.Unlock()
	s.tree.ReplaceOrInsert(memoryKVItem{key, value})
	return nil
}

func (s *MemoryKV) MultiSave(kvs map[string]string) error {
	s.Lock()
	defer s.Unlock()
	for k, v := range kvs {
		s.tree.ReplaceOrInsert(memoryKVItem{k, v})
	}
	return nil
}

func (s *MemoryKV) Remove(key string) error {
	s.Lock()
	defer s.Unlock()
	s.tree.Delete(memoryKVItem{key: key})
	return nil
}

func (s *MemoryKV) MultiRemove(keys []string) error {
	s.Lock()
	defer s.Unlock()
	for _, key := range keys {
		s.tree.Delete(memoryKVItem{key: key})
	}
	return nil
}

func (s *MemoryKV) RemoveWithPrefix(prefix string) error {
	s.Lock()
	defer s.Unlock()
	var keys []string
	s.scan(prefix, func(item memoryKVItem) {
		keys = append(keys, item.key)
	})
	for _, key := range keys {
		s.tree.Delete(memoryKVItem{key: key})
	}
	return nil
}

func (s *MemoryKV) Has(key string) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	return s.tree.Has(memoryKVItem{key: key}), nil
}

func (s *MemoryKV) HasPrefix(prefix string) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	found := false
	s.tree.AscendGreaterOrEqual(memoryKVItem{key: prefix}, func(i btree.Item) bool {
		found = strings.HasPrefix(i.(memoryKVItem).key, prefix)
		return false
	})
	return found, nil
}

func (s *MemoryKV) CompareAndSwap(key, expected, value string) (bool, error) {
	s.Lock()
	defer s.Unlock()
	current, ok := s.get(key)
	if expected == "" && ok || expected != "" && (!ok || current != expected) {
		return false, nil
	}
	s.tree.ReplaceOrInsert(memoryKVItem{key, value})
	return true, nil
}

func (s *MemoryKV) Close() {}
