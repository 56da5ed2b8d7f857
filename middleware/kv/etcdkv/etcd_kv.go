// Package etcdkv stores keys under a root path of an etcd cluster.
package etcdkv

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/linkflow/middleware/kv"
	"github.com/linkflow/middleware/log"
)

// RequestTimeout bounds every etcd round trip.
const RequestTimeout = 10 * time.Second

var _ kv.TxnKV = (*EtcdKV)(nil)

type EtcdKV struct {
	client   *clientv3.Client
	rootPath string
}

// NewEtcdKV wraps client. The client stays owned by the caller.
func NewEtcdKV(client *clientv3.Client, rootPath string) *EtcdKV {
	return &EtcdKV{client: client, rootPath: rootPath}
}

func (s *EtcdKV) key(k string) string {
	return path.Join(s.rootPath, k)
}

func (s *EtcdKV) relative(k []byte) string {
	rel := string(k)[len(s.rootPath):]
	if len(rel) > 0 && rel[0] == '/' {
		rel = rel[1:]
	}
	return rel
}

func (s *EtcdKV) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), RequestTimeout)
}

func (s *EtcdKV) Load(key string) (string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return "", errors.Wrapf(err, "etcd load %s", key)
	}
	if resp.Count == 0 {
		return "", errors.Wrapf(kv.ErrKeyNotFound, "load %s", key)
	}
	return string(resp.Kvs[0].Value), nil
}

func (s *EtcdKV) MultiLoad(keys []string) ([]string, error) {
	ops := make([]clientv3.Op, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, clientv3.OpGet(s.key(key)))
	}
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Txn(ctx).If().Then(ops...).Commit()
	if err != nil {
		return nil, errors.Wrapf(err, "etcd multi load %v", keys)
	}
	result := make([]string, 0, len(keys))
	var missing []string
	for i, rp := range resp.Responses {
		kvs := rp.GetResponseRange().Kvs
		if len(kvs) == 0 {
			missing = append(missing, keys[i])
			result = append(result, "")
			continue
		}
		result = append(result, string(kvs[0].Value))
	}
	if len(missing) > 0 {
		return result, errors.Wrapf(kv.ErrKeyNotFound, "multi load %v", missing)
	}
	return result, nil
}

func (s *EtcdKV) LoadWithPrefix(prefix string) ([]string, []string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key(prefix), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "etcd load prefix %s", prefix)
	}
	keys := make([]string, 0, resp.Count)
	values := make([]string, 0, resp.Count)
	for _, item := range resp.Kvs {
		keys = append(keys, s.relative(item.Key))
		values = append(values, string(item.Value))
	}
	return keys, values, nil
}

func (s *EtcdKV) Save(key, value string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.client.Put(ctx, s.key(key), value)
	return errors.Wrapf(err, "etcd save %s", key)
}

func (s *EtcdKV) MultiSave(kvs map[string]string) error {
	ops := make([]clientv3.Op, 0, len(kvs))
	for k, v := range kvs {
		ops = append(ops, clientv3.OpPut(s.key(k), v))
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.client.Txn(ctx).If().Then(ops...).Commit()
	if err != nil {
		log.Warn("etcd multi save failed", zap.Int("count", len(kvs)), zap.Error(err))
	}
	return errors.Wrap(err, "etcd multi save")
}

func (s *EtcdKV) Remove(key string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.client.Delete(ctx, s.key(key))
	return errors.Wrapf(err, "etcd remove %s", key)
}

func (s *EtcdKV) MultiRemove(keys []string) error {
	ops := make([]clientv3.Op, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, clientv3.OpDelete(s.key(k)))
	}
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.client.Txn(ctx).If().Then(ops...).Commit()
	return errors.Wrap(err, "etcd multi remove")
}

func (s *EtcdKV) RemoveWithPrefix(prefix string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.client.Delete(ctx, s.key(prefix), clientv3.WithPrefix())
	return errors.Wrapf(err, "etcd remove prefix %s", prefix)
}

func (s *EtcdKV) Has(key string) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key(key), clientv3.WithCountOnly())
	if err != nil {
		return false, errors.Wrapf(err, "etcd has %s", key)
	}
	return resp.Count != 0, nil
}

func (s *EtcdKV) HasPrefix(prefix string) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Get(ctx, s.key(prefix), clientv3.WithPrefix(), clientv3.WithCountOnly(), clientv3.WithLimit(1))
	if err != nil {
		return false, errors.Wrapf(err, "etcd has prefix %s", prefix)
	}
	return resp.Count != 0, nil
}

func (s *EtcdKV) CompareAndSwap(key, expected, value string) (bool, error) {
	k := s.key(key)
	var cmp clientv3.Cmp
	if expected == "" {
		cmp = clientv3.Compare(clientv3.Version(k), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.Value(k), "=", expected)
	}
	ctx, cancel := s.ctx()
	defer cancel()
	resp, err := s.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(k, value)).Commit()
	if err != nil {
		return false, errors.Wrapf(err, "etcd compare and swap %s", key)
	}
	return resp.Succeeded, nil
}

func (s *EtcdKV) Close() {}
