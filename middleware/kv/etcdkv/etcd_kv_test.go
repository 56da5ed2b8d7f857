package etcdkv

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/middleware/kv"
	"github.com/linkflow/utils/etcd"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "etcdkv")
	if err != nil {
		panic(err)
	}
	if err := etcd.InitEtcdServer(dir); err != nil {
		panic(err)
	}
	code := m.Run()
	etcd.StopEtcdServer()
	os.RemoveAll(dir)
	os.Exit(code)
}

func newKV(t *testing.T, root string) *EtcdKV {
	cli, err := etcd.GetEmbedEtcdClient()
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	s := NewEtcdKV(cli, root)
	require.NoError(t, s.RemoveWithPrefix(""))
	return s
}

func TestEtcdKV(t *testing.T) {
	s := newKV(t, "/linkflow/test-kv")

	require.NoError(t, s.Save("query/1", "a"))
	require.NoError(t, s.MultiSave(map[string]string{"query/2": "b", "other": "c"}))

	v, err := s.Load("query/1")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	_, err = s.Load("query/3")
	assert.True(t, errors.Is(err, kv.ErrKeyNotFound))

	values, err := s.MultiLoad([]string{"query/2", "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, values)

	keys, values, err := s.LoadWithPrefix("query")
	require.NoError(t, err)
	assert.Equal(t, []string{"query/1", "query/2"}, keys)
	assert.Equal(t, []string{"a", "b"}, values)

	ok, err := s.Has("other")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.HasPrefix("query")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Remove("other"))
	require.NoError(t, s.MultiRemove([]string{"query/1"}))
	keys, _, err = s.LoadWithPrefix("")
	require.NoError(t, err)
	assert.Equal(t, []string{"query/2"}, keys)
}

func TestEtcdKVCompareAndSwap(t *testing.T) {
	s := newKV(t, "/linkflow/test-cas")

	ok, err := s.CompareAndSwap("id", "", "10")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CompareAndSwap("id", "", "20")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.CompareAndSwap("id", "10", "20")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.Load("id")
	require.NoError(t, err)
	assert.Equal(t, "20", v)
}
