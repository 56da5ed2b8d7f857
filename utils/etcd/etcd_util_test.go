package etcd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedEtcdClient(t *testing.T) {
	_, err := GetEtcdClient(true, false, nil, "", "", "", "")
	assert.Error(t, err)

	require.NoError(t, InitEtcdServer(t.TempDir()))
	defer StopEtcdServer()
	require.NoError(t, InitEtcdServer(t.TempDir()))

	cli, err := GetEtcdClient(true, false, nil, "", "", "", "")
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.Put(context.Background(), "k", "v")
	require.NoError(t, err)
	resp, err := cli.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "v", string(resp.Kvs[0].Value))
}

func TestSSLClientRejectsUnknownVersion(t *testing.T) {
	_, err := GetRemoteEtcdSSLClient([]string{"localhost:2379"}, "", "", "", "0.9")
	assert.Error(t, err)
}
