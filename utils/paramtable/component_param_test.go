package paramtable

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestComponentParamDefaults(t *testing.T) {
	var p ComponentParam
	require.NoError(t, p.Init())

	assert.Equal(t, 64, p.QueryCfg.InputBufferCapacity.GetAsInt())
	assert.Equal(t, 16, p.QueryCfg.RecoverTrigger.GetAsInt())
	assert.Greater(t, p.QueryCfg.PoolSize.GetAsInt(), 0)
	assert.Equal(t, 10*time.Second, p.QueryCfg.KillTimeout.GetAsDuration(time.Second))
	assert.Equal(t, "none", p.QueryCfg.DefaultFTMode.GetValue())
	assert.Empty(t, p.QueryCfg.ExecEnvVars.GetAsJSONMap())
	assert.Equal(t, time.Second, p.HeartbeatCfg.Interval.GetAsDuration(time.Second))
	assert.False(t, p.EtcdCfg.UseEtcd.GetAsBool())
	assert.Equal(t, []string{"localhost:2379"}, p.EtcdCfg.Endpoints.GetAsStrings())
}

func TestComponentParamFromFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "linkflow.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
common:
  nodeID: 2
  peers: 0=127.0.0.1:7000, 1=127.0.0.1:7001
query:
  poolSize: 3
  killTimeout: 2
  execEnvVars: '{"batchSize": 128}'
`), 0o600))
	t.Setenv("LINKFLOW_QUERY_FTMODE", "rejoin")

	var p ComponentParam
	require.NoError(t, p.Init(file))

	assert.Equal(t, int32(2), p.CommonCfg.NodeID.GetAsInt32())
	assert.Equal(t, 3, p.QueryCfg.PoolSize.GetAsInt())
	assert.Equal(t, 2*time.Second, p.QueryCfg.KillTimeout.GetAsDuration(time.Second))
	assert.Equal(t, "rejoin", p.QueryCfg.DefaultFTMode.GetValue())
	assert.Equal(t, map[string]string{"batchSize": "128"}, p.QueryCfg.ExecEnvVars.GetAsJSONMap())

	peers, err := p.CommonCfg.PeerAddresses()
	require.NoError(t, err)
	assert.Equal(t, map[int32]string{0: "127.0.0.1:7000", 1: "127.0.0.1:7001"}, peers)

	p.QueryCfg.PoolSize.SwapTempValue("7")
	assert.Equal(t, 7, p.QueryCfg.PoolSize.GetAsInt())
	p.QueryCfg.PoolSize.SwapTempValue("")
	assert.Equal(t, 3, p.QueryCfg.PoolSize.GetAsInt())
}

func TestPeerAddressesRejectsGarbage(t *testing.T) {
	var p ComponentParam
	require.NoError(t, p.Init())
	p.CommonCfg.Peers.SwapTempValue("1:127.0.0.1")
	_, err := p.CommonCfg.PeerAddresses()
	assert.Error(t, err)
}

func TestGetIsShared(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestWatchFollowsFileChanges(t *testing.T) {
	prev := FileRefreshInterval
	FileRefreshInterval = 20 * time.Millisecond
	defer func() { FileRefreshInterval = prev }()

	file := filepath.Join(t.TempDir(), "linkflow.yaml")
	require.NoError(t, os.WriteFile(file, []byte("common:\n  log:\n    level: info\n"), 0o600))
	var p ComponentParam
	require.NoError(t, p.Init(file))
	defer p.Manager().Close()

	var seen atomic.String
	p.CommonCfg.LogLevel.Watch("test", func(v string) { seen.Store(v) })
	require.NoError(t, os.WriteFile(file, []byte("common:\n  log:\n    level: debug\n"), 0o600))
	require.Eventually(t, func() bool { return seen.Load() == "debug" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", p.CommonCfg.LogLevel.GetValue())
}
