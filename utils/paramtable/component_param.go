package paramtable

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"

	"github.com/linkflow/utils/config"
	"github.com/linkflow/utils/hardware"
)

// ConfigFileEnv names the YAML file read by Init when no file is given.
const ConfigFileEnv = "LINKFLOW_CONFIG"

// FileRefreshInterval is how often Init rereads its YAML files.
var FileRefreshInterval = 10 * time.Second

var (
	once    sync.Once
	initErr error
	params  ComponentParam
)

// Init loads the process wide parameters once, from files, the environment
// and optionally etcd.
func Init(files ...string) error {
	once.Do(func() {
		initErr = params.Init(files...)
	})
	return initErr
}

// Get returns the process wide parameters, initialized from the environment
// if Init was not called.
func Get() *ComponentParam {
	_ = Init()
	return &params
}

type ComponentParam struct {
	manager *config.Manager

	CommonCfg    CommonConfig
	QueryCfg     QueryConfig
	HeartbeatCfg HeartbeatConfig
	EtcdCfg      EtcdConfig
}

func (p *ComponentParam) Init(files ...string) error {
	if len(files) == 0 {
		if f := os.Getenv(ConfigFileEnv); f != "" {
			files = []string{f}
		}
	}
	fileInfo := &config.FileInfo{Files: files}
	if len(files) > 0 {
		fileInfo.RefreshInterval = FileRefreshInterval
	}
	m, err := config.Init(
		config.WithFilesSource(fileInfo),
		config.WithEnvSource(config.EnvKeyFormatter),
	)
	if err != nil {
		return err
	}
	p.manager = m
	p.CommonCfg.init(m)
	p.QueryCfg.init(m)
	p.HeartbeatCfg.init(m)
	p.EtcdCfg.init(m)

	if p.EtcdCfg.ConfigSource.GetAsBool() {
		s, err := config.NewEtcdSource(&config.EtcdInfo{
			UseEmbed:        p.EtcdCfg.UseEmbed.GetAsBool(),
			UseSSL:          p.EtcdCfg.UseSSL.GetAsBool(),
			Endpoints:       p.EtcdCfg.Endpoints.GetAsStrings(),
			KeyPrefix:       p.EtcdCfg.RootPath.GetValue(),
			CertFile:        p.EtcdCfg.CertFile.GetValue(),
			KeyFile:         p.EtcdCfg.KeyFile.GetValue(),
			CaCertFile:      p.EtcdCfg.CaCertFile.GetValue(),
			MinVersion:      p.EtcdCfg.MinVersion.GetValue(),
			RefreshInterval: p.EtcdCfg.RefreshInterval.GetAsDuration(time.Second),
		})
		if err != nil {
			return errors.Wrap(err, "etcd config source")
		}
		if err := m.AddSource(s); err != nil {
			return err
		}
	}
	return nil
}

// Manager exposes the underlying config manager.
func (p *ComponentParam) Manager() *config.Manager {
	return p.manager
}

// --- common ---
// Peers lists id=address pairs, the coordinator as 0.
type CommonConfig struct {
	NodeID         ParamItem `refreshable:"false"`
	ListenAddress  ParamItem `refreshable:"false"`
	Peers          ParamItem `refreshable:"false"`
	LogLevel       ParamItem `refreshable:"true"`
	LogFormat      ParamItem `refreshable:"false"`
	LogFile        ParamItem `refreshable:"false"`
	RPCTimeout     ParamItem `refreshable:"true"`
	MetricsAddress ParamItem `refreshable:"false"`
	GatewayAddress ParamItem `refreshable:"false"`
}

func (p *CommonConfig) init(m *config.Manager) {
	p.NodeID = ParamItem{Key: "common.nodeID", DefaultValue: "0"}
	p.ListenAddress = ParamItem{Key: "common.listenAddress", DefaultValue: "127.0.0.1:7000"}
	p.Peers = ParamItem{Key: "common.peers", DefaultValue: ""}
	p.LogLevel = ParamItem{Key: "common.log.level", DefaultValue: "info"}
	p.LogFormat = ParamItem{Key: "common.log.format", DefaultValue: "text"}
	p.LogFile = ParamItem{Key: "common.log.file", DefaultValue: ""}
	p.RPCTimeout = ParamItem{Key: "common.rpcTimeout", DefaultValue: "5s"}
	p.MetricsAddress = ParamItem{Key: "common.metricsAddress", DefaultValue: ""}
	p.GatewayAddress = ParamItem{Key: "common.gatewayAddress", DefaultValue: "127.0.0.1:7080", Doc: "admin api of the master"}
	for _, item := range []*ParamItem{
		&p.NodeID, &p.ListenAddress, &p.Peers, &p.LogLevel, &p.LogFormat, &p.LogFile, &p.RPCTimeout, &p.MetricsAddress, &p.GatewayAddress,
	} {
		item.Init(m)
	}
}

// PeerAddresses parses Peers into node id to address.
func (p *CommonConfig) PeerAddresses() (map[int32]string, error) {
	peers := make(map[int32]string)
	for _, pair := range p.Peers.GetAsStrings() {
		id, addr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.Newf("malformed peer %q, want id=address", pair)
		}
		nodeID, err := cast.ToInt32E(strings.TrimSpace(id))
		if err != nil || nodeID < 0 || strings.TrimSpace(addr) == "" {
			return nil, errors.Newf("malformed peer %q", pair)
		}
		peers[nodeID] = strings.TrimSpace(addr)
	}
	return peers, nil
}

// --- query ---
type QueryConfig struct {
	InputBufferCapacity ParamItem `refreshable:"false"`
	RecoverTrigger      ParamItem `refreshable:"false"`
	PoolSize            ParamItem `refreshable:"false"`
	MaxBatchesPerRun    ParamItem `refreshable:"true"`
	KillTimeout         ParamItem `refreshable:"true"`
	DefaultFTMode       ParamItem `refreshable:"true"`
	ExecEnvVars         ParamItem `refreshable:"true"`
	StallThreshold      ParamItem `refreshable:"false"`
	HistoryPrefix       ParamItem `refreshable:"false"`
	SendWindow          ParamItem `refreshable:"false"`
}

func (p *QueryConfig) init(m *config.Manager) {
	p.InputBufferCapacity = ParamItem{Key: "query.inputBuffer.capacity", DefaultValue: "64"}
	p.RecoverTrigger = ParamItem{Key: "query.inputBuffer.recoverTrigger", DefaultValue: "16"}
	p.PoolSize = ParamItem{
		Key: "query.poolSize",
		Formatter: func(v string) string {
			if v == "" || v == "0" {
				return strconv.Itoa(2 * hardware.GetCPUNum())
			}
			return v
		},
	}
	p.MaxBatchesPerRun = ParamItem{Key: "query.maxBatchesPerRun", DefaultValue: "16"}
	p.KillTimeout = ParamItem{Key: "query.killTimeout", DefaultValue: "10s"}
	p.DefaultFTMode = ParamItem{Key: "query.ftMode", DefaultValue: "none"}
	p.ExecEnvVars = ParamItem{Key: "query.execEnvVars", DefaultValue: "{}"}
	p.StallThreshold = ParamItem{Key: "query.stallThreshold", DefaultValue: "30s"}
	p.HistoryPrefix = ParamItem{Key: "query.historyPrefix", DefaultValue: "query/history"}
	p.SendWindow = ParamItem{Key: "query.sendWindow", DefaultValue: "16", Doc: "batches per channel waiting on a receiver before the producer stalls"}
	for _, item := range []*ParamItem{
		&p.InputBufferCapacity, &p.RecoverTrigger, &p.PoolSize, &p.MaxBatchesPerRun, &p.KillTimeout,
		&p.DefaultFTMode, &p.ExecEnvVars, &p.StallThreshold, &p.HistoryPrefix, &p.SendWindow,
	} {
		item.Init(m)
	}
}

// --- heartbeat ---
type HeartbeatConfig struct {
	Interval ParamItem `refreshable:"false"`
	Timeout  ParamItem `refreshable:"false"`
}

func (p *HeartbeatConfig) init(m *config.Manager) {
	p.Interval = ParamItem{Key: "heartbeat.interval", DefaultValue: "1s"}
	p.Timeout = ParamItem{Key: "heartbeat.timeout", DefaultValue: "5s"}
	p.Interval.Init(m)
	p.Timeout.Init(m)
}
