package cli

import (
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cast"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/linkflow/master"
	"github.com/linkflow/middleware"
	"github.com/linkflow/middleware/gateway"
	"github.com/linkflow/middleware/generator"
	"github.com/linkflow/middleware/kv"
	"github.com/linkflow/middleware/kv/etcdkv"
	"github.com/linkflow/middleware/kv/memkv"
	"github.com/linkflow/middleware/log"
	"github.com/linkflow/middleware/metrics"
	"github.com/linkflow/middleware/task"
	"github.com/linkflow/middleware/transport"
	"github.com/linkflow/utils/etcd"
	"github.com/linkflow/utils/hardware"
	"github.com/linkflow/utils/paramtable"
	"github.com/linkflow/worker"
)

const queryIDKey = "query/id"

var (
	listenFlag = &cli.StringFlag{Name: "listen", Usage: "transport listen `ADDRESS`"}
	peersFlag  = &cli.StringFlag{Name: "peers", Usage: "comma separated `ID=ADDRESS` pairs"}
)

func masterCommand() *cli.Command {
	return &cli.Command{
		Name:  "master",
		Usage: "run the coordinator and its admin api",
		Flags: []cli.Flag{
			listenFlag,
			peersFlag,
			&cli.StringFlag{Name: "gateway", Usage: "admin api listen `ADDRESS`"},
		},
		Action: runMaster,
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run a worker node",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "node-id", Usage: "worker node `ID`, must be positive"},
			listenFlag,
			peersFlag,
			&cli.StringFlag{Name: "advertise", Usage: "`ADDRESS` the master dials back, defaults to the listen address"},
			&cli.StringFlag{Name: "metrics", Usage: "metrics listen `ADDRESS`"},
		},
		Action: runWorker,
	}
}

// setup loads the parameters, applies the command line overrides and installs
// the process logger.
func setup(c *cli.Context) (*paramtable.ComponentParam, error) {
	var files []string
	if f := c.String("config"); f != "" {
		files = append(files, f)
	}
	if err := paramtable.Init(files...); err != nil {
		return nil, errors.Wrap(err, "load configuration")
	}
	params := paramtable.Get()
	overrides := map[string]*paramtable.ParamItem{
		"node-id": &params.CommonCfg.NodeID,
		"listen":  &params.CommonCfg.ListenAddress,
		"peers":   &params.CommonCfg.Peers,
		"gateway": &params.CommonCfg.GatewayAddress,
		"metrics": &params.CommonCfg.MetricsAddress,
	}
	for name, item := range overrides {
		if c.IsSet(name) {
			item.SwapTempValue(cast.ToString(c.Value(name)))
		}
	}

	logCfg := &log.Config{
		Level:             params.CommonCfg.LogLevel.GetValue(),
		Format:            params.CommonCfg.LogFormat.GetValue(),
		DisableStacktrace: true,
	}
	if f := params.CommonCfg.LogFile.GetValue(); f != "" {
		logCfg.File = log.FileLogConfig{RootPath: filepath.Dir(f), Filename: filepath.Base(f)}
	}
	if err := log.Init(logCfg); err != nil {
		return nil, err
	}
	params.CommonCfg.LogLevel.Watch("log-level", func(v string) {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(v)); err != nil {
			log.Warn("ignore invalid log level", zap.String("level", v))
			return
		}
		log.SetLevel(level)
		log.Info("log level changed", zap.Stringer("level", level))
	})
	hardware.InitMaxprocs(false)
	log.Info("linkflow starting",
		zap.String("command", c.Command.Name),
		zap.Int("cpus", hardware.GetCPUNum()),
		zap.Uint64("memory", hardware.GetMemoryCount()))
	return params, nil
}

func newScheduler(c *cli.Context, params *paramtable.ComponentParam) (*task.Scheduler, error) {
	sched, err := task.NewScheduler(c.Context, params.QueryCfg.PoolSize.GetAsInt(),
		task.WithStallThreshold(params.QueryCfg.StallThreshold.GetAsDuration(time.Second)))
	if err != nil {
		return nil, err
	}
	if err := sched.Start(); err != nil {
		return nil, err
	}
	return sched, nil
}

func peerEndpoints(params *paramtable.ComponentParam) (map[middleware.NodeID]transport.Endpoint, error) {
	addrs, err := params.CommonCfg.PeerAddresses()
	if err != nil {
		return nil, err
	}
	peers := make(map[middleware.NodeID]transport.Endpoint, len(addrs))
	for id, addr := range addrs {
		peers[id] = transport.TCP(addr)
	}
	return peers, nil
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics.Register(registry)
	return registry
}

// openStore returns the store of query ids and history: etcd when enabled,
// memory otherwise.
func openStore(params *paramtable.ComponentParam) (kv.TxnKV, func(), error) {
	cfg := &params.EtcdCfg
	if !cfg.UseEtcd.GetAsBool() {
		store := memkv.NewMemoryKV()
		return store, store.Close, nil
	}
	embedded := cfg.UseEmbed.GetAsBool()
	if embedded {
		if err := etcd.InitEtcdServer(cfg.DataDir.GetValue()); err != nil {
			return nil, nil, err
		}
	}
	client, err := etcd.GetEtcdClient(
		embedded,
		cfg.UseSSL.GetAsBool(),
		cfg.Endpoints.GetAsStrings(),
		cfg.CertFile.GetValue(),
		cfg.KeyFile.GetValue(),
		cfg.CaCertFile.GetValue(),
		cfg.MinVersion.GetValue())
	if err != nil {
		if embedded {
			etcd.StopEtcdServer()
		}
		return nil, nil, errors.Wrap(err, "connect etcd")
	}
	store := etcdkv.NewEtcdKV(client, cfg.RootPath.GetValue())
	return store, func() {
		store.Close()
		if err := client.Close(); err != nil {
			log.Warn("failed to close etcd client", zap.Error(err))
		}
		if embedded {
			etcd.StopEtcdServer()
		}
	}, nil
}

func runMaster(c *cli.Context) error {
	params, err := setup(c)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(params)
	if err != nil {
		return err
	}
	defer closeStore()

	ids := generator.NewIDGenerator(c.Context, store, queryIDKey)
	if err := ids.Start(); err != nil {
		return errors.Wrap(err, "start id generator")
	}
	defer ids.Close()

	sched, err := newScheduler(c, params)
	if err != nil {
		return err
	}
	killTimeout := params.QueryCfg.KillTimeout.GetAsDuration(time.Second)
	defer sched.Close(killTimeout)

	peers, err := peerEndpoints(params)
	if err != nil {
		return err
	}
	tr := transport.NewGRPCTransport(transport.GRPCConfig{
		NodeID:      middleware.CoordinatorID,
		Listen:      transport.TCP(params.CommonCfg.ListenAddress.GetValue()),
		Peers:       peers,
		CallTimeout: params.CommonCfg.RPCTimeout.GetAsDuration(time.Second),
		SendWindow:  params.QueryCfg.SendWindow.GetAsInt(),
	})
	defer tr.Close()

	srv, err := master.NewServer(c.Context, master.Config{
		Transport:        tr,
		Scheduler:        sched,
		History:          store,
		IDs:              ids,
		BufferCapacity:   params.QueryCfg.InputBufferCapacity.GetAsInt(),
		RecoverTrigger:   params.QueryCfg.RecoverTrigger.GetAsInt(),
		MaxBatchesPerRun: params.QueryCfg.MaxBatchesPerRun.GetAsInt(),
		KillTimeout:      killTimeout,
		HeartbeatTimeout: params.HeartbeatCfg.Timeout.GetAsDuration(time.Second),
		Env:              params.QueryCfg.ExecEnvVars.GetAsJSONMap(),
		HistoryPrefix:    params.QueryCfg.HistoryPrefix.GetValue(),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()
	log.Info("master started",
		zap.Stringer("listen", tr.Addr()),
		zap.Int("peers", len(peers)))

	return gateway.Run(c.Context, gateway.Options{
		Addr:     params.CommonCfg.GatewayAddress.GetValue(),
		Backend:  srv,
		Gatherer: newRegistry(),
	})
}

func runWorker(c *cli.Context) error {
	params, err := setup(c)
	if err != nil {
		return err
	}
	nodeID := params.CommonCfg.NodeID.GetAsInt32()
	if nodeID <= middleware.CoordinatorID {
		return errors.Newf("worker node id must be positive, got %d", nodeID)
	}

	sched, err := newScheduler(c, params)
	if err != nil {
		return err
	}
	defer sched.Close(params.QueryCfg.KillTimeout.GetAsDuration(time.Second))

	peers, err := peerEndpoints(params)
	if err != nil {
		return err
	}
	if _, ok := peers[middleware.CoordinatorID]; !ok {
		return errors.Newf("peers must name the master as node %d", middleware.CoordinatorID)
	}
	listen := params.CommonCfg.ListenAddress.GetValue()
	rpcTimeout := params.CommonCfg.RPCTimeout.GetAsDuration(time.Second)
	tr := transport.NewGRPCTransport(transport.GRPCConfig{
		NodeID:      nodeID,
		Listen:      transport.TCP(listen),
		Peers:       peers,
		CallTimeout: rpcTimeout,
		SendWindow:  params.QueryCfg.SendWindow.GetAsInt(),
	})
	defer tr.Close()

	advertise := c.String("advertise")
	if advertise == "" {
		advertise = listen
	}
	w, err := worker.NewWorker(c.Context, worker.Config{
		NodeID:            nodeID,
		Transport:         tr,
		Scheduler:         sched,
		BufferCapacity:    params.QueryCfg.InputBufferCapacity.GetAsInt(),
		RecoverTrigger:    params.QueryCfg.RecoverTrigger.GetAsInt(),
		MaxBatchesPerRun:  params.QueryCfg.MaxBatchesPerRun.GetAsInt(),
		Env:               params.QueryCfg.ExecEnvVars.GetAsJSONMap(),
		HeartbeatInterval: params.HeartbeatCfg.Interval.GetAsDuration(time.Second),
		RPCTimeout:        rpcTimeout,
		Address:           advertise,
	})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Close()
	log.Info("worker started",
		zap.Int32("nodeID", nodeID),
		zap.Stringer("listen", tr.Addr()),
		zap.String("instance", w.InstanceID()))

	if addr := params.CommonCfg.MetricsAddress.GetValue(); addr != "" {
		return gateway.Run(c.Context, gateway.Options{Addr: addr, Gatherer: newRegistry()})
	}
	<-c.Context.Done()
	return nil
}
