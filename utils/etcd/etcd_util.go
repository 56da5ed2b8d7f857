package etcd

import (
	"crypto/tls"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
	"go.etcd.io/etcd/server/v3/etcdserver/api/v3client"
	"go.uber.org/zap"

	"github.com/linkflow/middleware/log"
)

const dialTimeout = 5 * time.Second

var (
	embedMu   sync.Mutex
	embedEtcd *embed.Etcd
)

// GetEtcdClient returns a client of the embedded server, of a TLS protected
// cluster or of a plain cluster.
func GetEtcdClient(
	useEmbedEtcd bool,
	useSSL bool,
	endpoints []string,
	certFile string,
	keyFile string,
	caCertFile string,
	minVersion string,
) (*clientv3.Client, error) {
	log.Info("create etcd client",
		zap.Bool("useEmbedEtcd", useEmbedEtcd),
		zap.Bool("useSSL", useSSL),
		zap.Any("endpoints", endpoints),
		zap.String("minVersion", minVersion))
	if useEmbedEtcd {
		return GetEmbedEtcdClient()
	}
	if useSSL {
		return GetRemoteEtcdSSLClient(endpoints, certFile, keyFile, caCertFile, minVersion)
	}
	return GetRemoteEtcdClient(endpoints)
}

func GetRemoteEtcdClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func GetRemoteEtcdSSLClient(endpoints []string, certFile string, keyFile string, caCertFile string, minVersion string) (*clientv3.Client, error) {
	tlsInfo := transport.TLSInfo{
		CertFile:      certFile,
		KeyFile:       keyFile,
		TrustedCAFile: caCertFile,
	}
	tlsConfig, err := tlsInfo.ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "etcd tls client config")
	}
	switch minVersion {
	case "1.0":
		tlsConfig.MinVersion = tls.VersionTLS10
	case "1.1":
		tlsConfig.MinVersion = tls.VersionTLS11
	case "1.2":
		tlsConfig.MinVersion = tls.VersionTLS12
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		tlsConfig.MinVersion = 0
	}
	if tlsConfig.MinVersion == 0 {
		return nil, errors.Newf("unknown TLS version %q", minVersion)
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		TLS:         tlsConfig,
	})
}

// InitEtcdServer starts the process wide embedded etcd server once.
func InitEtcdServer(dataDir string) error {
	embedMu.Lock()
	defer embedMu.Unlock()
	if embedEtcd != nil {
		return nil
	}
	cfg := embed.NewConfig()
	cfg.Dir = dataDir
	cfg.LogLevel = "warn"
	cfg.LogOutputs = []string{"default"}
	local, _ := url.Parse("http://localhost:0")
	cfg.ListenClientUrls = []url.URL{*local}
	cfg.ListenPeerUrls = []url.URL{*local}

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		return errors.Wrap(err, "start embedded etcd")
	}
	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(time.Minute):
		e.Close()
		return errors.New("embedded etcd did not become ready")
	}
	embedEtcd = e
	log.Info("embedded etcd started", zap.String("dir", dataDir))
	return nil
}

// StopEtcdServer stops the embedded server if one runs.
func StopEtcdServer() {
	embedMu.Lock()
	defer embedMu.Unlock()
	if embedEtcd != nil {
		embedEtcd.Close()
		embedEtcd = nil
	}
}

func GetEmbedEtcdClient() (*clientv3.Client, error) {
	embedMu.Lock()
	defer embedMu.Unlock()
	if embedEtcd == nil {
		return nil, errors.New("embedded etcd is not started")
	}
	return v3client.New(embedEtcd.Server), nil
}
