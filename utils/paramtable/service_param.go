package paramtable

import "github.com/linkflow/utils/config"

// --- etcd ---
// ConfigSource also reads configuration under <RootPath>/config.
type EtcdConfig struct {
	UseEtcd         ParamItem `refreshable:"false"`
	Endpoints       ParamItem `refreshable:"false"`
	UseEmbed        ParamItem `refreshable:"false"`
	DataDir         ParamItem `refreshable:"false"`
	RootPath        ParamItem `refreshable:"false"`
	UseSSL          ParamItem `refreshable:"false"`
	CertFile        ParamItem `refreshable:"false"`
	KeyFile         ParamItem `refreshable:"false"`
	CaCertFile      ParamItem `refreshable:"false"`
	MinVersion      ParamItem `refreshable:"false"`
	ConfigSource    ParamItem `refreshable:"false"`
	RefreshInterval ParamItem `refreshable:"false"`
}

func (p *EtcdConfig) init(m *config.Manager) {
	p.UseEtcd = ParamItem{Key: "etcd.enabled", DefaultValue: "false", Doc: "keep query history and ids in etcd"}
	p.Endpoints = ParamItem{Key: "etcd.endpoints", DefaultValue: "localhost:2379"}
	p.UseEmbed = ParamItem{Key: "etcd.use.embed", DefaultValue: "false"}
	p.DataDir = ParamItem{Key: "etcd.data.dir", DefaultValue: "default.etcd"}
	p.RootPath = ParamItem{Key: "etcd.rootPath", DefaultValue: "linkflow"}
	p.UseSSL = ParamItem{Key: "etcd.ssl.enabled", DefaultValue: "false"}
	p.CertFile = ParamItem{Key: "etcd.ssl.tlsCert"}
	p.KeyFile = ParamItem{Key: "etcd.ssl.tlsKey"}
	p.CaCertFile = ParamItem{Key: "etcd.ssl.tlsCACert"}
	p.MinVersion = ParamItem{Key: "etcd.ssl.tlsMinVersion", DefaultValue: "1.3"}
	p.ConfigSource = ParamItem{Key: "etcd.configSource", DefaultValue: "false"}
	p.RefreshInterval = ParamItem{Key: "etcd.config.refreshInterval", DefaultValue: "5s"}
	for _, item := range []*ParamItem{
		&p.UseEtcd, &p.Endpoints, &p.UseEmbed, &p.DataDir, &p.RootPath, &p.UseSSL,
		&p.CertFile, &p.KeyFile, &p.CaCertFile, &p.MinVersion, &p.ConfigSource, &p.RefreshInterval,
	} {
		item.Init(m)
	}
}
