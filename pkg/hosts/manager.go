package hosts

import (
	"context"
	"time"

	"github.com/hpcstack/nodemanager/pkg/config"
	"github.com/hpcstack/nodemanager/pkg/httpclient"
	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/reporter"
)

// MinFetchInterval is the floor applied to a configured
// HostsFetchInterval that is too small to be a sane polling period.
const MinFetchInterval = 30 * time.Second

// DefaultPath is the file the Manager replaces on every successful
// fetch.
const DefaultPath = "/etc/hosts"

// Manager is the Hosts Manager (C8): a Reporter specialized with a
// FileSender so that instead of POSTing a payload somewhere, it GETs
// one and uses it to replace a local file.
type Manager struct {
	cfg          *config.NodeManagerConfig
	namingClient httpclient.Resolver
	path         string
	reporter     *reporter.Reporter
}

// NewManager builds a Manager that replaces path (DefaultPath in
// production) on every successful hosts-file fetch.
func NewManager(cfg *config.NodeManagerConfig, namingClient httpclient.Resolver, path string) *Manager {
	if path == "" {
		path = DefaultPath
	}
	return &Manager{cfg: cfg, namingClient: namingClient, path: path}
}

// Start begins polling, if a hosts-file URI is configured. A blank URI
// means the Manager is intentionally not started, matching the original
// system's "not configured" behavior; the caller should still call
// Start unconditionally and treat a nil error as success either way.
func (m *Manager) Start(ctx context.Context) error {
	hostsLogger := log.WithComponent("hosts")
	uri := m.cfg.HostsFileURI()
	if uri == "" {
		hostsLogger.Warn().Msg("HostsFileUri not specified, hosts manager will not be started")
		return nil
	}

	interval := m.cfg.HostsFetchInterval()
	if interval < MinFetchInterval {
		hostsLogger.Info().
			Dur("configured", interval).Dur("minimum", MinFetchInterval).
			Msg("hosts fetch interval below minimum, using minimum")
		interval = MinFetchInterval
	}

	m.reporter = &reporter.Reporter{
		Name: "HostsManager",
		ResolveURI: func(ctx context.Context) (string, error) {
			return httpclient.ResolveURI(ctx, m.namingClient, uri)
		},
		Period: interval,
		Fetch: func() (interface{}, error) {
			return nil, nil
		},
		Sender: &FileSender{Client: httpclient.NewClient(), Path: m.path},
	}

	return m.reporter.Start(ctx)
}

// Stop stops the underlying reporter, if one was started.
func (m *Manager) Stop() {
	if m.reporter != nil {
		m.reporter.Stop()
	}
}
