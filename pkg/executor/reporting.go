package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/hpcstack/nodemanager/pkg/events"
	"github.com/hpcstack/nodemanager/pkg/httpclient"
	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/metrics"
	"github.com/hpcstack/nodemanager/pkg/monitor"
	"github.com/hpcstack/nodemanager/pkg/reporter"
)

// newRegisterReporter builds the reporter that periodically announces
// this node to the head node's registration endpoint. A successful send
// leaves the task table's sticky resync flag untouched (only the heartbeat
// reporter clears it); a failed send requests a resync so the next
// heartbeat carries it.
func (e *Executor) newRegisterReporter() *reporter.Reporter {
	return &reporter.Reporter{
		Name: "RegisterReporter",
		ResolveURI: func(ctx context.Context) (string, error) {
			return httpclient.ResolveURI(ctx, e.namingClient, e.cfg.RegistrationURI())
		},
		Hold:   3,
		Period: e.cfg.RegisterInterval(),
		Fetch: func() (interface{}, error) {
			return e.monitor.GetRegisterInfo()
		},
		Sender: &reporter.HTTPSender{Client: e.httpClient},
		OnError: func() {
			e.resyncAndInvalidateCache()
		},
	}
}

// startHeartbeat (re)builds and starts the heartbeat reporter, which sends
// the task table's JSON snapshot to HeartbeatURI. Ping calls this again
// whenever the head node hands the agent a new heartbeat callback URI.
func (e *Executor) startHeartbeat(ctx context.Context) error {
	if e.heartbeatReporter != nil {
		e.heartbeatReporter.Stop()
	}

	e.heartbeatReporter = &reporter.Reporter{
		Name: "HeartbeatReporter",
		ResolveURI: func(ctx context.Context) (string, error) {
			return httpclient.ResolveURI(ctx, e.namingClient, e.cfg.HeartbeatURI())
		},
		Period: e.cfg.NodeInfoReportInterval(),
		Fetch: func() (interface{}, error) {
			e.table.Mu.RLock()
			defer e.table.Mu.RUnlock()
			raw, err := e.table.ToJSON()
			if err != nil {
				return nil, err
			}
			return json.RawMessage(raw), nil
		},
		Sender: &reporter.HTTPSender{Client: e.httpClient},
		OnError: func() {
			e.resyncAndInvalidateCache()
		},
		OnSuccess: func() {
			e.table.Mu.Lock()
			e.table.AckResync()
			e.table.Mu.Unlock()
		},
	}

	if err := e.heartbeatReporter.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat reporter: %w", err)
	}

	return nil
}

// nodeUUIDFromMetricURI extracts the node UUID the head node embeds as
// the fourth path segment of the metric callback URI, of the form
// udp://server:port/api/nodeguid/metricreported.
func nodeUUIDFromMetricURI(metricURI string) (uuid.UUID, bool) {
	tokens := strings.Split(metricURI, "/")
	if len(tokens) <= 4 {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(tokens[4])
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// startMetric (re)builds and starts the UDP metric reporter, which sends
// the binary monitor packet to MetricURI.
func (e *Executor) startMetric(ctx context.Context) error {
	if e.metricReporter != nil {
		e.metricReporter.Stop()
	}

	metricURI := e.cfg.MetricURI()
	if id, ok := nodeUUIDFromMetricURI(metricURI); ok {
		e.monitor.SetNodeUUID(id)
	} else {
		executorLogger := log.WithComponent("executor")
		executorLogger.Warn().Str("uri", metricURI).Msg("could not parse node uuid from metric uri")
	}

	e.metricReporter = &reporter.Reporter{
		Name: "MetricReporter",
		ResolveURI: func(ctx context.Context) (string, error) {
			return httpclient.ResolveURI(ctx, e.namingClient, e.cfg.MetricURI())
		},
		Period: e.cfg.MetricReportInterval(),
		Fetch: func() (interface{}, error) {
			return e.monitor.GetMonitorPacketData()
		},
		Sender: &reporter.UDPSender{},
		OnError: func() {
			e.namingClient.InvalidateCache()
		},
	}

	if err := e.metricReporter.Start(ctx); err != nil {
		return fmt.Errorf("start metric reporter: %w", err)
	}

	return nil
}

// Ping is invoked when the head node announces (or re-announces) its
// heartbeat callback URI. A changed URI is persisted and restarts the
// heartbeat reporter against it.
func (e *Executor) Ping(ctx context.Context, callbackURI string) error {
	if e.cfg.HeartbeatURI() == callbackURI {
		return nil
	}

	if err := e.cfg.SaveHeartbeatURI(callbackURI); err != nil {
		return fmt.Errorf("save heartbeat uri: %w", err)
	}

	return e.startHeartbeat(ctx)
}

// Metric is invoked when the head node announces (or re-announces) its
// metric callback URI (of the form udp://server:port/api/nodeguid/...).
func (e *Executor) Metric(ctx context.Context, callbackURI string) error {
	if e.cfg.MetricURI() == callbackURI {
		return nil
	}

	if err := e.cfg.SaveMetricURI(callbackURI); err != nil {
		return fmt.Errorf("save metric uri: %w", err)
	}

	return e.startMetric(ctx)
}

// MetricConfig applies a new set of metric counters to collect and
// ensures the metric reporter is pointed at callbackURI.
func (e *Executor) MetricConfig(ctx context.Context, callbackURI string, cfg monitor.MetricCountersConfig) error {
	if err := e.Metric(ctx, callbackURI); err != nil {
		return err
	}
	return e.monitor.ApplyMetricConfig(cfg)
}

// resyncAndInvalidateCache marks the task table for a resync on the next
// heartbeat and drops the naming client's cache, since a failed report
// usually means the head node's address moved.
func (e *Executor) resyncAndInvalidateCache() {
	e.table.Mu.Lock()
	e.table.RequestResync()
	e.table.Mu.Unlock()

	metrics.ResyncRequestsTotal.Inc()
	e.broker.Publish(events.Event{Type: events.TypeResyncRequested})
	e.namingClient.InvalidateCache()

	resyncLogger := log.WithComponent("executor")
	resyncLogger.Debug().Msg("resync requested, naming cache invalidated")
}
