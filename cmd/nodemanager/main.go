package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpcstack/nodemanager/pkg/config"
	"github.com/hpcstack/nodemanager/pkg/events"
	"github.com/hpcstack/nodemanager/pkg/executor"
	"github.com/hpcstack/nodemanager/pkg/hosts"
	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/metrics"
	"github.com/hpcstack/nodemanager/pkg/monitor"
	"github.com/hpcstack/nodemanager/pkg/naming"
	"github.com/hpcstack/nodemanager/pkg/supervisor"
	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodemanager",
	Short: "Per-node execution agent for an HPC cluster",
	Long: `nodemanager runs on each compute node of an HPC cluster and is driven
by a head-node scheduler over HTTP. It provisions per-job Linux users and
SSH key material, spawns and supervises task processes under a cgroup
hierarchy, enforces cancellation with a grace period, and maintains
periodic reporters that push registration, heartbeat, and resource
metrics toward the head node.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nodemanager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("data-dir", "./nodemanager-data", "Directory for the node config database")
	rootCmd.Flags().String("config-seed", "", "Optional YAML file seeding the config database on first run")
	rootCmd.Flags().String("listen-addr", "127.0.0.1:9090", "Address for /metrics, /health, /ready, /live")
	rootCmd.Flags().String("network-name", "eth0", "Network name reported at registration")
}

func runServe(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	seedFile, _ := cmd.Flags().GetString("config-seed")
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	networkName, _ := cmd.Flags().GetString("network-name")

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	metrics.SetVersion(Version)

	cfg, err := config.Load(dataDir, seedFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfg.Close()

	if cfg.Debug() {
		log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true})
	}

	namingClient := naming.NewClient(cfg.NamingServiceURIs(), cfg.InitialNamingBackoff())
	metrics.RegisterComponent("naming", true, "")

	table := tasktable.NewTable()
	sup := supervisor.NewSupervisor()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	hostname, _ := os.Hostname()
	mon := monitor.NewMonitor(hostname, networkName, table, sup)

	nodeExecutor := executor.NewExecutor(cfg, namingClient, table, sup, mon, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := nodeExecutor.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	defer nodeExecutor.Stop()
	metrics.RegisterComponent("reporter", true, "")
	metrics.RegisterComponent("executor", true, "")

	hostsManager := hosts.NewManager(cfg, namingClient, hosts.DefaultPath)
	if err := hostsManager.Start(ctx); err != nil {
		return fmt.Errorf("start hosts manager: %w", err)
	}
	defer hostsManager.Stop()

	stopLogging := logEvents(broker)
	defer stopLogging()

	httpServer := startAdminServer(listenAddr)

	log.Logger.Info().Str("listen_addr", listenAddr).Msg("nodemanager started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("admin server shutdown error")
	}

	return nil
}

// startAdminServer serves the agent's own self-observability surface:
// Prometheus scrape plus health/readiness/liveness, the ambient stack
// this agent carries even though the inbound command dispatcher itself
// is out of scope.
func startAdminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("admin server failed")
		}
	}()

	return srv
}

// logEvents subscribes to the broker and logs every lifecycle event it
// sees, the observability sink referenced by the broker's own package
// doc. Returns a function that unsubscribes.
func logEvents(broker *events.Broker) func() {
	sub := broker.Subscribe()

	go func() {
		for evt := range sub {
			logger := log.WithTask(evt.JobID, evt.TaskID, tasktable.UnknownID)
			logger.Info().Str("event", string(evt.Type)).Str("message", evt.Message).Msg("lifecycle event")
		}
	}()

	return func() { broker.Unsubscribe(sub) }
}
