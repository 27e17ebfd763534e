// Command clusterhead runs the cluster head (Central Server): the
// fleet coordinator that holds the scene-id to scene-authority mapping,
// brokers game worker attachment to scenes, and registers the
// peripheral chat/connection/database worker population. One instance
// runs per cluster, spawned by the master supervisor.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swgcluster/controlplane/pkg/clusterhead"
	"github.com/swgcluster/controlplane/pkg/config"
	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/metrics"
	"github.com/swgcluster/controlplane/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "clusterhead",
	Short:   "Cluster head (Central Server) fleet coordinator",
	Version: Version,
	RunE:    runClusterHead,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("clusterhead version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("config", "supervisor.yaml", "Cluster configuration file, shared with the node supervisors")
	rootCmd.Flags().String("listen", "", "Listen address, overriding the config file's clusterHeadListenAddr")
	rootCmd.Flags().Int("scene-port", 0, "Port advertised to game workers for a ready scene authority, overriding the config file's scenePort")
	rootCmd.Flags().String("scene-authority-process", "PlanetServer", "Catalog entry spawned for a new scene authority")
	rootCmd.Flags().Int("max-pending-per-scene", 0, "Cap on game workers queued waiting for one scene to become ready (0 uses the package default)")
	rootCmd.Flags().Bool("strict-duplicate-scene", false, "Treat a duplicate scene-authority registration as a hard error instead of a logged supersede")
	rootCmd.Flags().String("metrics-addr", ":9101", "Prometheus metrics and health check listen address")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

// clusterHeadTickInterval matches the control plane's default ~4Hz
// cadence; the cluster head has no placement decisions of
// its own to rate-limit, but draining its connections on the same beat
// keeps forwarding-gateway latency comparable to the supervisor side.
const clusterHeadTickInterval = 250 * time.Millisecond

func runClusterHead(cmd *cobra.Command, _ []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	configPath, _ := cmd.Flags().GetString("config")
	cluster, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	listenAddr, _ := cmd.Flags().GetString("listen")
	if listenAddr == "" {
		listenAddr = cluster.ClusterHeadListenAddr
	}
	if listenAddr == "" {
		return fmt.Errorf("no listen address: set clusterHeadListenAddr in %s or pass --listen", configPath)
	}

	scenePort, _ := cmd.Flags().GetInt("scene-port")
	if scenePort == 0 {
		scenePort = cluster.ScenePort
	}

	sceneAuthorityProcess, _ := cmd.Flags().GetString("scene-authority-process")
	if cluster.SceneAuthorityProcess != "" {
		sceneAuthorityProcess = cluster.SceneAuthorityProcess
	}

	maxPending, _ := cmd.Flags().GetInt("max-pending-per-scene")
	strictDuplicate, _ := cmd.Flags().GetBool("strict-duplicate-scene")

	// Server and Head are mutually referential (the Head's SceneSpawner
	// sends over the Server's master connection; the Server dispatches
	// every accepted connection into the Head), so construction happens
	// in two steps: build the Server, build a Head bound to it, then
	// attach the Head back to the Server.
	srv := clusterhead.NewServer(clusterhead.ServerConfig{
		ListenAddr: listenAddr,
		ScenePort:  scenePort,
	})

	head := clusterhead.New(clusterhead.Config{
		SceneAuthorityProcess:            sceneAuthorityProcess,
		RequestDBSaveOnPlanetServerCrash: cluster.RequestDBSaveOnPlanetServerCrash,
		PlanetServerRestartDelay:         cluster.PlanetServerRestartDelay,
		MaxPendingPerScene:               maxPending,
		StrictDuplicateSceneRegistration: strictDuplicate,
		MetricsUploadInterval:            cluster.MetricsUploadInterval,
	}, clusterhead.NewMasterSpawner(srv), clusterhead.NewDatabaseNotifier(srv), clusterhead.NewWorkerNotifier(srv))

	srv.SetHead(head)
	if cluster.AdaptiveDispatch {
		srv.SetDispatchBudget(transport.NewDispatchBudget(transport.DefaultBudgetConfig()))
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start cluster head listener: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("clusterhead", true, "running")
	collector := metrics.NewCollector(head)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Logger.Info().
		Str("listen", listenAddr).
		Str("cluster", cluster.ClusterName).
		Msg("cluster head started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(clusterHeadTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			srv.Tick()
		}
	}
}
