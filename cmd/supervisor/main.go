// Command supervisor runs the node supervisor (Task Manager): the
// per-host daemon that spawns and monitors this node's child
// processes, places fleet-wide spawn requests when this node is the
// elected master, and gossips load and liveness with its peers.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swgcluster/controlplane/pkg/catalog"
	"github.com/swgcluster/controlplane/pkg/config"
	"github.com/swgcluster/controlplane/pkg/diagnostics"
	"github.com/swgcluster/controlplane/pkg/events"
	"github.com/swgcluster/controlplane/pkg/host"
	"github.com/swgcluster/controlplane/pkg/log"
	"github.com/swgcluster/controlplane/pkg/metrics"
	"github.com/swgcluster/controlplane/pkg/supervisor"
	"github.com/swgcluster/controlplane/pkg/transport"
	"github.com/swgcluster/controlplane/pkg/types"
	"github.com/swgcluster/controlplane/pkg/wire"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

// centralServerProcess is the catalog entry name the master spawns for
// the cluster head, which runs as its own process spawned by the
// master supervisor. It must match one of
// pkg/catalog's restart-class families so a crashed cluster head is
// auto-respawned like any other always-restart process.
const centralServerProcess = "CentralServer"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "supervisor",
	Short:   "Node supervisor (Task Manager) for a cluster host",
	Version: Version,
	RunE:    runSupervisor,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("supervisor version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("config", "supervisor.yaml", "Cluster configuration file")
	rootCmd.Flags().String("label", "", "This node's label (required; must match an entry in the config's node set)")
	rootCmd.Flags().String("catalog", "", "Process catalog path, overriding the config file's catalogPath")
	rootCmd.Flags().String("listen", "", "Peer listen address, overriding the node entry's configured address")
	rootCmd.Flags().String("metrics-addr", ":9100", "Prometheus metrics and health check listen address")
	rootCmd.Flags().Bool("containerd", false, "Spawn catalog processes through containerd instead of exec")
	rootCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path, when --containerd is set")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func runSupervisor(cmd *cobra.Command, _ []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	label, _ := cmd.Flags().GetString("label")
	if label == "" {
		return fmt.Errorf("--label is required")
	}

	configPath, _ := cmd.Flags().GetString("config")
	cluster, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	catalogPath, _ := cmd.Flags().GetString("catalog")
	if catalogPath == "" {
		catalogPath = cluster.CatalogPath
	}
	cat, err := catalog.Load(catalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	nodes := make([]types.NodeEntry, 0, len(cluster.Nodes))
	var listenAddr, masterLabel string
	for i, n := range cluster.Nodes {
		nodes = append(nodes, types.NodeEntry{Label: n.Label, Address: n.Address, Index: i})
		if i == 0 {
			masterLabel = n.Label
		}
		if n.Label == label {
			listenAddr = n.Address
		}
	}
	if override, _ := cmd.Flags().GetString("listen"); override != "" {
		listenAddr = override
	}
	if listenAddr == "" {
		return fmt.Errorf("node label %q not found in %s's configured node set", label, configPath)
	}

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	// The diagnostics store consumes the event bus through a Recorder;
	// the supervisor itself only publishes.
	if cluster.DiagnosticsPath != "" {
		diag, err := diagnostics.Open(cluster.DiagnosticsPath)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("diagnostics store unavailable, continuing without it")
		} else {
			defer diag.Close()
			recorder := diagnostics.NewRecorder(diag, bus)
			recorder.Start()
			defer recorder.Stop()
		}
	}

	var ph host.Host
	if useContainerd, _ := cmd.Flags().GetBool("containerd"); useContainerd {
		socket, _ := cmd.Flags().GetString("containerd-socket")
		ch, err := host.NewContainerdHost(socket)
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}
		defer ch.Close()
		ph = ch
	} else {
		ph = host.NewExecHost()
	}

	sup := supervisor.New(supervisor.Config{
		Label:                 label,
		MasterLabel:           masterLabel,
		ClusterName:           cluster.ClusterName,
		ListenAddr:            listenAddr,
		Nodes:                 nodes,
		MaxLoad:               cluster.MaxLoad,
		KeepAliveTimeout:      cluster.KeepAliveTimeout,
		ForceCoreWindow:       cluster.ForceCoreWindow,
		TimeMismatchTolerance: cluster.TimeMismatchTolerance,
		AdaptiveDispatch:      cluster.AdaptiveDispatch,
		DisableCentralRestart: !cluster.RestartCentralServer,
	}, cat, ph, bus)

	if err := sup.Start(); err != nil {
		return fmt.Errorf("start supervisor listener: %w", err)
	}

	if sup.IsMaster() {
		go connectClusterHead(sup, cluster)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("supervisor", true, "running")
	collector := metrics.NewCollector(sup)
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
		Str("label", label).
		Bool("master", sup.IsMaster()).
		Str("cluster", cluster.ClusterName).
		Msg("supervisor started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Operator console: one line in, one line out. The reader goroutine
	// only queues lines; commands run on the main loop like every other
	// input.
	consoleCh := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			consoleCh <- sc.Text()
		}
	}()

	ticker := time.NewTicker(cluster.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
			return nil
		case line := <-consoleCh:
			if strings.TrimSpace(line) == "" {
				continue
			}
			fmt.Println(sup.ExecuteCommand(line))
			if strings.EqualFold(strings.TrimSpace(line), "exit") {
				return nil
			}
		case now := <-ticker.C:
			sup.Tick(now)
			if err := sup.FatalError(); err != nil {
				log.Logger.Fatal().Err(err).Msg("cluster-name mismatch from peer, terminating")
			}
		}
	}
}

// connectClusterHead is the master's side of cluster head bring-up:
// spawn the CentralServer process locally, then dial it
// once it has had time to come up and start listening, attaching the
// resulting connection so the main loop's drainClusterHead path can
// start forwarding TaskSpawnProcess/TaskKillProcess traffic over it.
func connectClusterHead(sup *supervisor.Supervisor, cluster config.Cluster) {
	pid := sup.Spawn(centralServerProcess, nil, "local", 0)
	if pid == 0 {
		log.Logger.Error().Msg("failed to spawn cluster head process")
		return
	}

	const maxAttempts = 15
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		time.Sleep(time.Second)
		conn, err := transport.Dial(cluster.ClusterHeadAddr, wire.RoleTaskManager, "supervisor", cluster.ClusterName, "master")
		if err != nil {
			continue
		}
		sup.AttachClusterHead(conn)
		log.Logger.Info().Str("addr", cluster.ClusterHeadAddr).Msg("connected to cluster head")
		return
	}
	log.Logger.Error().Str("addr", cluster.ClusterHeadAddr).Msg("gave up connecting to cluster head")
}
