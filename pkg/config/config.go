// Package config loads cluster configuration the way TaskManager's
// original startup sequence did: a YAML file describing the static
// node set and the timing knobs, with environment variables layered on
// top so an operator can override a single value without editing the
// file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Node is one entry of the cluster's static node set.
type Node struct {
	Label   string `yaml:"label"`
	Address string `yaml:"address"`
}

// Cluster is the full set of knobs a node needs to run the supervisor,
// the scheduler, and (on the elected node) the cluster head.
type Cluster struct {
	ClusterName string
	CatalogPath string
	Nodes       []Node

	TickInterval time.Duration

	KeepAliveTimeout      time.Duration
	ForceCoreWindow       time.Duration
	TimeMismatchTolerance time.Duration

	RequestDBSaveOnPlanetServerCrash bool
	PlanetServerRestartDelay         time.Duration

	// AdaptiveDispatch enables the adaptive per-tick dispatch budget on
	// every component's inbound drains.
	AdaptiveDispatch bool

	// RestartCentralServer gates automatic respawn of a crashed
	// CentralServer; the other always-restart classes are unconditional.
	RestartCentralServer bool

	// MetricsUploadInterval is the cadence of the cluster head's
	// stored-procedure metrics upload to the database worker.
	MetricsUploadInterval time.Duration

	DiagnosticsPath string

	// MaxLoad is the maximumLoad every node in the cluster is configured
	// with. A single cluster-wide value is a deliberate simplification;
	// heterogeneous per-node capacity hasn't been needed.
	MaxLoad float64

	// ClusterHeadAddr is the address the master dials once it has
	// spawned the CentralServer process.
	ClusterHeadAddr string
	// ClusterHeadListenAddr is the address the cluster head's own
	// Server listens on for the master, scene authorities, game
	// workers, and peripheral workers.
	ClusterHeadListenAddr string
	// ScenePort is the port advertised in SetSceneAuthority so a game
	// worker knows where to dial a ready scene authority.
	ScenePort int
	// SceneAuthorityProcess is the catalog entry spawned for a new scene
	// authority.
	SceneAuthorityProcess string
}

// fileFormat is the YAML-facing shape of Cluster. Durations are
// expressed as (possibly fractional) seconds rather than as
// time.Duration directly, since a bare integer decoded into a
// time.Duration would silently be read as nanoseconds.
type fileFormat struct {
	ClusterName string `yaml:"clusterName"`
	CatalogPath string `yaml:"catalogPath"`
	Nodes       []Node `yaml:"nodes"`

	TickIntervalSeconds float64 `yaml:"tickIntervalSeconds"`

	KeepAliveTimeoutSeconds      float64 `yaml:"keepAliveTimeoutSeconds"`
	ForceCoreWindowSeconds       float64 `yaml:"forceCoreWindowSeconds"`
	TimeMismatchToleranceSeconds float64 `yaml:"timeMismatchToleranceSeconds"`

	RequestDBSaveOnPlanetServerCrash bool    `yaml:"requestDbSaveOnPlanetServerCrash"`
	PlanetServerRestartDelaySeconds  float64 `yaml:"planetServerRestartDelaySeconds"`

	AdaptiveDispatch     bool `yaml:"adaptiveDispatch"`
	RestartCentralServer bool `yaml:"restartCentralServer"`

	MetricsUploadIntervalSeconds float64 `yaml:"metricsUploadIntervalSeconds"`

	DiagnosticsPath string `yaml:"diagnosticsPath"`

	MaxLoad               float64 `yaml:"maxLoad"`
	ClusterHeadAddr       string  `yaml:"clusterHeadAddr"`
	ClusterHeadListenAddr string  `yaml:"clusterHeadListenAddr"`
	ScenePort             int     `yaml:"scenePort"`
	SceneAuthorityProcess string  `yaml:"sceneAuthorityProcess"`
}

// Default returns the knob values the original cluster shipped with,
// before any file or environment override is applied.
func Default() Cluster {
	return Cluster{
		ClusterName:              "default",
		CatalogPath:              "catalog.txt",
		TickInterval:             250 * time.Millisecond,
		KeepAliveTimeout:         30 * time.Second,
		ForceCoreWindow:          60 * time.Second,
		TimeMismatchTolerance:    5 * time.Second,
		PlanetServerRestartDelay: 15 * time.Second,
		MetricsUploadInterval:    time.Minute,
		RestartCentralServer:     true,
		DiagnosticsPath:          "diagnostics.db",
	}
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func (c Cluster) toFileFormat() fileFormat {
	return fileFormat{
		ClusterName:                      c.ClusterName,
		CatalogPath:                      c.CatalogPath,
		Nodes:                            c.Nodes,
		TickIntervalSeconds:              c.TickInterval.Seconds(),
		KeepAliveTimeoutSeconds:          c.KeepAliveTimeout.Seconds(),
		ForceCoreWindowSeconds:           c.ForceCoreWindow.Seconds(),
		TimeMismatchToleranceSeconds:     c.TimeMismatchTolerance.Seconds(),
		RequestDBSaveOnPlanetServerCrash: c.RequestDBSaveOnPlanetServerCrash,
		PlanetServerRestartDelaySeconds:  c.PlanetServerRestartDelay.Seconds(),
		AdaptiveDispatch:                 c.AdaptiveDispatch,
		RestartCentralServer:             c.RestartCentralServer,
		MetricsUploadIntervalSeconds:     c.MetricsUploadInterval.Seconds(),
		DiagnosticsPath:                  c.DiagnosticsPath,
	}
}

func (f fileFormat) toCluster() Cluster {
	return Cluster{
		ClusterName:                      f.ClusterName,
		CatalogPath:                      f.CatalogPath,
		Nodes:                            f.Nodes,
		TickInterval:                     seconds(f.TickIntervalSeconds),
		KeepAliveTimeout:                 seconds(f.KeepAliveTimeoutSeconds),
		ForceCoreWindow:                  seconds(f.ForceCoreWindowSeconds),
		TimeMismatchTolerance:            seconds(f.TimeMismatchToleranceSeconds),
		RequestDBSaveOnPlanetServerCrash: f.RequestDBSaveOnPlanetServerCrash,
		PlanetServerRestartDelay:         seconds(f.PlanetServerRestartDelaySeconds),
		AdaptiveDispatch:                 f.AdaptiveDispatch,
		RestartCentralServer:             f.RestartCentralServer,
		MetricsUploadInterval:            seconds(f.MetricsUploadIntervalSeconds),
		DiagnosticsPath:                  f.DiagnosticsPath,
		MaxLoad:                          f.MaxLoad,
		ClusterHeadAddr:                  f.ClusterHeadAddr,
		ClusterHeadListenAddr:            f.ClusterHeadListenAddr,
		ScenePort:                        f.ScenePort,
		SceneAuthorityProcess:            f.SceneAuthorityProcess,
	}
}

// Load reads a YAML cluster configuration file, starting from Default
// and then applying environment overrides, mirroring
// TaskManager::TaskManager()'s processRcFile() followed by
// processEnvironmentVariables().
func Load(path string) (Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Cluster{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	ff := Default().toFileFormat()
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return Cluster{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg := ff.toCluster()

	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Cluster{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration that the rest of the control plane
// cannot safely run with.
func (c Cluster) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("config: clusterName is required")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: at least one node is required")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.Label == "" || n.Address == "" {
			return fmt.Errorf("config: node entries require both label and address")
		}
		if seen[n.Label] {
			return fmt.Errorf("config: duplicate node label %q", n.Label)
		}
		seen[n.Label] = true
	}
	if c.KeepAliveTimeout <= 0 {
		return fmt.Errorf("config: keepAliveTimeout must be positive")
	}
	return nil
}

// envPrefix namespaces every override so SWGCLUSTER_TICK_INTERVAL
// can't collide with an operator's unrelated environment variables.
const envPrefix = "SWGCLUSTER_"

func applyEnvironmentOverrides(cfg *Cluster) {
	if v, ok := lookupEnv("CLUSTER_NAME"); ok {
		cfg.ClusterName = v
	}
	if v, ok := lookupEnv("CATALOG_PATH"); ok {
		cfg.CatalogPath = v
	}
	if v, ok := lookupEnvDuration("TICK_INTERVAL"); ok {
		cfg.TickInterval = v
	}
	if v, ok := lookupEnvDuration("KEEP_ALIVE_TIMEOUT"); ok {
		cfg.KeepAliveTimeout = v
	}
	if v, ok := lookupEnvDuration("FORCE_CORE_WINDOW"); ok {
		cfg.ForceCoreWindow = v
	}
	if v, ok := lookupEnvDuration("TIME_MISMATCH_TOLERANCE"); ok {
		cfg.TimeMismatchTolerance = v
	}
	if v, ok := lookupEnvBool("REQUEST_DB_SAVE_ON_PLANET_SERVER_CRASH"); ok {
		cfg.RequestDBSaveOnPlanetServerCrash = v
	}
	if v, ok := lookupEnvDuration("PLANET_SERVER_RESTART_DELAY"); ok {
		cfg.PlanetServerRestartDelay = v
	}
	if v, ok := lookupEnvBool("ADAPTIVE_DISPATCH"); ok {
		cfg.AdaptiveDispatch = v
	}
	if v, ok := lookupEnvBool("RESTART_CENTRAL_SERVER"); ok {
		cfg.RestartCentralServer = v
	}
	if v, ok := lookupEnvDuration("METRICS_UPLOAD_INTERVAL"); ok {
		cfg.MetricsUploadInterval = v
	}
	if v, ok := lookupEnv("DIAGNOSTICS_PATH"); ok {
		cfg.DiagnosticsPath = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func lookupEnvDuration(key string) (time.Duration, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return seconds(secs), true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func lookupEnvBool(key string) (bool, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
