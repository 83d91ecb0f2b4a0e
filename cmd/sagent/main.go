package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sashimono/agent/pkg/api"
	"github.com/sashimono/agent/pkg/config"
	"github.com/sashimono/agent/pkg/contract"
	"github.com/sashimono/agent/pkg/events"
	"github.com/sashimono/agent/pkg/hpfs"
	"github.com/sashimono/agent/pkg/lease"
	"github.com/sashimono/agent/pkg/log"
	"github.com/sashimono/agent/pkg/manager"
	"github.com/sashimono/agent/pkg/metrics"
	"github.com/sashimono/agent/pkg/ports"
	"github.com/sashimono/agent/pkg/provision"
	"github.com/sashimono/agent/pkg/runtime"
	"github.com/sashimono/agent/pkg/server"
	"github.com/sashimono/agent/pkg/session"
	"github.com/sashimono/agent/pkg/storage"
	"github.com/sashimono/agent/pkg/supervisor"
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
	Use:   "sagent",
	Short: "Sashimono agent - node-local contract instance manager",
	Long: `Sashimono agent manages the lifecycle of isolated contract instances
on this host: dedicated Linux users, rootless containers running Hot Pocket,
assigned ports, per-instance filesystem services and durable instance state.

Control arrives on a local admin socket and on a persistent session to the
cluster controller.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Sashimono agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().String("data-dir", "/etc/sashimono", "Agent data directory (sa.cfg, sa.sqlite, sa.sock)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		return runAgent(dataDir)
	},
}

func runAgent(dataDir string) error {
	// SIGPIPE from dying helper pipes must not kill the agent
	signal.Ignore(syscall.SIGPIPE)

	paths := config.Paths{DataDir: dataDir}

	cfg, err := config.Load(dataDir)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("agent")
	logger.Info().Str("data_dir", dataDir).Str("version", Version).Msg("starting sashimono agent")

	store, err := storage.NewSQLiteStore(paths.Database())
	if err != nil {
		return err
	}
	defer store.Close()

	leases, err := lease.Open(paths.Leases())
	if err != nil {
		return err
	}
	defer leases.Close()

	allocator, err := ports.NewAllocator(store, cfg.HP.InitPeerPort, cfg.HP.InitUserPort)
	if err != nil {
		return err
	}

	mgr := manager.NewInstanceManager(
		manager.Config{
			HostAddress:      cfg.HP.HostAddress,
			MaxInstanceCount: cfg.System.MaxInstanceCount,
		},
		store,
		allocator,
		provision.NewUserProvisioner(cfg.System),
		contract.NewMaterializer(cfg.HP.TemplateDir),
		runtime.NewDockerDriver(),
		hpfs.NewServiceDriver(),
	)

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	mgr.SetEvents(bus)
	go trackInstanceGauges(bus, store)

	dispatcher := api.NewDispatcher(mgr, leases)

	local := server.NewLocalServer(paths.Socket(), dispatcher)
	if err := local.Start(); err != nil {
		return err
	}
	defer local.Stop()

	sup := supervisor.NewSupervisor(store, mgr)
	sup.Start()
	defer sup.Stop()

	var remote *session.Driver
	if cfg.Remote.Host != "" {
		remote = session.NewDriver(cfg.Remote.Host, cfg.Remote.Port, dispatcher)
		remote.Start()
		defer remote.Stop()
	}

	if cfg.Metrics.Addr != "" {
		go serveMetrics(cfg.Metrics.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	return nil
}

// trackInstanceGauges recounts the per-status instance gauge on every
// lifecycle transition. Exits when the broker closes the subscription.
func trackInstanceGauges(bus *events.Broker, store storage.Store) {
	sub := bus.Subscribe()
	refreshInstanceGauges(store)
	for range sub {
		refreshInstanceGauges(store)
	}
}

func refreshInstanceGauges(store storage.Store) {
	instances, err := store.ListInstances()
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("instance gauge refresh failed")
		return
	}
	counts := make(map[string]float64)
	for _, inst := range instances {
		counts[string(inst.Status)]++
	}
	for _, status := range []string{"created", "running", "stopped", "destroyed", "exited"} {
		metrics.InstancesTotal.WithLabelValues(status).Set(counts[status])
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("metrics").Error().Err(err).Msg("metrics listener failed")
	}
}
