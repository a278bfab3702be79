package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/agentctl/internal/artifacts"
	"github.com/terrpan/agentctl/internal/config"
	"github.com/terrpan/agentctl/internal/health"
	"github.com/terrpan/agentctl/internal/otel"
	"github.com/terrpan/agentctl/internal/reboot"
	"github.com/terrpan/agentctl/internal/session"
	"github.com/terrpan/agentctl/internal/sigguard"
)

var (
	cfgPath       string
	flagOverrides config.Config

	jobOpts session.Options

	// Admin flags: these short-circuit the workflow entirely.
	freeSession  string
	freeAllNodes bool
	listNodes    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "CI agent control -- lease a test machine, run the test workflow, release",
	Long: `agentctl leases an ephemeral machine from the pool API, runs the
multi-phase CI workflow over ssh (bootstrap, reboot, testsuite, or the
Vagrant variants), collects artifacts locally, and guarantees the lease
is returned on every exit path, including external termination.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Workflow selection
	f.StringVar(&jobOpts.OSVersion, "version", "7", "OS version of the node to lease")
	f.StringVar(&jobOpts.Arch, "arch", "x86_64", "Architecture of the node to lease")
	f.StringVar(&jobOpts.Branch, "branch", "", "Commit/tag/branch to test")
	f.StringVar(&jobOpts.PR, "pr", "", "Pull request number to test (overrides --branch)")
	f.StringVar(&jobOpts.CIPR, "ci-pr", "", "Pull request number of the CI repository to check out first")
	f.IntVar(&jobOpts.RHEL, "rhel", 0, "Use the downstream RHEL scripts for the given major version")
	f.StringVar(&jobOpts.Vagrant, "vagrant", "", "Run the test suite in Vagrant VMs for the given distro tag")
	f.BoolVar(&jobOpts.VagrantSync, "vagrant-sync", false, "Refresh the Vagrant image cache instead of testing")
	f.BoolVar(&jobOpts.Keep, "keep", false, "Keep the node allocated after the run")
	f.BoolVar(&jobOpts.NoIndex, "no-index", false, "Skip HTML index generation over the artifacts directory")

	// Admin operations
	f.StringVar(&freeSession, "free-session", "", "Release the given pool session and exit")
	f.BoolVar(&freeAllNodes, "free-all-nodes", false, "Release every session owned by the credential and exit")
	f.BoolVar(&listNodes, "list-nodes", false, "List currently leased nodes and exit")

	// Pool overrides
	f.StringVar(&flagOverrides.Pool.URL, "pool-url", "", "Pool API root URL")
	f.StringVar(&flagOverrides.Pool.KeyFile, "key-file", "", "Path to the pool credential file")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Pool.URL != "" {
		cfg.Pool.URL = flagOverrides.Pool.URL
	}
	if flagOverrides.Pool.KeyFile != "" {
		cfg.Pool.KeyFile = flagOverrides.Pool.KeyFile
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("poolURL", cfg.Pool.URL),
		slog.String("version", jobOpts.OSVersion),
		slog.String("arch", jobOpts.Arch),
	)

	// ---------------------------------------------------------------
	// 3. Create pool client
	// ---------------------------------------------------------------
	key, err := cfg.ReadKey()
	if err != nil {
		return err
	}
	poolClient := cfg.NewPoolClient(key, logger)

	// ---------------------------------------------------------------
	// 4. Admin operations (no workflow)
	// ---------------------------------------------------------------
	switch {
	case freeSession != "":
		poolClient.Release(ctx, freeSession)
		return nil
	case freeAllNodes:
		return poolClient.ReleaseAll(ctx)
	case listNodes:
		leases, err := poolClient.Inventory(ctx)
		if err != nil {
			return fmt.Errorf("listing nodes: %w", err)
		}
		for _, l := range leases {
			fmt.Printf("%s (%s)\n", l.Host, l.SSID)
		}
		return nil
	}

	// ---------------------------------------------------------------
	// 5. Set up telemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.SetupOTelSDK(ctx, "agentctl", otel.Config{
		Enabled:           cfg.OTel.Enabled,
		Endpoint:          cfg.OTel.Endpoint,
		Insecure:          cfg.OTel.Insecure,
		StdOut:            cfg.OTel.StdOut,
		PrometheusEnabled: cfg.Status.Port > 0,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 6. Subscribe to termination signals
	// ---------------------------------------------------------------
	guard := sigguard.New(ctx, logger.WithGroup("signals"),
		os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer guard.Close()
	ctx = guard.Context()

	// ---------------------------------------------------------------
	// 7. Create executor and reboot coordinator
	// ---------------------------------------------------------------
	executor := cfg.NewExecutor(logger)

	rebooter := reboot.New(executor, reboot.Config{
		Logger: logger.WithGroup("reboot"),
	})

	// ---------------------------------------------------------------
	// 8. Create session
	// ---------------------------------------------------------------
	sess := session.New(session.Config{
		Pool:   poolClient,
		Exec:   executor,
		Reboot: rebooter,
		Guard:  guard,
		Logger: logger.WithGroup("session"),
		OpenStore: func() (*artifacts.Store, error) {
			// Created only once a lease is held, so a failed
			// allocation leaves no directory behind.
			return artifacts.NewStore(cfg.Artifacts.BaseDir, logger.WithGroup("artifacts"))
		},
		RepoBase:    cfg.Workflow.RepoBase,
		CIRepo:      cfg.Workflow.CIRepo,
		KeyFile:     cfg.Pool.KeyFile,
		IndexScript: cfg.Artifacts.IndexScript,
	})

	// ---------------------------------------------------------------
	// 9. Serve the status endpoint while the job runs
	// ---------------------------------------------------------------
	if cfg.Status.Port > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", health.Handler(sess.Status))
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Status.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server failed", slog.String("error", err.Error()))
			}
		}()
		defer srv.Shutdown(context.WithoutCancel(ctx)) //nolint:errcheck

		logger.Info("status endpoint listening", slog.Int("port", cfg.Status.Port))
	}

	// ---------------------------------------------------------------
	// 10. Run the job
	// ---------------------------------------------------------------
	if err := sess.Run(ctx, jobOpts); err != nil {
		return fmt.Errorf("job failed: %w", err)
	}

	logger.Info("job finished successfully")
	return nil
}
