package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"tether/internal/config"
	"tether/internal/logging"
	"tether/internal/mcp"
	"tether/internal/observability"
	"tether/internal/runtime"
	"tether/internal/server"
	"tether/internal/session"
	"tether/internal/storage"
)

var version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var listenAddr string
	var runtimeURL string

	runServe := func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listenAddr != "" {
			cfg.Server.ListenAddr = listenAddr
		}
		if runtimeURL != "" {
			cfg.Runtime.BaseURL = runtimeURL
		}
		return serve(cmd.Context(), cfg)
	}

	root := &cobra.Command{
		Use:          "tetherd",
		Short:        "Agent session orchestration daemon",
		Long:         "tetherd reconstructs live agent session event streams by polling a request/response runtime API, and serves them over HTTP and websocket.",
		SilenceUsage: true,
		RunE:         runServe,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	root.PersistentFlags().StringVarP(&listenAddr, "listen", "l", "", "HTTP listen address (overrides config)")
	root.PersistentFlags().StringVarP(&runtimeURL, "runtime", "r", "", "Agent runtime base URL (overrides config)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE:  runServe,
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tetherd %s\n", version)
		},
	})

	return root
}

func serve(parent context.Context, cfg *config.Config) error {
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	})
	logging.SetDefault(obsLogger)
	logger := logging.NewComponentLogger("tetherd")

	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	tracing, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	store := storage.NewMemoryStore()
	if err := storage.LoadSeed(store, cfg.SeedFile); err != nil {
		return fmt.Errorf("load seed file: %w", err)
	}

	rt := runtime.NewClient(runtime.Config{
		BaseURL:     cfg.Runtime.BaseURL,
		PollTimeout: cfg.Runtime.PollTimeout,
	}, runtime.WithLogger(logging.NewComponentLogger("runtime")))

	broadcaster := server.NewBroadcaster(logging.NewComponentLogger("ws"))

	orch := session.New(session.Config{
		Runtime:      rt,
		Tasks:        store,
		Agents:       store,
		Skills:       &storage.LoggingSkillSyncer{Logger: logging.NewComponentLogger("skills")},
		Sink:         broadcaster,
		Tools:        mcp.NewRegistrar(logging.NewComponentLogger("mcp")),
		Logger:       logging.NewComponentLogger("session"),
		Metrics:      metrics,
		Tracing:      tracing,
		PollInterval: cfg.Poll.Interval,
		InitialDelay: cfg.Poll.InitialDelay,
	})

	srv := server.New(server.Config{
		ListenAddr:  cfg.Server.ListenAddr,
		Orch:        orch,
		Broadcaster: broadcaster,
		Tasks:       store,
		Logger:      logging.NewComponentLogger("http"),
	})

	printStartupSummary(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown: %v", err)
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

// printStartupSummary writes a short colored banner when stdout is a
// terminal. Logs carry the same information for non-interactive runs.
func printStartupSummary(cfg *config.Config) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	fmt.Printf("%s %s\n", bold("tetherd"), dim(version))
	fmt.Printf("  listen   %s\n", cyan(cfg.Server.ListenAddr))
	fmt.Printf("  runtime  %s\n", cyan(cfg.Runtime.BaseURL))
	fmt.Printf("  poll     every %s (initial delay %s)\n", cyan(cfg.Poll.Interval), cyan(cfg.Poll.InitialDelay))
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("  metrics  :%d/metrics\n", cfg.Observability.Metrics.PrometheusPort)
	}
}
