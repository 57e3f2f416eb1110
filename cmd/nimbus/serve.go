package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/nimbus/pkg/api"
	"github.com/cuemby/nimbus/pkg/cache"
	"github.com/cuemby/nimbus/pkg/config"
	"github.com/cuemby/nimbus/pkg/events"
	"github.com/cuemby/nimbus/pkg/health"
	"github.com/cuemby/nimbus/pkg/jobs"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/migration"
	"github.com/cuemby/nimbus/pkg/provider"
	"github.com/cuemby/nimbus/pkg/selector"
	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/webhook"
	"github.com/cuemby/nimbus/pkg/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nimbus orchestrator",
	Long: `Start the orchestrator: the REST API, the job engine, the provider
sync loop, the webhook relay and the spot migration scheduler.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to a YAML config file (optional; env vars always win)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	caches, err := cache.NewManager(cfg.Cache)
	if err != nil {
		return fmt.Errorf("build caches: %w", err)
	}
	if err := caches.Start(cfg.Cache.ClearTime); err != nil {
		return fmt.Errorf("start cache manager: %w", err)
	}

	providerClient := provider.NewClient(cfg.Provider)
	providerSvc := provider.NewService(providerClient, caches)
	metrics.RegisterComponent("provider", true, "")

	st := store.New(caches)
	engine := jobs.NewEngine(cfg.Jobs)
	metrics.RegisterComponent("jobs", true, "")

	broker := events.NewBroker()
	broker.Start()

	sender := webhook.NewSender(cfg.Webhook)
	relay := webhook.NewRelay(broker, engine, cfg.Webhook.URL, cfg.Webhook.Retries)

	ledger, err := migration.OpenLedger(filepath.Join(cfg.DataDir, "nimbus.db"), 3)
	if err != nil {
		return fmt.Errorf("open migration ledger: %w", err)
	}
	defer ledger.Close()

	sel := selector.New(providerSvc, cfg.Region.Default, cfg.Region.Priority)
	checker := health.NewChecker()

	wf := workflows.New(st, providerSvc, sel, checker, engine, broker, sender, ledger, workflows.Config{
		PollInterval:   cfg.Jobs.PollInterval,
		StartupTimeout: cfg.Jobs.StartupTimeout,
		MaxAttempts:    cfg.Jobs.MaxAttempts,
	})
	wf.Register()
	relay.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx)
	st.StartSync(ctx, providerSvc, cfg.Jobs.PollInterval*4)

	scheduler := migration.NewScheduler(st, engine, ledger, cfg.Migration, cfg.Jobs.MaxAttempts)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start migration scheduler: %w", err)
	}

	apiServer := api.NewServer(st, engine, providerSvc, caches, broker, scheduler, api.Config{
		Port:              cfg.Port,
		Production:        cfg.IsProduction(),
		DefaultWebhookURL: cfg.Webhook.URL,
		StartupTimeout:    cfg.Jobs.StartupTimeout,
		MaxAttempts:       cfg.Jobs.MaxAttempts,
	})
	metrics.RegisterComponent("api", true, "")

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Int("port", cfg.Port).
		Str("provider_url", cfg.Provider.BaseURL).
		Bool("migration_enabled", cfg.Migration.Enabled).
		Msg("nimbus started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	scheduler.Stop()
	st.StopSync()
	engine.Shutdown(20 * time.Second)
	relay.Stop()
	broker.Stop()
	caches.Stop()
	cancel()

	logger.Info().Msg("shutdown complete")
	return nil
}
