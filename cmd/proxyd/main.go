package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fulcrumhq/proxy/pkg/config"
	"github.com/fulcrumhq/proxy/pkg/delivery"
	"github.com/fulcrumhq/proxy/pkg/insolvency"
	"github.com/fulcrumhq/proxy/pkg/log"
	"github.com/fulcrumhq/proxy/pkg/metrics"
	"github.com/fulcrumhq/proxy/pkg/relational"
	"github.com/fulcrumhq/proxy/pkg/scheduler"
	"github.com/fulcrumhq/proxy/pkg/store"
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
	Use:     "proxyd",
	Short:   "proxyd is the event-sourced ledger/delivery core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"proxyd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file overlay")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the core: relational mirror, delivery worker, and tick scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		newDeliveryID := func() string { return uuid.NewString() }

		var mirror relational.Mirror
		if cfg.DatabaseDSN != "" {
			pg, err := relational.NewPostgresMirror(ctx, cfg.DatabaseDSN, metrics.Sink{}, newDeliveryID)
			if err != nil {
				return fmt.Errorf("open postgres mirror: %w", err)
			}
			mirror = pg
			log.Logger.Info().Msg("relational mirror: postgres")
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			em, err := relational.NewEmbeddedMirror(cfg.DataDir, metrics.Sink{}, newDeliveryID)
			if err != nil {
				return fmt.Errorf("open embedded mirror: %w", err)
			}
			mirror = em
			log.Logger.Info().Str("data_dir", cfg.DataDir).Msg("relational mirror: embedded (bbolt)")
		}
		defer mirror.Close()

		defaultStoreConfig := store.DefaultConfig()
		defaultStoreConfig.RetentionDeliveredDays = cfg.RetentionDeliveriesMaxDays
		defaultStoreConfig.RetentionDLQDays = cfg.RetentionDeliveryDLQMaxDays
		mirror.SetDefaultConfig(defaultStoreConfig)

		worker := delivery.NewWorker(delivery.RelationalSource{Mirror: mirror}, cfg.DeliveryHTTPTimeoutMs, cfg.WorkerConcurrencyDeliveries)
		insolvencySrc := insolvency.RelationalSource{Mirror: mirror}

		sched := scheduler.NewScheduler(cfg.AutotickInterval(), []scheduler.Sweep{
			{Name: "outbox_drain", Run: func(ctx context.Context) error {
				_, err := mirror.ProcessOutbox(ctx, 200)
				return err
			}},
			scheduler.NoopSweep("dispatch"),
			scheduler.NoopSweep("proof"),
			scheduler.NoopSweep("artifacts"),
			{Name: "deliveries", Run: func(ctx context.Context) error {
				_, err := worker.TickDeliveries(ctx, "", 200)
				return err
			}},
			scheduler.NoopSweep("x402_holdbacks"),
			{Name: "x402_insolvency_sweep", Run: func(ctx context.Context) error {
				_, err := insolvency.Sweep(ctx, insolvencySrc, insolvency.Params{MaxTenants: 1000, MaxMessages: 1000, BatchSize: 100})
				return err
			}},
			scheduler.NoopSweep("x402_winddown_reversals"),
			scheduler.NoopSweep("billing_sync"),
			scheduler.NoopSweep("finance_reconciliation"),
		})
		sched.Start(ctx)
		defer sched.Stop()

		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", metrics.Handler())

		bindAddr := cfg.BindHost + ":9090"
		httpServer := &http.Server{Addr: bindAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		log.Logger.Info().Str("addr", bindAddr).Msg("healthz/metrics listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Logger.Info().Msg("shutting down")
		case err := <-errCh:
			log.Logger.Error().Err(err).Msg("http server error")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <txlog-path>",
	Short: "Rebuild the in-memory store from a transaction log and report its final state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		st, err := store.Replay(path, metrics.Sink{})
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		fmt.Printf("replayed %s\n", path)
		fmt.Printf("tenants with ledgers: %v\n", st.TenantsWithLedgers())
		return nil
	},
}
