package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/api"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/config"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/credentials"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/events"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/gateway"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/receipts"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/repository"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/service"
	"github.com/akylbek/payment-system/recurring-orchestrator/internal/telemetry"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "recurring-orchestrator",
		Short:         "Charges due recurring payment agreements through the card gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic recurring batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(context.Background(), false)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go app.orchestrator.Start(ctx, app.cfg.BatchInterval)

			gin.SetMode(gin.ReleaseMode)
			r := api.NewRouter(api.Deps{
				Repo:       app.repo,
				Capturer:   app.gateway,
				Charger:    app.orchestrator.Processor(),
				Backfiller: app.orchestrator.Reconciler(),
				Batch:      app.orchestrator,
			})

			srv := &http.Server{
				Addr:    ":" + app.cfg.Port,
				Handler: r,
			}

			errCh := make(chan error, 1)
			go func() {
				telemetry.Logger.Info("Recurring Orchestrator starting", zap.String("port", app.cfg.Port))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			case <-ctx.Done():
			}

			telemetry.Logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
			}
			telemetry.Logger.Info("Server exited")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one recurring batch and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(context.Background(), true)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := app.orchestrator.RunBatch(ctx)
			if report != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(report)
			}
			return err
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the payments schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := repository.NewPaymentRepository(db).InitDB(); err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

type app struct {
	cfg          *config.Config
	repo         interfaces.PaymentRepository
	gateway      *gateway.Client
	orchestrator *service.Orchestrator
	closers      []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func bootstrap(ctx context.Context, oneShot bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := telemetry.InitTelemetry(telemetry.Options{
		ServiceName:    "recurring-orchestrator",
		Environment:    cfg.Environment,
		JaegerEndpoint: cfg.JaegerEndpoint,
		DisableTracing: oneShot && cfg.JaegerEndpoint == "",
	}); err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg}
	a.closers = append(a.closers, func() {
		_ = telemetry.Shutdown(context.Background())
	})
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	telemetry.Logger.Info("Starting Recurring Orchestrator")

	// Payment store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fail(fmt.Errorf("open database: %w", err))
		}
		a.closers = append(a.closers, func() { db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		a.repo = repository.NewPaymentRepository(db)
	} else {
		telemetry.Logger.Warn("DATABASE_URL not set, using in-memory payment store")
		a.repo = repository.NewMemoryPaymentRepository()
	}

	// Locks and receipt dedupe
	var (
		locker interfaces.Locker
		dedupe receipts.Deduper
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			opts = &redis.Options{Addr: cfg.RedisURL}
		}
		redisClient := redis.NewClient(opts)
		a.closers = append(a.closers, func() { redisClient.Close() })
		locker = service.NewRedisLocker(redisClient, cfg.LockTTL)
		dedupe = receipts.NewRedisDeduper(redisClient, cfg.ReceiptDedupeTTL)
	} else {
		telemetry.Logger.Warn("REDIS_URL not set, locks and receipt dedupe are process-local")
		locker = service.NewKeyedMutexLocker()
		dedupe = receipts.NewMemoryDeduper(cfg.ReceiptDedupeTTL)
	}

	// Receipts
	var dispatcher interfaces.ReceiptDispatcher
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return fail(fmt.Errorf("connect to NATS: %w", err))
		}
		a.closers = append(a.closers, nc.Close)
		dispatcher = receipts.NewNATSDispatcher(nc, dedupe, cfg.ReceiptTimeout)
	} else {
		dispatcher = receipts.LogDispatcher{}
	}

	// Charge events
	var publisher interfaces.EventPublisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		writer := events.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, func() { writer.Close() })
		publisher = events.NewKafkaPublisher(writer)
	}

	// Gateway credentials
	var store credentials.Store
	switch cfg.CredentialsSource {
	case config.CredentialsFromSecretsManager:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fail(fmt.Errorf("load AWS config: %w", err))
		}
		store = credentials.NewSecretsManagerStore(awsCfg, cfg.CredentialsSecretPrefix)
	default:
		static, err := config.EnvCredentials()
		if err != nil {
			return fail(err)
		}
		store = static
	}

	a.gateway = gateway.NewClient(store,
		gateway.WithTimeout(cfg.GatewayTimeout),
		gateway.WithRateLimit(cfg.GatewayRPS, cfg.GatewayBurst),
	)

	schedule := service.NewMonthlySchedule(cfg.RecurrenceMonths)
	selector := service.NewSelector(a.repo, nil)
	reconciler := service.NewReconciler(a.repo, a.gateway, selector, schedule)
	settler := service.NewSettler(a.gateway, cfg.SettleGrace, cfg.SettleInterval, cfg.SettleAttempts)
	processor := service.NewProcessor(a.repo, a.gateway, locker, schedule, dispatcher, publisher, reconciler, settler,
		service.ProcessorConfig{
			ChildCurrency:   cfg.ChildCurrency,
			PreflightSearch: cfg.PreflightSearch,
		})
	a.orchestrator = service.NewOrchestrator(selector, reconciler, processor, cfg.BatchConcurrency)

	return a, nil
}
