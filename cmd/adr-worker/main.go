package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/vipul43/adr-worker/internal/adrapi"
	"github.com/vipul43/adr-worker/internal/catalog"
	"github.com/vipul43/adr-worker/internal/config"
	"github.com/vipul43/adr-worker/internal/database"
	"github.com/vipul43/adr-worker/internal/notify"
	"github.com/vipul43/adr-worker/internal/observability"
	"github.com/vipul43/adr-worker/internal/repository"
	"github.com/vipul43/adr-worker/internal/runqueue"
	"github.com/vipul43/adr-worker/internal/service"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "adr-worker",
		Short:         "ADR orchestration worker",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(refireCmd())
	rootCmd.AddCommand(scrapeCmd())
	rootCmd.AddCommand(blacklistCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(accountCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

// app holds the wired components shared by every command.
type app struct {
	cfg        *config.Config
	db         *gorm.DB
	catalog    *catalog.Source
	configRepo *repository.ConfigRepository
	jobRepo    *repository.JobRepository
	runRepo    *repository.OrchestrationRunRepository
	metrics    *observability.Metrics
	accounts   *service.AccountSyncService
	orch       *service.Orchestrator
	queue      *runqueue.Queue
	blacklists *service.BlacklistService
	configs    *service.ConfigService
}

func newApp(ctx context.Context) (*app, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Println("Database connected successfully")

	// Run migrations
	log.Println("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	log.Println("Migrations completed successfully")

	source, err := catalog.Connect(ctx, cfg.CatalogDatabaseURL)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	// Initialize repositories
	accountRepo := repository.NewAccountRepository(db)
	jobRepo := repository.NewJobRepository(db)
	executionRepo := repository.NewJobExecutionRepository(db)
	blacklistRepo := repository.NewBlacklistRepository(db)
	configRepo := repository.NewConfigRepository(db)
	runRepo := repository.NewOrchestrationRunRepository(db)

	client := adrapi.NewClient(ctx, adrapi.Config{
		BaseURL:      cfg.ADRBaseURL,
		Timeout:      cfg.ADRTimeoutDuration(),
		ClientID:     cfg.ADRClientID,
		ClientSecret: cfg.ADRClientSecret,
		TokenURL:     cfg.ADRTokenURL,
	})

	var notifier service.Notifier
	if cfg.NotificationsEnabled() {
		gmailNotifier, err := notify.NewGmailNotifier(ctx, cfg.GmailClientID, cfg.GmailClientSecret, cfg.GmailRefreshToken, cfg.NotifyEmail)
		if err != nil {
			log.Printf("Warning: NeedsReview notifications disabled: %v", err)
		} else {
			notifier = gmailNotifier
		}
	}

	metrics := observability.NewMetrics(otel.GetMeterProvider())

	// Initialize services
	syncService := service.NewAccountSyncService(source, accountRepo, configRepo)
	orch := service.NewOrchestrator(
		syncService,
		accountRepo,
		jobRepo,
		executionRepo,
		blacklistRepo,
		configRepo,
		client,
		notifier,
		metrics,
		service.Options{
			SourceApplication: cfg.ADRSourceApplication,
			RecipientEmail:    cfg.ADRRecipientEmail,
		},
	)

	return &app{
		cfg:        cfg,
		db:         db,
		catalog:    source,
		configRepo: configRepo,
		jobRepo:    jobRepo,
		runRepo:    runRepo,
		metrics:    metrics,
		accounts:   syncService,
		orch:       orch,
		queue:      runqueue.New(runRepo, orch, configRepo, metrics),
		blacklists: service.NewBlacklistService(blacklistRepo),
		configs:    service.NewConfigService(configRepo),
	}, nil
}

func (a *app) Close() {
	a.catalog.Close()
	if err := database.Close(a.db); err != nil {
		log.Printf("Warning: failed to close database: %v", err)
	}
}

// withApp wires the application for one command invocation.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
