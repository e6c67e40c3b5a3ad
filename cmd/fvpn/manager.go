package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fvpn/config"
	"fvpn/internal/admin"
	"fvpn/internal/db"
	"fvpn/internal/logger"
	"fvpn/internal/services"
)

func managerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the central manager (economy, payments, server pools)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadManager()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runManager(ctx, cfg, log)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "restore <dump-file>",
		Short: "Restore the manager postgres database from a pg_dump file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadManager()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if err := admin.PgRestore(cmd.Context(), cfg.DatabaseURL, args[0]); err != nil {
				return err
			}
			log.Info("database restored", zap.String("file", args[0]))
			return nil
		},
	})
	return cmd
}

func loadManager() (config.ManagerConfig, *zap.Logger, error) {
	cfg, err := config.LoadManagerConfig()
	if err != nil {
		return cfg, nil, err
	}
	log, err := logger.New(cfg.Debug)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func newNotifier(cfg config.ManagerConfig, log *zap.Logger) logger.Notifier {
	if cfg.BotToken == "" {
		log.Warn("BOT_TOKEN is empty, notifications go to the log only")
		return logger.LogNotifier{Log: log}
	}
	n, err := logger.NewTelegramNotifier(cfg.BotToken, cfg.AdminTelegramID)
	if err != nil {
		log.Error("telegram notifier unavailable, falling back to log", zap.Error(err))
		return logger.LogNotifier{Log: log}
	}
	return n
}

func runManager(ctx context.Context, cfg config.ManagerConfig, log *zap.Logger) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	ledger, err := db.Open(cfg.DatabaseURL, cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	if cfg.ServersFile != "" {
		fleet, err := config.LoadFleet(cfg.ServersFile)
		if err != nil {
			return err
		}
		if err := services.SyncFleet(ctx, ledger, fleet, log); err != nil {
			return err
		}
	}

	notifier := newNotifier(cfg, log)
	var gateway services.Gateway
	if cfg.ToyyibPay.Enabled {
		gateway = services.NewToyyibPay(cfg.ToyyibPay)
	} else {
		log.Warn("payment gateway disabled, invoices cannot be created")
	}

	agents := services.NewAgentClient()
	selector := services.NewPoolSelector(ledger, agents, notifier, cfg.ProbeTimeout, log)
	limiter := services.NewRateLimiter(cfg.ClaimCooldown, cfg.AdminTelegramID)
	fleet := services.NewFleetMonitor(ledger, agents, notifier, cfg.ProbeTimeout, log)
	starDuration := time.Duration(cfg.StarSubscriptionDays) * 24 * time.Hour

	api := services.NewAPI(services.APIDeps{
		APIKey:     cfg.APIKey,
		Ledger:     ledger,
		Settlement: services.NewSettlementCoordinator(ledger, gateway, starDuration, notifier, log),
		Claims:     services.NewClaimService(ledger, selector, agents, limiter, cfg, log),
		Invoices:   services.NewInvoiceService(ledger, gateway, cfg, log),
		Fleet:      fleet,
		Limiter:    limiter,
		Notifier:   notifier,
		Log:        log,
	})

	jobs, err := scheduleJobs(ctx, cfg, ledger, fleet, limiter, notifier, log)
	if err != nil {
		return err
	}
	jobs.Start()
	defer func() {
		<-jobs.Stop().Done()
		log.Info("scheduled jobs stopped")
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveHTTP(ctx, srv, log)
}

// scheduleJobs регистрирует фоновые задачи; каждая получает ctx процесса
func scheduleJobs(ctx context.Context, cfg config.ManagerConfig, ledger *db.Ledger, fleet *services.FleetMonitor, limiter *services.RateLimiter, notifier logger.Notifier, log *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	invoices := services.NewInvoiceReconciler(ledger, notifier, log)
	reminder := services.NewStarReminder(ledger, notifier, cfg.StarReminderDays, log)
	backup := admin.NewBackup(cfg.DatabaseURL, cfg.BackupDir, notifier, log)

	specs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"invoice reconciler", cfg.ReconcileSchedule, func() { invoices.Run(ctx) }},
		{"fleet monitor", cfg.FleetSchedule, func() { fleet.Update(ctx) }},
		{"rate limiter cleanup", cfg.FleetSchedule, func() {
			if n := limiter.Prune(); n > 0 {
				log.Debug("idle rate limiters dropped", zap.Int("users", n))
			}
		}},
		{"star reminder", cfg.ReminderSchedule, func() { reminder.Run(ctx) }},
		{"database backup", cfg.BackupSchedule, func() { _, _ = backup.Run(ctx) }},
	}
	for _, s := range specs {
		if s.schedule == "" {
			continue
		}
		if _, err := c.AddFunc(s.schedule, s.run); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", s.name, s.schedule, err)
		}
		log.Info("job scheduled", zap.String("job", s.name), zap.String("schedule", s.schedule))
	}
	return c, nil
}
