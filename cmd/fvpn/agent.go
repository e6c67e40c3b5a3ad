package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fvpn/config"
	"fvpn/internal/agent"
	"fvpn/internal/logger"
)

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the host agent (account provisioning on this machine)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgentConfig()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, log)
		},
	}
}

func runAgent(ctx context.Context, cfg config.AgentConfig, log *zap.Logger) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	store, err := agent.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	c := agent.Build(cfg, store, agent.LinuxAccounts{}, agent.Systemctl{Fallback: "xray"}, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           c.Server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("agent starting", zap.Int("max_users", cfg.MaxUsers), zap.String("db", cfg.DBPath))
	return serveHTTP(ctx, srv, log)
}
