package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/luckbys/bkcrm-sub006/internal/config"
	"github.com/luckbys/bkcrm-sub006/internal/db"
	"github.com/luckbys/bkcrm-sub006/internal/gateway"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
	"github.com/luckbys/bkcrm-sub006/internal/relay"
	"github.com/luckbys/bkcrm-sub006/internal/server"
	"github.com/luckbys/bkcrm-sub006/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the synchronization daemon",
		Long:  "Connects to the gateway, opens the HTTP API, and keeps ticket conversations synchronized until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to bkcrm config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctrl, sock, err := buildController(cfg, gormDB)
	if err != nil {
		return err
	}
	defer sock.Close()
	defer ctrl.Close()

	// Scheduled full resync as a safety net for anything all three
	// transports missed.
	if cfg.Sync.ResyncCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.Sync.ResyncCron, func() {
			if !ctrl.Refresh(context.Background()) {
				log.Printf("serve: scheduled resync skipped (no session or too soon)")
			}
		}); err != nil {
			return fmt.Errorf("resync schedule %q: %w", cfg.Sync.ResyncCron, err)
		}
		c.Start()
		defer c.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return server.Start(ctx, server.StartOpts{
		Controller: ctrl,
		Port:       port,
		Out:        cmd.OutOrStdout(),
	})
}

// buildController wires the store, change feed, gateway socket, and relays
// into a conversation controller. The caller owns closing both returns.
func buildController(cfg *config.Config, gormDB *gorm.DB) (*realtime.Controller, *gateway.Client, error) {
	st := store.New(gormDB)
	feed := store.NewFeed(st, store.DefaultFeedInterval)

	sock, err := gateway.New(gateway.Opts{
		URL:      cfg.Gateway.URL,
		APIKey:   cfg.Gateway.APIKey,
		Instance: cfg.Gateway.Instance,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: %w", err)
	}

	relays, err := relay.FromConfig(cfg.Relay)
	if err != nil {
		return nil, nil, fmt.Errorf("relays: %w", err)
	}

	ctrl, err := realtime.NewController(realtime.ControllerOpts{
		Feed:              feed,
		Fetcher:           st,
		Socket:            sock,
		Tickets:           st,
		Relays:            relays,
		PollInterval:      time.Duration(cfg.Sync.PollIntervalSec) * time.Second,
		MinRefreshSpacing: time.Duration(cfg.Sync.MinRefreshSpacingSec) * time.Second,
		PendingTimeout:    time.Duration(cfg.Sync.PendingTimeoutSec) * time.Second,
		Reconnect: realtime.ReconnectPolicy{
			BaseDelay:   time.Duration(cfg.Sync.Reconnect.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Sync.Reconnect.MaxDelayMs) * time.Millisecond,
			MaxAttempts: cfg.Sync.Reconnect.MaxAttempts,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("controller: %w", err)
	}
	return ctrl, sock, nil
}
