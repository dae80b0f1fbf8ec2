package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/luckbys/bkcrm-sub006/internal/config"
	"github.com/luckbys/bkcrm-sub006/internal/db"
	"github.com/luckbys/bkcrm-sub006/internal/realtime"
)

func newTailCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tail <ticket-id>",
		Short: "Follow a ticket conversation in the terminal",
		Long:  "Opens a live session on the given ticket and prints messages as they arrive, until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to bkcrm config file")
	return cmd
}

func runTail(cmd *cobra.Command, configPath, ticketID string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	ctrl, sock, err := buildController(cfg, gormDB)
	if err != nil {
		return err
	}
	defer sock.Close()
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := ctrl.Open(ctx, ticketID); err != nil {
		return fmt.Errorf("open ticket %s: %w", ticketID, err)
	}
	fmt.Fprintf(out, "Following ticket %s (Ctrl-C to stop)\n", ticketID)

	// Snapshots are cumulative and ordered; only print the suffix we have
	// not shown yet.
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-ctrl.States():
			fmt.Fprintf(out, "-- connection %s --\n", state)
		case snap := <-ctrl.Updates():
			if len(snap) < printed {
				printed = 0
			}
			for _, msg := range snap[printed:] {
				printMessage(out, msg)
			}
			printed = len(snap)
		}
	}
}

func printMessage(out io.Writer, msg realtime.Message) {
	marker := ""
	switch {
	case msg.Visibility == realtime.VisibilityInternal:
		marker = " [internal]"
	case msg.RelayFailed:
		marker = " [relay failed]"
	case msg.Delivery == realtime.DeliveryFailed:
		marker = " [failed]"
	}
	fmt.Fprintf(out, "%s %s (%s): %s%s\n",
		msg.OccurredAt.Format("15:04:05"), msg.SenderLabel, msg.SenderRole, msg.Content, marker)
}
