package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/luckbys/bkcrm-sub006/internal/config"
	"github.com/luckbys/bkcrm-sub006/internal/db"
	"github.com/luckbys/bkcrm-sub006/internal/models"
	"github.com/luckbys/bkcrm-sub006/internal/store"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		internal   bool
		senderName string
	)

	cmd := &cobra.Command{
		Use:   "send <ticket-id> <content...>",
		Short: "Append a message to a ticket",
		Long:  "Writes an agent message straight into the message store. A running daemon picks it up through the change feed.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, configPath, args[0], strings.Join(args[1:], " "), internal, senderName)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to bkcrm config file")
	cmd.Flags().BoolVarP(&internal, "internal", "i", false, "mark as an internal note (never relayed)")
	cmd.Flags().StringVar(&senderName, "sender", "Agent", "sender display name")
	return cmd
}

func runSend(cmd *cobra.Command, configPath, ticketID, content string, internal bool, senderName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	st := store.New(gormDB)
	ctx := context.Background()

	if _, err := st.GetTicket(ctx, ticketID); err != nil {
		return fmt.Errorf("ticket %s: %w", ticketID, err)
	}

	msg := &models.TicketMessage{
		ID:         "cli-" + uuid.NewString(),
		TicketID:   ticketID,
		Content:    content,
		SenderID:   "cli",
		SenderName: senderName,
		Role:       "agent",
		Internal:   internal,
	}
	if err := st.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Appended message %s to ticket %s\n", msg.ID, ticketID)
	return nil
}
