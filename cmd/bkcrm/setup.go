package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/luckbys/bkcrm-sub006/internal/config"
)

func newSetupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactively generate a config file",
		Long:  "Walks through the database, gateway, and relay settings and writes a config.yaml. Secrets are read with terminal echo disabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, outputPath)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "config.yaml", "where to write the config file")
	return cmd
}

func runSetup(cmd *cobra.Command, outputPath string) error {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("%s already exists, remove it first or use --output", outputPath)
	}

	var cfg config.Config

	fmt.Fprintln(out, "bkcrm setup")
	fmt.Fprintln(out)

	cfg.Database.Driver = prompt(out, reader, "Database driver (sqlite/mysql)", "sqlite")
	if cfg.Database.Driver == "mysql" {
		cfg.Database.Host = prompt(out, reader, "MySQL host", "127.0.0.1")
		fmt.Sscanf(prompt(out, reader, "MySQL port", "3306"), "%d", &cfg.Database.Port)
		cfg.Database.Name = prompt(out, reader, "Database name", "bkcrm")
		cfg.Database.User = prompt(out, reader, "Database user", "root")
		cfg.Database.Password = promptSecret(out, reader, "Database password")
	} else {
		cfg.Database.Path = prompt(out, reader, "SQLite database path", "bkcrm.db")
	}

	fmt.Fprintln(out)
	cfg.Gateway.URL = prompt(out, reader, "Gateway websocket URL", "wss://gateway.example.com/ws")
	cfg.Gateway.Instance = prompt(out, reader, "Gateway instance name", "support")
	cfg.Gateway.APIKey = promptSecret(out, reader, "Gateway API key")

	fmt.Fprintln(out)
	if yes(prompt(out, reader, "Enable WhatsApp relay? (y/N)", "n")) {
		cfg.Relay.WhatsApp.BaseURL = prompt(out, reader, "WhatsApp gateway base URL", "")
		cfg.Relay.WhatsApp.Instance = prompt(out, reader, "WhatsApp instance", cfg.Gateway.Instance)
		cfg.Relay.WhatsApp.APIKey = promptSecret(out, reader, "WhatsApp API key")
	}
	if yes(prompt(out, reader, "Enable Slack relay? (y/N)", "n")) {
		cfg.Relay.Slack.BotToken = promptSecret(out, reader, "Slack bot token")
		cfg.Relay.Slack.ChannelID = prompt(out, reader, "Default Slack channel ID", "")
	}
	if yes(prompt(out, reader, "Enable Discord relay? (y/N)", "n")) {
		cfg.Relay.Discord.BotToken = promptSecret(out, reader, "Discord bot token")
		cfg.Relay.Discord.ChannelID = prompt(out, reader, "Default Discord channel ID", "")
	}

	fmt.Fprintln(out)
	fmt.Sscanf(prompt(out, reader, "HTTP port", "8090"), "%d", &cfg.Server.Port)

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}

	fmt.Fprintf(out, "\nWrote %s\n", outputPath)
	fmt.Fprintln(out, "Run 'bkcrm db init' next, then 'bkcrm serve'.")
	return nil
}

func prompt(out io.Writer, reader *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// promptSecret reads with echo disabled when stdin is a terminal, falling
// back to a plain read when it is not (tests, pipes).
func promptSecret(out io.Writer, reader *bufio.Reader, label string) string {
	fmt.Fprintf(out, "%s: ", label)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(out)
		if err == nil {
			return strings.TrimSpace(string(secret))
		}
	}
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func yes(answer string) bool {
	return strings.HasPrefix(strings.ToLower(answer), "y")
}
