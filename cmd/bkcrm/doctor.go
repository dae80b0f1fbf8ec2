package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/luckbys/bkcrm-sub006/internal/config"
	"github.com/luckbys/bkcrm-sub006/internal/db"
	"github.com/luckbys/bkcrm-sub006/internal/models"
)

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Long:  "Runs diagnostic checks on bkcrm prerequisites: config file, database, schema, gateway endpoint, and relay settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to bkcrm config file")
	return cmd
}

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func runDoctor(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "bkcrm Doctor")
	fmt.Fprintln(out, "============")

	var results []checkResult

	cfg, cfgResult := checkConfig(configPath)
	results = append(results, cfgResult)

	if cfg != nil {
		results = append(results, checkDatabase(cfg))
		results = append(results, checkGatewayURL(cfg))
		results = append(results, checkRelays(cfg))
	} else {
		for _, name := range []string{"Database", "Gateway", "Relays"} {
			results = append(results, checkResult{name, "FAIL", "skipped (no config)"})
		}
	}

	passed, failed, warned := 0, 0, 0
	for _, r := range results {
		printCheckResult(out, r)
		switch r.status {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "WARN":
			warned++
		}
	}

	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", passed, failed, warned)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printCheckResult(out io.Writer, r checkResult) {
	fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
}

func checkConfig(path string) (*config.Config, checkResult) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, checkResult{"Config", "FAIL", err.Error()}
	}
	return cfg, checkResult{"Config", "PASS", path}
}

func checkDatabase(cfg *config.Config) checkResult {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return checkResult{"Database", "FAIL", err.Error()}
	}

	if !gormDB.Migrator().HasTable(&models.TicketMessage{}) {
		return checkResult{"Database", "WARN", "connected, but schema is missing (run 'bkcrm db init')"}
	}

	var count int64
	gormDB.Model(&models.TicketMessage{}).Count(&count)
	return checkResult{"Database", "PASS", fmt.Sprintf("connected, %d messages", count)}
}

// checkGatewayURL validates the socket URL shape and probes the host over
// HTTP. A refused websocket upgrade still proves the endpoint is reachable.
func checkGatewayURL(cfg *config.Config) checkResult {
	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return checkResult{"Gateway", "FAIL", fmt.Sprintf("invalid websocket URL %q", cfg.Gateway.URL)}
	}
	if cfg.Gateway.APIKey == "" {
		return checkResult{"Gateway", "WARN", "no API key configured"}
	}

	probe := *u
	if u.Scheme == "wss" {
		probe.Scheme = "https"
	} else {
		probe.Scheme = "http"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(probe.String())
	if err != nil {
		return checkResult{"Gateway", "WARN", fmt.Sprintf("%s unreachable: %v", probe.Host, err)}
	}
	resp.Body.Close()
	return checkResult{"Gateway", "PASS", fmt.Sprintf("%s reachable (instance %s)", u.Host, cfg.Gateway.Instance)}
}

func checkRelays(cfg *config.Config) checkResult {
	var enabled []string
	if cfg.Relay.WhatsApp.BaseURL != "" {
		enabled = append(enabled, "whatsapp")
	}
	if cfg.Relay.Slack.BotToken != "" {
		enabled = append(enabled, "slack")
	}
	if cfg.Relay.Discord.BotToken != "" {
		enabled = append(enabled, "discord")
	}
	if len(enabled) == 0 {
		return checkResult{"Relays", "WARN", "none configured, agent replies stay inside the CRM"}
	}
	return checkResult{"Relays", "PASS", strings.Join(enabled, ", ")}
}
