package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/luckbys/bkcrm-sub006/internal/config"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "bkcrm dev") {
		t.Errorf("expected output to contain 'bkcrm dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "bkcrm 1.0.0") {
		t.Errorf("expected output to contain 'bkcrm 1.0.0', got: %s", out)
	}
	if !strings.Contains(out, "built: 2026-01-01") {
		t.Errorf("expected output to contain 'built: 2026-01-01', got: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"serve", "db", "tail", "send", "setup", "doctor", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestServeCmd_MissingConfig(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"serve", "--config", "does-not-exist.yaml"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDBInitCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Database ready") {
		t.Errorf("expected 'Database ready', got: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "test.db")); err != nil {
		t.Errorf("expected sqlite file to exist: %v", err)
	}
}

func TestDBResetCmd_Forced(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	cmd = newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"db", "reset", "--config", cfgPath, "--force"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("db reset failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Database reset complete") {
		t.Errorf("expected reset confirmation, got: %s", buf.String())
	}
}

func TestSendCmd_UnknownTicket(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetArgs([]string{"db", "init", "--config", cfgPath})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("db init failed: %v", err)
	}

	cmd = newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"send", "--config", cfgPath, "t-404", "hello"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown ticket")
	}
}

func TestNewDoctorCmd(t *testing.T) {
	cmd := newDoctorCmd()
	if cmd.Use != "doctor" {
		t.Errorf("Use = %q, want %q", cmd.Use, "doctor")
	}
	cfgFlag := cmd.Flags().Lookup("config")
	if cfgFlag == nil {
		t.Fatal("expected --config flag")
	}
	if cfgFlag.DefValue != "config.yaml" {
		t.Errorf("--config default = %q, want %q", cfgFlag.DefValue, "config.yaml")
	}
}

func TestCheckConfig_Missing(t *testing.T) {
	cfg, result := checkConfig("does-not-exist.yaml")
	if cfg != nil {
		t.Error("expected nil config")
	}
	if result.status != "FAIL" {
		t.Errorf("status = %q, want FAIL", result.status)
	}
}

func TestCheckGatewayURL_Invalid(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.URL = "http://not-a-socket"
	result := checkGatewayURL(cfg)
	if result.status != "FAIL" {
		t.Errorf("status = %q, want FAIL for non-websocket URL", result.status)
	}
}

func TestCheckRelays_NoneConfigured(t *testing.T) {
	result := checkRelays(&config.Config{})
	if result.status != "WARN" {
		t.Errorf("status = %q, want WARN when no relays configured", result.status)
	}
}

func TestCheckRelays_Enabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Relay.WhatsApp.BaseURL = "https://wa.example.com"
	cfg.Relay.Slack.BotToken = "xoxb-test"
	result := checkRelays(cfg)
	if result.status != "PASS" {
		t.Fatalf("status = %q, want PASS", result.status)
	}
	if !strings.Contains(result.detail, "whatsapp") || !strings.Contains(result.detail, "slack") {
		t.Errorf("detail = %q, want whatsapp and slack listed", result.detail)
	}
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := "database:\n" +
		"  driver: sqlite\n" +
		"  path: " + filepath.Join(dir, "test.db") + "\n" +
		"gateway:\n" +
		"  url: wss://gateway.test/ws\n" +
		"  api_key: test-key\n" +
		"  instance: test\n"
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}
