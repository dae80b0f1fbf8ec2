package db

import (
	"strings"
	"testing"
	"time"

	"github.com/luckbys/bkcrm-sub006/internal/config"
	"github.com/luckbys/bkcrm-sub006/internal/models"
)

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host: "10.0.0.5",
		Port: 3307,
		Name: "bkcrm_prod",
		User: "crm",
	}
	got := DSN(cfg)
	want := "crm@tcp(10.0.0.5:3307)/bkcrm_prod?parseTime=true&charset=utf8mb4"
	if got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}

	cfg.Password = "secret"
	if got := DSN(cfg); !strings.HasPrefix(got, "crm:secret@tcp(") {
		t.Errorf("DSN with password = %q", got)
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestAutoMigrate_AndMessageUniqueness(t *testing.T) {
	gdb, err := ConnectMemory()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	msg := models.TicketMessage{
		ID:        "a3f0c1d2-e5b4-4c6d-9f8a-112233445566",
		TicketID:  "ticket-1",
		Content:   "hello",
		CreatedAt: time.Now(),
	}
	if err := gdb.Create(&msg).Error; err != nil {
		t.Fatalf("create message: %v", err)
	}

	// Same external ID must be rejected by the unique index.
	dup := models.TicketMessage{
		ID:       "a3f0c1d2-e5b4-4c6d-9f8a-112233445566",
		TicketID: "ticket-1",
		Content:  "hello again",
	}
	if err := gdb.Create(&dup).Error; err == nil {
		t.Error("expected unique constraint violation for duplicate message ID")
	}
}

func TestReset(t *testing.T) {
	gdb, err := ConnectMemory()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := gdb.Create(&models.Customer{ID: "c1", Name: "Ana"}).Error; err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if err := Reset(gdb); err != nil {
		t.Fatalf("reset: %v", err)
	}
	var count int64
	gdb.Model(&models.Customer{}).Count(&count)
	if count != 0 {
		t.Errorf("customer count after reset = %d, want 0", count)
	}
}
