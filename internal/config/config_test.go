package config

import (
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/dukerupert/rollcall/internal/attendance"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(envFrom(map[string]string{"ROLLCALL_JWT_SECRET": "s"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DBPath != "rollcall.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SessionMinutes != 10 || cfg.MaxSessionMinutes != 240 {
		t.Errorf("session minutes = %d/%d", cfg.SessionMinutes, cfg.MaxSessionMinutes)
	}
	if cfg.FreshnessWindow != 30*time.Minute {
		t.Errorf("FreshnessWindow = %v", cfg.FreshnessWindow)
	}
	if cfg.ClosedPolicy != attendance.RejectInactive {
		t.Errorf("ClosedPolicy = %v", cfg.ClosedPolicy)
	}
	if !cfg.UsesDevSecrets() {
		t.Error("expected development secrets by default")
	}
	if cfg.Backup.Enabled() || cfg.Backup.S3Enabled() {
		t.Error("backups should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(envFrom(map[string]string{
		"ROLLCALL_PORT":              "9090",
		"ROLLCALL_TOKEN_KEY":         "prod-key",
		"ROLLCALL_TOKEN_IV":          "prod-iv",
		"ROLLCALL_SESSION_MINUTES":   "15",
		"ROLLCALL_FRESHNESS_WINDOW":  "5m",
		"ROLLCALL_CLOSED_POLICY":     "grace",
		"ROLLCALL_JWT_SECRET":        "s",
		"ROLLCALL_WS_ORIGINS":        "app.example.edu, *.example.edu ,",
		"ROLLCALL_BACKUP_DIR":        "/var/backups",
		"ROLLCALL_BACKUP_PASSPHRASE": "hunter2",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.SessionMinutes != 15 || cfg.FreshnessWindow != 5*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.UsesDevSecrets() {
		t.Error("overridden secrets reported as development defaults")
	}
	if cfg.ClosedPolicy != attendance.GraceAfterClose {
		t.Errorf("ClosedPolicy = %v, want grace", cfg.ClosedPolicy)
	}
	if len(cfg.WSOrigins) != 2 || cfg.WSOrigins[1] != "*.example.edu" {
		t.Errorf("WSOrigins = %q", cfg.WSOrigins)
	}
	if !cfg.Backup.Enabled() {
		t.Error("backups should be enabled")
	}

	ac := cfg.Attendance()
	if ac.DefaultDuration != 15*time.Minute || ac.FreshnessWindow != 5*time.Minute || ac.ClosedPolicy != attendance.GraceAfterClose {
		t.Errorf("attendance config = %+v", ac)
	}
}

func TestLoadCollectsParseErrors(t *testing.T) {
	_, err := Load(envFrom(map[string]string{
		"ROLLCALL_SESSION_MINUTES":  "ten",
		"ROLLCALL_FRESHNESS_WINDOW": "soon",
		"ROLLCALL_CLOSED_POLICY":    "maybe",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	if n := len(multierr.Errors(err)); n != 3 {
		t.Errorf("errors = %d, want 3: %v", n, err)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load(envFrom(map[string]string{
		"ROLLCALL_SESSION_MINUTES":     "30",
		"ROLLCALL_MAX_SESSION_MINUTES": "20",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	// Missing JWT secret and max below default.
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("errors = %d, want 2: %v", n, err)
	}
}
