package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"dispoline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ClaimTTL() != 30*time.Minute {
		t.Fatalf("claim ttl %v", cfg.ClaimTTL())
	}
	if !cfg.AutoReleaseSet().Releases(domain.WorkflowAutomotive, domain.StatusDroppedOff) {
		t.Fatalf("DROPPED_OFF should auto release by default")
	}
	if cfg.InitialDelay() != 10*time.Second || cfg.Interval() != time.Hour {
		t.Fatalf("scheduler timings %v %v", cfg.InitialDelay(), cfg.Interval())
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("engine:\n  claim_ttl_minutes: 45\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.ClaimTTLMinutes != 45 {
		t.Fatalf("ttl %d", cfg.Engine.ClaimTTLMinutes)
	}
	if cfg.Scheduler.IntervalMinutes != 60 || cfg.Preview.MaxDays != 90 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		"engine:\n  claim_ttl_minutes: 0\n",
		"engine:\n  auto_release:\n    automotive: [DELIVERED]\n",
		"engine:\n  auto_release:\n    trucks: [OPEN]\n",
		"scheduler:\n  interval_minutes: 0\n",
		"preview:\n  default_days: 100\n",
	}
	for _, c := range cases {
		if _, err := FromYAML([]byte(c)); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Engine.ClaimTTLMinutes != 30 {
		t.Fatalf("expected defaults without a file")
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("Load should require the file")
	}
	if err := os.WriteFile(filepath.Join(dir, "dispoline.yml"), []byte("preview:\n  default_days: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Preview.DefaultDays != 7 {
		t.Fatalf("default days %d", cfg.Preview.DefaultDays)
	}
}
