package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/autopr/autopr/internal/errkind"
)

func write(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Ingress.Addr != def.Ingress.Addr || cfg.Engine.IntraRunParallelism != 4 {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.Ingress.DedupWindow.Std() != 60*time.Second {
		t.Fatalf("dedup window: %v", cfg.Ingress.DedupWindow)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := write(t, `
state_dir: /var/lib/autopr
ingress:
  addr: ":9090"
  dedup_window: 2m
engine:
  intra_run_parallelism: 8
budget:
  per_run_usd: 0.25
sources:
  github:
    secret: webhook-github
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/var/lib/autopr" || cfg.Ingress.Addr != ":9090" {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.Ingress.DedupWindow.Std() != 2*time.Minute {
		t.Fatalf("dedup window: %v", cfg.Ingress.DedupWindow)
	}
	if cfg.Engine.IntraRunParallelism != 8 || cfg.Budget.PerRunUSD != 0.25 {
		t.Fatalf("cfg: %+v", cfg)
	}
	// Untouched sections keep their defaults.
	if cfg.Resilience.BreakerFailMax != 5 || cfg.Engine.RunDeadline.Std() != 10*time.Minute {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.Sources["github"].Secret != "webhook-github" {
		t.Fatalf("sources: %+v", cfg.Sources)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := write(t, "state_dir: x\nmystery: true\n")
	_, err := LoadFile(path)
	if errkind.KindOf(err) != errkind.InvalidInput {
		t.Fatalf("kind=%q err=%v", errkind.KindOf(err), err)
	}
}

func TestBareSecondsDuration(t *testing.T) {
	path := write(t, "ingress:\n  dedup_window: 90\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ingress.DedupWindow.Std() != 90*time.Second {
		t.Fatalf("dedup window: %v", cfg.Ingress.DedupWindow)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvStateDir, "/tmp/override")
	t.Setenv(EnvLogLevel, "debug")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/tmp/override" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg: %+v", cfg)
	}
}
