package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func checkLoaded(t *testing.T, cfg Config) {
	t.Helper()
	if cfg.Addr != ":9999" || cfg.PrimaryModel != "m1" || !cfg.WarmCache || cfg.SoftLimitMB != 512 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Models) != 2 || cfg.Models[1].Name != "m2" || cfg.Models[1].BatchHint != 8 || cfg.Models[1].Weight != 2 {
		t.Fatalf("unexpected models: %+v", cfg.Models)
	}
	if len(cfg.Models[1].Devices) != 1 || cfg.Models[1].Devices[0] != 1 {
		t.Fatalf("unexpected device override: %+v", cfg.Models[1])
	}
	if len(cfg.Devices) != 2 || cfg.Telemetry.MaxSamples != 64 || cfg.Telemetry.DBPath != "/tmp/t.db" {
		t.Fatalf("unexpected devices/telemetry: %+v %+v", cfg.Devices, cfg.Telemetry)
	}
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: ":9999"
primary_model: m1
warm_cache: true
soft_limit_mb: 512
devices: [0, 1]
models:
  - name: m1
  - name: m2
    batch_hint: 8
    weight: 2
    devices: [1]
telemetry:
  max_samples: 64
  db_path: /tmp/t.db
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkLoaded(t, cfg)
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":9999","primary_model":"m1","warm_cache":true,"soft_limit_mb":512,
"devices":[0,1],"models":[{"name":"m1"},{"name":"m2","batch_hint":8,"weight":2,"devices":[1]}],
"telemetry":{"max_samples":64,"db_path":"/tmp/t.db"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkLoaded(t, cfg)
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", `addr = ":9999"
primary_model = "m1"
warm_cache = true
soft_limit_mb = 512
devices = [0, 1]

[[models]]
name = "m1"

[[models]]
name = "m2"
batch_hint = 8
weight = 2.0
devices = [1]

[telemetry]
max_samples = 64
db_path = "/tmp/t.db"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	checkLoaded(t, cfg)
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}
