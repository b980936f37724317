package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/coordd"
)

func TestConfigGenStdout(t *testing.T) {
	t.Parallel()
	out, err := executeRootCommand(t, context.Background(), "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, out)
	}
	if got.Port != coordd.DefaultPort || got.Log != coordd.DefaultLogFile || got.ReleasePolicy != coordd.DefaultReleasePolicy {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.ShutdownTimeout != coordd.DefaultShutdownTimeout.String() {
		t.Fatalf("shutdown-timeout=%q", got.ShutdownTimeout)
	}
}

func TestConfigGenWritesFileOnce(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	out, err := executeRootCommand(t, context.Background(), "config", "gen", "--out", path)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Fatalf("output %q does not name %s", out, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v want 0600", info.Mode().Perm())
	}
	if _, err := executeRootCommand(t, context.Background(), "config", "gen", "--out", path); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, err := executeRootCommand(t, context.Background(), "config", "gen", "--out", path, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	t.Parallel()
	_, err := executeRootCommand(t, context.Background(), "config", "gen", "--stdout", "--out", filepath.Join(t.TempDir(), "c.yaml"))
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutual exclusion error, got %v", err)
	}
}

func TestGeneratedConfigLoadsBack(t *testing.T) {
	t.Parallel()
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("defaultConfigYAML: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	v := parsedViper(t, "--config", path)
	if _, err := loadConfigFile(v); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := bindConfig(v)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config does not validate: %v", err)
	}
	if cfg.Listen != coordd.DefaultListen || cfg.ConnguardBlockDuration != coordd.DefaultConnguardBlockDuration {
		t.Fatalf("round trip mismatch: %+v", cfg)
	}
}
