package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetsync.yaml")
	yaml := "listen_addr: \":2514\"\nshared_config_dir: /tmp/shared\nagent_info_dir: /tmp/agent-info\ngroup_store_path: /tmp/data\nadmin_addr: \":9191\"\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":2514" {
		t.Errorf("expected overlaid listen_addr, got %q", cfg.ListenAddr)
	}
	if cfg.Transport != "tcp" {
		t.Errorf("expected default transport to survive overlay, got %q", cfg.Transport)
	}
	if cfg.MaxAgents != 1024 {
		t.Errorf("expected default max_agents to survive overlay, got %d", cfg.MaxAgents)
	}
}

func TestLoadRejectsInvalidTransport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetsync.yaml")
	yaml := "transport: carrier-pigeon\nlisten_addr: \":2514\"\nshared_config_dir: /tmp\nagent_info_dir: /tmp\ngroup_store_path: /tmp\nadmin_addr: \":9191\"\nlog_level: info\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown transport")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/no/such/file.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
