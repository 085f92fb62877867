package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mitchellh/go-homedir"
)

func TestReadConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	homedir.Reset()
	t.Cleanup(homedir.Reset)

	cfg, err := readConfig("")
	if err != nil {
		t.Fatalf("readConfig() error = %v", err)
	}
	if cfg.Adapter.ID != "hci0" {
		t.Errorf("Adapter.ID = %q, want default hci0", cfg.Adapter.ID)
	}
}

func TestReadConfigUsesDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.Reset()
	t.Cleanup(homedir.Reset)

	dir := filepath.Join(home, ".config", "blelink")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("adapter:\n  id: hci2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := readConfig("")
	if err != nil {
		t.Fatalf("readConfig() error = %v", err)
	}
	if cfg.Adapter.ID != "hci2" {
		t.Errorf("Adapter.ID = %q, want hci2", cfg.Adapter.ID)
	}
}

func TestLoadConfigLogLevelOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	homedir.Reset()
	t.Cleanup(homedir.Reset)

	flagConfig = ""
	flagLogLevel = "verbose"
	t.Cleanup(func() { flagLogLevel = "" })

	if _, err := loadConfig(); err == nil {
		t.Error("loadConfig() should reject an invalid --log-level")
	}
}
