package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagekeeper.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestConfigLoading(t *testing.T) {
	t.Run("Default_Configuration", func(t *testing.T) {
		cfg, err := Load("/non/existent/path")
		if err != nil {
			t.Fatalf("Failed to load default config: %v", err)
		}

		if cfg.Eviction.Policy != "lru" {
			t.Errorf("Expected default policy lru, got %s", cfg.Eviction.Policy)
		}
		if cfg.UsageIndex.SyncPolicy != "everysec" {
			t.Errorf("Expected default sync policy everysec, got %s", cfg.UsageIndex.SyncPolicy)
		}
		if cfg.Storage.PagesDir != filepath.Join("/tmp/pagekeeper", "pages") {
			t.Errorf("Expected pages dir under data dir, got %s", cfg.Storage.PagesDir)
		}
		if cfg.UsageIndex.Dir != filepath.Join("/tmp/pagekeeper", "usage") {
			t.Errorf("Expected usage dir under data dir, got %s", cfg.UsageIndex.Dir)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Defaults should validate: %v", err)
		}
	})

	t.Run("YAML_Configuration_Loading", func(t *testing.T) {
		path := writeConfig(t, `
node:
  id: "node-a"
  data_dir: "/data/pk"
storage:
  max_disk: "2GB"
usage_index:
  sync_policy: "always"
  snapshot_compression: "none"
eviction:
  policy: "age"
  age_threshold: 48h
  cleanup_interval: 30s
cluster:
  enabled: true
  seeds: ["node-b:7946"]
logging:
  level: "debug"
`)

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}

		if cfg.Node.ID != "node-a" {
			t.Errorf("Expected node id node-a, got %s", cfg.Node.ID)
		}
		if cfg.MaxDiskBytes() != 2<<30 {
			t.Errorf("Expected 2GB in bytes, got %d", cfg.MaxDiskBytes())
		}
		if cfg.Eviction.AgeThreshold != 48*time.Hour {
			t.Errorf("Expected 48h age threshold, got %v", cfg.Eviction.AgeThreshold)
		}
		if cfg.Eviction.CleanupInterval != 30*time.Second {
			t.Errorf("Expected 30s cleanup interval, got %v", cfg.Eviction.CleanupInterval)
		}
		if len(cfg.Cluster.Seeds) != 1 || cfg.Cluster.Seeds[0] != "node-b:7946" {
			t.Errorf("Unexpected seeds: %v", cfg.Cluster.Seeds)
		}
		if cfg.UsageIndex.Dir != filepath.Join("/data/pk", "usage") {
			t.Errorf("Expected derived usage dir, got %s", cfg.UsageIndex.Dir)
		}
		if !cfg.Sessions.Enabled || cfg.Sessions.Port != 9379 {
			t.Errorf("Expected session listener on 9379 by default, got %+v", cfg.Sessions)
		}
		// Untouched blocks keep their defaults.
		if cfg.UsageIndex.RetainSnapshots != 2 {
			t.Errorf("Expected default retain_snapshots 2, got %d", cfg.UsageIndex.RetainSnapshots)
		}
	})

	t.Run("Invalid_Configuration", func(t *testing.T) {
		cases := map[string]string{
			"policy":      "eviction:\n  policy: \"lfu\"\n",
			"sync":        "usage_index:\n  sync_policy: \"sometimes\"\n",
			"compression": "usage_index:\n  snapshot_compression: \"zstd\"\n",
			"thresholds":  "eviction:\n  warning_threshold: 0.9\n  critical_threshold: 0.8\n",
			"size":        "storage:\n  max_disk: \"lots\"\n",
			"node":        "node:\n  id: \"\"\n",
			"ports":       "sessions:\n  port: 9080\n",
			"clients":     "sessions:\n  max_connections: 0\n",
		}
		for name, content := range cases {
			t.Run(name, func(t *testing.T) {
				if _, err := Load(writeConfig(t, content)); err == nil {
					t.Errorf("Expected validation error for %s", name)
				}
			})
		}
	})
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"1024":  1024,
		"1KB":   1 << 10,
		"512MB": 512 << 20,
		"10GB":  10 << 30,
		"1.5GB": 3 << 29,
		"1tb":   1 << 40,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Errorf("ParseSize(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}

	for _, bad := range []string{"", "GB", "-1MB", "abc"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) should fail", bad)
		}
	}
}
