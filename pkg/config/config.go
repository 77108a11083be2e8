package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration structure
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Storage    StorageConfig    `yaml:"storage"`
	UsageIndex UsageIndexConfig `yaml:"usage_index"`
	Eviction   EvictionConfig   `yaml:"eviction"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	API        APIConfig        `yaml:"api"`
	Sessions   SessionConfig    `yaml:"sessions"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig configures the on-disk page storage
type StorageConfig struct {
	PagesDir            string `yaml:"pages_dir"`             // defaults to <data_dir>/pages
	MaxDisk             string `yaml:"max_disk"`              // e.g. "10GB"
	MetadataCacheSize   int    `yaml:"metadata_cache_size"`   // page.meta entries kept in memory
	FilterExpectedPages uint64 `yaml:"filter_expected_pages"` // cuckoo filter capacity
}

// UsageIndexConfig configures the persisted usage index
type UsageIndexConfig struct {
	Dir                 string `yaml:"dir"`                  // defaults to <data_dir>/usage
	SyncPolicy          string `yaml:"sync_policy"`          // "always", "everysec", "no"
	CompactAfter        int    `yaml:"compact_after"`        // log records before a snapshot
	SnapshotCompression string `yaml:"snapshot_compression"` // "none", "snappy"
	RetainSnapshots     int    `yaml:"retain_snapshots"`
}

// EvictionConfig configures when and how pages are evicted
type EvictionConfig struct {
	Policy            string        `yaml:"policy"`        // "lru", "age"
	AgeThreshold      time.Duration `yaml:"age_threshold"` // age policy only
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	WarningThreshold  float64       `yaml:"warning_threshold"`
	CriticalThreshold float64       `yaml:"critical_threshold"`
	PanicThreshold    float64       `yaml:"panic_threshold"`
	Opportunistic     bool          `yaml:"opportunistic"` // evict empty pages as soon as they close
}

// ClusterConfig contains gossip configuration
type ClusterConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Name          string   `yaml:"name"`
	BindAddr      string   `yaml:"bind_addr"`
	BindPort      int      `yaml:"bind_port"`
	AdvertiseAddr string   `yaml:"advertise_addr"` // IP that other nodes use to connect
	Seeds         []string `yaml:"seeds"`
}

// APIConfig configures the admin HTTP server
type APIConfig struct {
	BindAddr string `yaml:"bind_addr"`
	Port     int    `yaml:"port"`
}

// SessionConfig configures the RESP page-session listener
type SessionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`   // 0 keeps idle clients forever
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	BufferSize    int    `yaml:"buffer_size"`    // Async log buffer size
	LogDir        string `yaml:"log_dir"`        // Log directory
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "pagekeeper-node-1",
			DataDir: "/tmp/pagekeeper",
		},
		Storage: StorageConfig{
			MaxDisk:             "10GB",
			MetadataCacheSize:   4096,
			FilterExpectedPages: 100000,
		},
		UsageIndex: UsageIndexConfig{
			SyncPolicy:          "everysec",
			CompactAfter:        10000,
			SnapshotCompression: "snappy",
			RetainSnapshots:     2,
		},
		Eviction: EvictionConfig{
			Policy:            "lru",
			AgeThreshold:      7 * 24 * time.Hour,
			CleanupInterval:   5 * time.Minute,
			WarningThreshold:  0.80,
			CriticalThreshold: 0.90,
			PanicThreshold:    0.95,
			Opportunistic:     true,
		},
		Cluster: ClusterConfig{
			Enabled:  false,
			Name:     "pagekeeper",
			BindAddr: "0.0.0.0",
			BindPort: 7946,
			Seeds:    []string{},
		},
		API: APIConfig{
			BindAddr: "0.0.0.0",
			Port:     9080,
		},
		Sessions: SessionConfig{
			Enabled:        true,
			BindAddr:       "0.0.0.0",
			Port:           9379,
			MaxConnections: 1000,
			IdleTimeout:    5 * time.Minute,
			CommandTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			fmt.Fprintf(os.Stderr, "configuration file %s not found, using defaults\n", path)
			config.applyDerived()
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDerived()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyDerived fills directory settings that default relative to node.data_dir.
func (c *Config) applyDerived() {
	if c.Storage.PagesDir == "" {
		c.Storage.PagesDir = filepath.Join(c.Node.DataDir, "pages")
	}
	if c.UsageIndex.Dir == "" {
		c.UsageIndex.Dir = filepath.Join(c.Node.DataDir, "usage")
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir cannot be empty")
	}

	if _, err := ParseSize(c.Storage.MaxDisk); err != nil {
		return fmt.Errorf("storage.max_disk: %w", err)
	}
	if c.Storage.MetadataCacheSize <= 0 {
		return fmt.Errorf("storage.metadata_cache_size must be > 0")
	}

	if !isValidSyncPolicy(c.UsageIndex.SyncPolicy) {
		return fmt.Errorf("invalid usage_index sync policy: %s", c.UsageIndex.SyncPolicy)
	}
	if !isValidCompression(c.UsageIndex.SnapshotCompression) {
		return fmt.Errorf("invalid usage_index snapshot compression: %s", c.UsageIndex.SnapshotCompression)
	}
	if c.UsageIndex.CompactAfter < 0 {
		return fmt.Errorf("usage_index.compact_after cannot be negative")
	}
	if c.UsageIndex.RetainSnapshots < 1 {
		return fmt.Errorf("usage_index.retain_snapshots must be >= 1")
	}

	if !isValidEvictionPolicy(c.Eviction.Policy) {
		return fmt.Errorf("invalid eviction policy: %s", c.Eviction.Policy)
	}
	if c.Eviction.Policy == "age" && c.Eviction.AgeThreshold <= 0 {
		return fmt.Errorf("eviction.age_threshold must be > 0 for the age policy")
	}
	w, cr, p := c.Eviction.WarningThreshold, c.Eviction.CriticalThreshold, c.Eviction.PanicThreshold
	if w <= 0 || p > 1 || w >= cr || cr >= p {
		return fmt.Errorf("eviction thresholds must satisfy 0 < warning < critical < panic <= 1")
	}

	if c.Cluster.Enabled {
		if c.Cluster.BindPort <= 0 || c.Cluster.BindPort > 65535 {
			return fmt.Errorf("cluster.bind_port must be between 1 and 65535")
		}
		if c.Cluster.Name == "" {
			return fmt.Errorf("cluster.name cannot be empty")
		}
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}
	if c.Sessions.Enabled {
		if c.Sessions.Port <= 0 || c.Sessions.Port > 65535 {
			return fmt.Errorf("sessions.port must be between 1 and 65535")
		}
		if c.Sessions.Port == c.API.Port {
			return fmt.Errorf("sessions.port and api.port must differ")
		}
		if c.Sessions.MaxConnections <= 0 {
			return fmt.Errorf("sessions.max_connections must be > 0")
		}
		if c.Sessions.IdleTimeout < 0 || c.Sessions.CommandTimeout < 0 {
			return fmt.Errorf("sessions timeouts cannot be negative")
		}
	}

	return nil
}

// MaxDiskBytes returns storage.max_disk in bytes. Validate guarantees it parses.
func (c *Config) MaxDiskBytes() int64 {
	n, _ := ParseSize(c.Storage.MaxDisk)
	return n
}

// ParseSize parses sizes such as "512MB", "10GB" or a plain byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("size cannot be empty")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", s)
	}
	return int64(n * float64(multiplier)), nil
}

// isValidEvictionPolicy checks if the eviction policy is supported
func isValidEvictionPolicy(policy string) bool {
	validPolicies := map[string]bool{
		"lru": true, // Least recently closed first, one page per sweep
		"age": true, // Every page closed longer than the threshold
	}
	return validPolicies[policy]
}

// isValidSyncPolicy checks if the sync policy is supported
func isValidSyncPolicy(policy string) bool {
	validPolicies := map[string]bool{
		"always":   true, // Sync after every write
		"everysec": true, // Sync once per second
		"no":       true, // Let the OS handle syncing
	}
	return validPolicies[policy]
}

func isValidCompression(c string) bool {
	return c == "none" || c == "snappy"
}
