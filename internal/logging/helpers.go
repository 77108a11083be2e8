package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LevelFromString converts a config level name to a Level, defaulting to INFO.
func LevelFromString(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig mirrors the logging block of the YAML configuration.
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// InitializeFromConfig builds a logger from configuration and installs it globally.
func InitializeFromConfig(nodeID string, cfg LogConfig) (*Logger, error) {
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	logFile := cfg.LogFile
	if logFile == "" && cfg.EnableFile {
		logFile = filepath.Join(cfg.LogDir, nodeID+".log")
	}

	logger := NewLogger(Config{
		Level:         LevelFromString(cfg.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: cfg.EnableConsole,
		EnableFile:    cfg.EnableFile,
		BufferSize:    cfg.BufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// Component names.
const (
	ComponentUsage      = "usage"
	ComponentEviction   = "eviction"
	ComponentPredicate  = "predicate"
	ComponentUsageIndex = "usage_index"
	ComponentStorage    = "storage"
	ComponentCleanup    = "cleanup"
	ComponentCluster    = "cluster"
	ComponentAPI        = "api"
	ComponentConfig     = "config"
	ComponentMain       = "main"
)

// Action names.
const (
	ActionStart     = "start"
	ActionStop      = "stop"
	ActionRequest   = "request"
	ActionResponse  = "response"
	ActionOpen      = "open"
	ActionClose     = "close"
	ActionCheck     = "check"
	ActionEvict     = "evict"
	ActionSweep     = "sweep"
	ActionPersist   = "persist"
	ActionRestore   = "restore"
	ActionSnapshot  = "snapshot"
	ActionCompact   = "compaction"
	ActionDiscover  = "discover"
	ActionPressure  = "pressure"
	ActionBroadcast = "broadcast"
	ActionJoin      = "join"
)
