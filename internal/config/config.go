// Package config provides configuration management for the render agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// Default values
	DefaultPort         = 8790
	DefaultLogLevel     = "info"
	DefaultDataDir      = ".render-agent"
	DefaultBackendURL   = "http://127.0.0.1:8188"
	DefaultTemplatesDir = "workflows"

	// Environment variable names
	EnvPort         = "RENDER_AGENT_PORT"
	EnvLogLevel     = "RENDER_AGENT_LOG_LEVEL"
	EnvDataDir      = "RENDER_AGENT_DATA_DIR"
	EnvBackendURL   = "RENDER_AGENT_BACKEND_URL"
	EnvOutputDir    = "RENDER_AGENT_OUTPUT_DIR"
	EnvTemplatesDir = "RENDER_AGENT_TEMPLATES_DIR"
	EnvGPUProbe     = "RENDER_AGENT_GPU_PROBE"

	// Database filename
	DBFilename = "render-agent.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	BackendURL() string
	OutputDir() string
	TemplatesDir() string
	GPUProbe() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port         int
	logLevel     string
	dataDir      string
	backendURL   string
	outputDir    string
	templatesDir string
	gpuProbe     string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:         DefaultPort,
		logLevel:     DefaultLogLevel,
		dataDir:      defaultDataDir(),
		backendURL:   DefaultBackendURL,
		templatesDir: DefaultTemplatesDir,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if bu := os.Getenv(EnvBackendURL); bu != "" {
		cfg.backendURL = bu
	}

	if td := os.Getenv(EnvTemplatesDir); td != "" {
		cfg.templatesDir = td
	}

	cfg.outputDir = os.Getenv(EnvOutputDir)
	if cfg.outputDir == "" {
		// The backend writes artifacts here by default; overridable when
		// the backend runs with a relocated output root.
		cfg.outputDir = filepath.Join(cfg.dataDir, "output")
	}

	cfg.gpuProbe = os.Getenv(EnvGPUProbe)

	return cfg, nil
}

// Port returns the status API port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// BackendURL returns the render backend's base URL
func (c *EnvConfig) BackendURL() string {
	return c.backendURL
}

// OutputDir returns the backend's artifact output directory
func (c *EnvConfig) OutputDir() string {
	return c.outputDir
}

// TemplatesDir returns the workflow templates directory
func (c *EnvConfig) TemplatesDir() string {
	return c.templatesDir
}

// GPUProbe returns the fallback GPU probe binary override, empty for
// auto-detection
func (c *EnvConfig) GPUProbe() string {
	return c.gpuProbe
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
