// Package config builds runtime configuration from the environment, the way
// the appliance is provisioned. A .env file in the working directory is
// loaded first when present; every value has a safe default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "SENSOR_"

type Config struct {
	// source and target of the update
	RepoURL     string
	AppRoot     string
	Subtree     string
	ServiceName string

	// apply script and privilege elevation ("" disables sudo)
	UpdateScript string
	Sudo         string

	// admin HTTP listener
	ListenAddr string

	// durable attempt log and service log ("console" keeps stderr)
	UpdateLogFile string
	ServiceLog    string
	LogLevel      string

	// tracing; empty disables the exporter
	OTLPEndpoint string

	RemoteTimeout time.Duration
	SweepMaxAge   time.Duration
}

func Default() Config {
	return Config{
		RepoURL:       "https://github.com/keukalabs/sensor-appliance.git",
		AppRoot:       "/home/pi/sensor-appliance",
		Subtree:       "app",
		ServiceName:   "sensor-appliance",
		Sudo:          "sudo",
		ListenAddr:    "127.0.0.1:8093",
		ServiceLog:    "console",
		LogLevel:      "info",
		RemoteTimeout: 10 * time.Second,
		SweepMaxAge:   6 * time.Hour,
	}
}

// Load reads the optional .env file, applies environment overrides on top of
// the defaults, and derives the paths that depend on the app root.
func Load() Config {
	_ = godotenv.Load()

	cfg := Default()
	cfg.RepoURL = getenv("REPO_URL", cfg.RepoURL)
	cfg.AppRoot = getenv("APP_ROOT", cfg.AppRoot)
	cfg.Subtree = getenv("SUBTREE", cfg.Subtree)
	cfg.ServiceName = getenv("SERVICE_NAME", cfg.ServiceName)
	cfg.UpdateScript = getenv("UPDATE_SCRIPT", cfg.UpdateScript)
	if v, ok := lookup("SUDO"); ok {
		cfg.Sudo = v // explicitly empty disables elevation
	}
	cfg.ListenAddr = getenv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.UpdateLogFile = getenv("UPDATE_LOG_FILE", cfg.UpdateLogFile)
	cfg.ServiceLog = getenv("SERVICE_LOG", cfg.ServiceLog)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.OTLPEndpoint = getenv("OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.RemoteTimeout = getseconds("REMOTE_TIMEOUT_SECS", cfg.RemoteTimeout)
	cfg.SweepMaxAge = getseconds("SWEEP_MAX_AGE_SECS", cfg.SweepMaxAge)

	if cfg.UpdateScript == "" {
		cfg.UpdateScript = filepath.Join(cfg.AppRoot, "scripts", "update_code_only.sh")
	}
	if cfg.UpdateLogFile == "" {
		cfg.UpdateLogFile = filepath.Join(cfg.AppRoot, "logs", "updater.log")
	}
	return cfg
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.RepoURL == "" {
		return fmt.Errorf("repo URL must not be empty")
	}
	if c.AppRoot == "" {
		return fmt.Errorf("app root must not be empty")
	}
	if c.Subtree == "" {
		return fmt.Errorf("subtree must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return nil
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func getenv(key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func getseconds(key string, def time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
