// Package config loads relay server configuration from an optional
// key=value file plus environment variable overrides, applied in that
// order so the environment always wins.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the relay server's configurable surface.
type Config struct {
	BindHost string
	BindPort int

	Debug bool

	AdminPort    int
	AdminEnabled bool

	HeartbeatTimeoutSeconds int
	JanitorIntervalSeconds  int
}

// Load reads configPath (if it exists) then applies environment
// variable overrides. A missing file is not an error — defaults apply.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		BindHost:                "0.0.0.0",
		BindPort:                9000,
		Debug:                   false,
		AdminPort:               9001,
		AdminEnabled:            true,
		HeartbeatTimeoutSeconds: 90,
		JanitorIntervalSeconds:  60,
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
			}
		}
	}

	cfg.loadFromEnv()
	return cfg, nil
}

// loadFromFile reads key=value pairs from the relay config file.
func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		cfg.applyKey(key, value)
	}

	return scanner.Err()
}

func (cfg *Config) applyKey(key, value string) {
	switch key {
	case "bind_host":
		cfg.BindHost = value
	case "bind_port":
		if port, err := strconv.Atoi(value); err == nil {
			cfg.BindPort = port
		}
	case "debug":
		cfg.Debug = value == "true" || value == "1" || value == "yes"
	case "admin_port":
		if port, err := strconv.Atoi(value); err == nil {
			cfg.AdminPort = port
		}
	case "admin_enabled":
		cfg.AdminEnabled = value == "true" || value == "1" || value == "yes"
	case "heartbeat_timeout_seconds":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.HeartbeatTimeoutSeconds = n
		}
	case "janitor_interval_seconds":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.JanitorIntervalSeconds = n
		}
	}
}

// loadFromEnv reads configuration from environment variables
func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("RELAY_BIND_HOST"); v != "" {
		cfg.BindHost = v
	}
	if v := os.Getenv("RELAY_BIND_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.BindPort = port
		}
	}
	if v := os.Getenv("RELAY_DEBUG"); v != "" {
		cfg.Debug = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("RELAY_ADMIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.AdminPort = port
		}
	}
	if v := os.Getenv("RELAY_ADMIN_ENABLED"); v != "" {
		cfg.AdminEnabled = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("RELAY_HEARTBEAT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatTimeoutSeconds = n
		}
	}
	if v := os.Getenv("RELAY_JANITOR_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JanitorIntervalSeconds = n
		}
	}
}

// ReloadDebugFlag re-reads just the debug key from configPath, used by
// the fsnotify watcher to pick up a verbosity change without touching
// any other field (bind/admin ports only take effect on restart).
func ReloadDebugFlag(configPath string) (bool, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	debug := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == "debug" {
			value := strings.TrimSpace(parts[1])
			debug = value == "true" || value == "1" || value == "yes"
		}
	}
	return debug, scanner.Err()
}
