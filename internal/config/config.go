// Package config loads relay server configuration from an optional config
// file plus environment variable overrides, in the teacher's layered style.
package config

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all relay server configuration.
type Config struct {
	// HTTP control endpoint
	HTTPPort int

	// TCP data-plane relay
	SocketPort int
	TCPBacklog int

	// Rendezvous service
	BlockingTimeout time.Duration
	SessionTTL      time.Duration

	// Boss/worker thread counts. Loaded only; the relay's accept loop runs
	// one goroutine per connection and does not use them.
	BossThreads   int
	WorkerThreads int

	// HistoryDSN is a Postgres connection string for the transfer history
	// store. Empty disables it; its absence never changes relay behavior.
	HistoryDSN string

	// RelayLogDir is where the dedicated relay activity log file is
	// written, following the teacher's InitRelayLog convention.
	RelayLogDir string
}

// Load reads configuration from an optional key=value file, then applies
// environment variable overrides (which always take precedence).
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		HTTPPort:        8080,
		SocketPort:      10000,
		TCPBacklog:      128,
		BlockingTimeout: 30 * time.Second,
		SessionTTL:      120 * time.Second,
		BossThreads:     1,
		WorkerThreads:   runtime.NumCPU(),
		HistoryDSN:      "",
		RelayLogDir:     ".",
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	cfg.loadFromEnv()

	if cfg.WorkerThreads < 1 {
		cfg.WorkerThreads = 1
	}

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

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
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "http_port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.HTTPPort = v
			}
		case "socket_port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.SocketPort = v
			}
		case "tcp_backlog":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.TCPBacklog = v
			}
		case "blocking_timeout_ms":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.BlockingTimeout = time.Duration(v) * time.Millisecond
			}
		case "session_ttl_ms":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.SessionTTL = time.Duration(v) * time.Millisecond
			}
		case "boss_threads":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.BossThreads = v
			}
		case "worker_threads":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.WorkerThreads = v
			}
		case "history_dsn":
			cfg.HistoryDSN = value
		case "relay_log_dir":
			cfg.RelayLogDir = value
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		}
	}
	if v := os.Getenv("SOCKET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SocketPort = port
		}
	}
	if v := os.Getenv("TCP_BACKLOG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TCPBacklog = n
		}
	}
	if v := os.Getenv("BLOCKING_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.BlockingTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("BOSS_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BossThreads = n
		}
	}
	if v := os.Getenv("WORKER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerThreads = n
		}
	}
	if v := os.Getenv("HISTORY_DSN"); v != "" {
		cfg.HistoryDSN = v
	}
	if v := os.Getenv("RELAY_LOG_DIR"); v != "" {
		cfg.RelayLogDir = v
	}
}
