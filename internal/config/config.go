// Package config loads and holds all cache server configuration.
// Settings are layered: defaults → filecached-config.json → environment
// variables (env vars win). An out-of-range or non-numeric environment
// value is ignored with a warning on stderr, leaving the value from the
// defaults or the file in place. Values read from the JSON file are not
// range-checked.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"filecached/internal/logger"
)

// Config holds the full server configuration: the C8 options table plus
// the ambient logging/admin options every module in this shape carries.
type Config struct {
	MaxFileCount      int    `json:"maxFileCount"`
	MaxBytes          int    `json:"maxBytes"`
	PoolSize          int    `json:"poolSize"`
	Backlog           int    `json:"backlog"`
	TaskQueueCapacity int    `json:"taskQueueCapacity"`
	LogQueueCapacity  int    `json:"logQueueCapacity"`
	ReplacementPolicy int    `json:"replacementPolicy"` // 0=FIFO 1=LRU 2=LFU
	SocketPath        string `json:"socketPath"`
	LogPath           string `json:"logPath"`

	// MaxConns bounds the number of simultaneously accepted client
	// connections, independent of pool size (a blocked worker pool
	// should not let unbounded connections pile up on the listener).
	MaxConns int `json:"maxConns"`

	LogLevel  string `json:"logLevel"`
	AdminAddr string `json:"adminAddr"` // empty disables the admin endpoint
}

// warnLog is used for config-loading warnings only; cmd/filecached builds
// its own module loggers for everything else.
var warnLog = logger.New("CONFIG", "info")

// Load returns config with defaults overridden by filecached-config.json
// and environment variables.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "filecached-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		MaxFileCount:      1024,
		MaxBytes:          64 << 20,
		PoolSize:          8,
		Backlog:           128,
		TaskQueueCapacity: 256,
		LogQueueCapacity:  256,
		ReplacementPolicy: 0,
		SocketPath:        "/tmp/filecached.sock",
		LogPath:           "filecached-events.json",
		MaxConns:          1024,
		LogLevel:          "info",
		AdminAddr:         "127.0.0.1:9090",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		warnLog.Warnf("load_file", "could not parse %s: %v", path, err)
	} else {
		warnLog.Infof("load_file", "loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	setPositiveIntEnv("MAX_FILE_COUNT", &cfg.MaxFileCount)
	setIntEnv("MAX_BYTES", &cfg.MaxBytes) // a negative value means "unlimited", so no positivity check
	setPositiveIntEnv("POOL_SIZE", &cfg.PoolSize)
	setPositiveIntEnv("BACKLOG", &cfg.Backlog)
	setPositiveIntEnv("TASK_QUEUE_CAPACITY", &cfg.TaskQueueCapacity)
	setPositiveIntEnv("LOG_QUEUE_CAPACITY", &cfg.LogQueueCapacity)
	setPositiveIntEnv("MAX_CONNS", &cfg.MaxConns)

	if v := os.Getenv("REPLACEMENT_POLICY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 2 {
			cfg.ReplacementPolicy = n
		} else {
			warnLog.Warnf("load_env", "REPLACEMENT_POLICY=%q out of range [0,2], keeping %d", v, cfg.ReplacementPolicy)
		}
	}
	if v := os.Getenv("SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("ADMIN_ADDR"); ok {
		cfg.AdminAddr = v
	}
}

// setPositiveIntEnv parses env var name into *dst. It leaves *dst at its
// current value (the default, or the value from the config file) if the
// variable is missing, and does the same with a warning if it is
// non-numeric or not strictly positive.
func setPositiveIntEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		warnLog.Warnf("load_env", "%s=%q out of range, keeping %d", name, v, *dst)
		return
	}
	*dst = n
}

// setIntEnv parses env var name into *dst with no positivity constraint,
// for options where a negative sentinel (e.g. "unlimited") is valid.
func setIntEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warnLog.Warnf("load_env", "%s=%q is not a number, keeping %d", name, v, *dst)
		return
	}
	*dst = n
}
