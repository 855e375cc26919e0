package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type HTTPConfig struct {
	Addr string
}

// AppConfig is the process-level configuration shared by every binary. Service
// specific settings live next to the service.
type AppConfig struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	// ShutdownTimeout bounds the graceful shutdown sequence.
	ShutdownTimeout time.Duration
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: strings.TrimSpace(os.Getenv("SERVICE_NAME")),
		LogLevel:    strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))),
		HTTP: HTTPConfig{
			Addr: strings.TrimSpace(os.Getenv("HTTP_ADDR")),
		},
		ShutdownTimeout: 10 * time.Second,
	}
	if cfg.ServiceName == "" {
		return AppConfig{}, errors.New("SERVICE_NAME is required")
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if !logLevels[cfg.LogLevel] {
		return AppConfig{}, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", cfg.LogLevel)
	}
	if v := strings.TrimSpace(os.Getenv("SHUTDOWN_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return AppConfig{}, fmt.Errorf("SHUTDOWN_TIMEOUT %q is not a positive duration", v)
		}
		cfg.ShutdownTimeout = d
	}
	return cfg, nil
}
