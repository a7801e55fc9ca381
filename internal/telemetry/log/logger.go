// SPDX-License-Identifier: MIT

// Package log provides the structured logging conventions shared by
// every coordination package: a globally configured zerolog base
// logger, component-scoped children, and a level-gate bypass for
// correctness-anomaly events that must never be silenced by an
// operator's chosen log level.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the global logger. All fields are optional.
type Config struct {
	Level   string
	Output  io.Writer
	Service string
	Version string
}

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	initialized bool
)

// Configure initializes the global zerolog logger. Safe to call more
// than once; the most recent call wins.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}

	service := cfg.Service
	if service == "" {
		service = "reaper-coord"
	}

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Str("version", cfg.Version).
		Logger()
	initialized = true
}

func ensureInitialized() {
	mu.RLock()
	if initialized {
		mu.RUnlock()
		return
	}
	mu.RUnlock()
	Configure(Config{})
}

// Base returns the configured base logger by value.
func Base() zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with a component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// Loud emits a governance-critical event that bypasses the global
// level gate, the way a missed lease renewal must always surface
// regardless of an operator's chosen verbosity: a failed renewal
// signals a correctness anomaly, not routine contention.
func Loud(logger zerolog.Logger, event, msg string, fields map[string]any) {
	ev := logger.Log().Str("event", event)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
