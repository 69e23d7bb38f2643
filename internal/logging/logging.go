// Package logging provides the structured logger used by background
// workers and report emission across the resource manager, wrapping
// zerolog the same way the documents-worker reference repo's pkg/logger
// wraps it for its memory pool (pkg/memory-pool.go).
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Str("component", "gpuresource").Logger()
)

// Get returns the package-level logger.
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetOutput replaces the underlying logger, e.g. to silence it in tests
// or redirect to a JSON sink in production.
func SetOutput(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}
