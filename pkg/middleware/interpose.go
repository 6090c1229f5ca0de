// Package middleware holds the HTTP plumbing shared by the server: an
// ordered middleware chain, access logging, panic recovery and client IP
// extraction.
package middleware

import (
	"net/http"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Priority defines middleware execution order
type Priority int

const (
	// High priority - runs first (recovery, blocklist)
	PriorityHigh Priority = 100

	// Medium priority - runs in middle (rate limiting, validation)
	PriorityMedium Priority = 50

	// Low priority - runs last (logging, metrics)
	PriorityLow Priority = 10
)

// Middleware is a named handler wrapper with a priority.
type Middleware struct {
	Name     string
	Priority Priority
	Handler  func(http.Handler) http.Handler
	// SkipPaths bypass this middleware entirely.
	SkipPaths []string
}

// Chain orders middlewares by priority. Entries with equal priority keep
// their insertion order.
type Chain struct {
	middlewares []Middleware
	logger      *log.Logger
}

// NewChain creates an empty chain.
func NewChain(logger *log.Logger) *Chain {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Chain{logger: logger}
}

// Add adds middleware to the chain
func (c *Chain) Add(m Middleware) {
	c.middlewares = append(c.middlewares, m)
	sort.SliceStable(c.middlewares, func(i, j int) bool {
		return c.middlewares[i].Priority > c.middlewares[j].Priority
	})

	c.logger.WithFields(log.Fields{
		"middleware": m.Name,
		"priority":   m.Priority,
		"total":      len(c.middlewares),
	}).Debug("Middleware added to chain")
}

// Middlewares returns the registered middlewares in execution order.
func (c *Chain) Middlewares() []Middleware {
	return c.middlewares
}

// Build returns a wrapper that runs every middleware in priority order
// before next.
func (c *Chain) Build() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next
		for i := len(c.middlewares) - 1; i >= 0; i-- {
			m := c.middlewares[i]
			handler = Skip(m.SkipPaths, m.Handler)(handler)
		}
		return handler
	}
}

// Skip applies mw to every request except those matching one of paths.
func Skip(paths []string, mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if len(paths) == 0 {
		return mw
	}

	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if MatchPath(paths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// MatchPath reports whether path is one of paths or lies below one of them,
// so "/health" matches "/health/storage" but not "/healthz".
func MatchPath(paths []string, path string) bool {
	for _, p := range paths {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
