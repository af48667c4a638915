// Package upstream holds everything shared by the three dialect handlers
// when they talk to an actual upstream: the pooled HTTP client, header
// hygiene, auth application, retry classification, secret redaction, and
// error-envelope normalisation (spec §4.4 shared rules, §4.5, §4.6, §5).
package upstream

import (
	"net/http"
	"time"
)

// Per-attempt deadlines, spec §5.
const (
	GenerationTimeout = 5 * time.Minute
	ModelsTimeout     = 30 * time.Second
	PingTimeout       = 10 * time.Second
)

// NewClient builds the single shared HTTP client every dialect handler
// reuses; no per-request client construction, per spec §5.
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
		// Deadlines are applied per-attempt via context, not here, so a
		// failover to the next channel always starts a fresh deadline.
	}
}
