// Package orchestrator implements the bounded retry/failover loop shared by
// the Messages, Responses, and Gemini dialect handlers: select a channel,
// run one upstream attempt, record metrics/history, and on failure exclude
// the channel and try again — up to a fixed attempt budget (spec §4.4, §7,
// §9 DESIGN NOTES).
package orchestrator

import (
	"io"
	"net/http"
	"time"

	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/history"
	"github.com/sanshao85/waveproxy/internal/metrics"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/upstream"
)

// MaxAttempts bounds how many distinct channels a single client request may
// be retried against before giving up, spec §4.4.
const MaxAttempts = 3

// AttemptResult is what a single upstream call produces, whether it
// succeeded or failed. Exactly one of Body or Stream is populated on
// success; both may be nil on certain early failures (e.g. no channel).
type AttemptResult struct {
	OK           bool
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Stream       io.ReadCloser
	APIKeyUsed   string
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CacheCreate  int64
	ErrorMsg     string
	ErrorDetails string
}

// AttemptFunc performs one upstream call against ch using affinityKey (which
// may be empty) and returns its outcome. It must never be nil; callers
// implement dialect-specific request shaping and response parsing here.
type AttemptFunc func(ch config.Channel, affinityKey string) *AttemptResult

// Deps bundles the shared services every dialect handler's loop needs.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Manager
	History   *history.Manager
}

// Run drives the select → attempt → record → failover loop for one client
// request and returns the result that should be written to the client: the
// first success, or the last observed failure, or a synthetic 503 if no
// channel was ever available.
func Run(deps Deps, dialect config.Dialect, userID, endpoint, model string, attempt AttemptFunc) *AttemptResult {
	exclude := make(map[string]bool)
	var lastFailure *AttemptResult

	for i := 0; i < MaxAttempts; i++ {
		ch, probeReserved, err := deps.Scheduler.Select(dialect, userID, exclude)
		if err != nil {
			if lastFailure != nil {
				return lastFailure
			}
			continue
		}

		affinityKey, _ := deps.Scheduler.GetKeyAffinity(userID, ch.ID)

		start := time.Now()
		result := attempt(ch, affinityKey)
		if result == nil {
			result = syntheticFailure(http.StatusBadGateway, "upstream request failed")
		}
		latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

		if deps.Metrics != nil {
			deps.Metrics.RecordRequest(ch.ID, result.OK, latencyMs, result.InputTokens, result.OutputTokens, result.CacheRead, result.CacheCreate)
		}
		if deps.History != nil {
			deps.History.RecordRequest(ch.ID, endpoint, model, result.OK, latencyMs, result.InputTokens, result.OutputTokens, result.ErrorMsg, result.ErrorDetails)
		}

		if result.OK {
			deps.Scheduler.RecordSuccess(ch.ID)
			if probeReserved {
				deps.Scheduler.EndProbe(ch.ID)
			}
			if userID != "" && result.APIKeyUsed != "" {
				ttl := scheduler.KeyAffinityTTLForDialect(dialect, ch.ServiceType)
				deps.Scheduler.SetKeyAffinity(userID, ch.ID, result.APIKeyUsed, ttl)
			}
			return result
		}

		deps.Scheduler.RecordFailure(ch.ID, upstream.IsRetryableStatus(result.StatusCode))
		if probeReserved {
			deps.Scheduler.EndProbe(ch.ID)
		}
		exclude[ch.ID] = true
		lastFailure = result
	}

	if lastFailure != nil {
		return lastFailure
	}
	return syntheticFailure(http.StatusServiceUnavailable, "no available channels for "+endpoint+" endpoint")
}

func syntheticFailure(statusCode int, message string) *AttemptResult {
	body := upstream.NormalizeErrorBody([]byte(message))
	return &AttemptResult{
		OK:           false,
		StatusCode:   statusCode,
		Headers:      http.Header{"Content-Type": []string{"application/json"}},
		Body:         body,
		ErrorMsg:     message,
		ErrorDetails: message,
	}
}

// WriteBuffered writes a buffered (non-streaming) AttemptResult to w.
func WriteBuffered(w http.ResponseWriter, result *AttemptResult) {
	upstream.CopyResponseHeaders(w.Header(), result.Headers)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

// WriteStream relays a streaming AttemptResult to w in 4KiB flushed chunks
// (spec §4.4.2), defaulting Content-Type to text/event-stream.
func WriteStream(w http.ResponseWriter, result *AttemptResult) {
	upstream.CopyResponseHeaders(w.Header(), result.Headers)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(result.StatusCode)

	if result.Stream == nil {
		return
	}
	defer result.Stream.Close()

	flusher, ok := w.(http.Flusher)
	var flush func()
	if ok {
		flush = flusher.Flush
		flush()
	}
	_, _ = upstream.CopyChunked(w, result.Stream, flush)
}
