// Package proxy assembles every manager into the control-plane surface
// spec.md §6 describes as "invoked locally (in-process RPC or equivalent)":
// direct Go method calls, not an HTTP management API. It is the one place
// that owns the lifecycle of the HTTP listen surface (internal/api) plus
// the channel/metrics/history/scheduler operations a host UI or CLI drives.
//
// Grounded on other_examples/.../proxy.go's ProxyServer: the same
// constructor/Start/Stop/Status shape, generalized from a raw
// net/http.ServeMux to the gin-based internal/api.Server and from one
// hard-coded channel list to the three-dialect config.Document.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sanshao85/waveproxy/internal/api"
	"github.com/sanshao85/waveproxy/internal/channelmodel"
	"github.com/sanshao85/waveproxy/internal/circuit"
	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/history"
	"github.com/sanshao85/waveproxy/internal/metrics"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/session"
	"github.com/sanshao85/waveproxy/internal/upstream"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// Proxy wraps every manager the HTTP surface and the control plane share.
type Proxy struct {
	mu sync.RWMutex

	store     *config.Store
	channels  *channelmodel.Manager
	scheduler *scheduler.Scheduler
	metrics   *metrics.Manager
	history   *history.Manager
	sessions  *session.Manager
	server    *api.Server
	client    *http.Client

	running   bool
	startedAt time.Time
}

// New builds a Proxy over an opened config store. Extra opts (e.g.
// api.WithKeepAliveEndpoint) are forwarded to the HTTP server unchanged.
func New(store *config.Store, opts ...api.ServerOption) *Proxy {
	doc := store.Get()

	chMgr := channelmodel.NewManager(store)
	sched := scheduler.New(chMgr, circuit.Default())
	metricsMgr := metrics.NewManager(doc.MetricsWindowSize, doc.MetricsFailureThreshold)
	historyMgr := history.NewManager(1000)
	sessionMgr := session.NewManager(doc.SessionMaxAge, doc.SessionMaxMessages, doc.SessionMaxTokens)

	p := &Proxy{
		store:     store,
		channels:  chMgr,
		scheduler: sched,
		metrics:   metricsMgr,
		history:   historyMgr,
		sessions:  sessionMgr,
		client:    upstream.NewClient(),
	}
	p.server = api.NewServer(store, chMgr, sched, metricsMgr, historyMgr, sessionMgr, opts...)
	return p
}

// Start begins serving on the configured port. Starting an already-running
// Proxy is a no-op error, matching the teacher's ProxyServer.Start.
func (p *Proxy) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("proxy: already running")
	}
	port := p.store.Get().Port
	p.mu.Unlock()

	ln, err := p.server.Listen(port)
	if err != nil {
		return fmt.Errorf("proxy: failed to listen on port %d: %w", port, err)
	}

	p.mu.Lock()
	p.running = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	go func() {
		if err := p.server.ServeListener(ln); err != nil {
			log.WithError(err).Warn("proxy: http server stopped with error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP listener.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("proxy: not running")
	}
	p.running = false
	p.mu.Unlock()

	return p.server.Stop(ctx)
}

// Status is the proxyStatus control-plane operation's payload.
type Status struct {
	Running      bool      `json:"running"`
	Port         int       `json:"port"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	Uptime       string    `json:"uptime,omitempty"`
	Version      string    `json:"version"`
	ChannelCount int       `json:"channelCount"`
}

// Status implements proxyStatus.
func (p *Proxy) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	doc := p.store.Get()
	status := Status{
		Running:      p.running,
		Port:         doc.Port,
		Version:      Version,
		ChannelCount: len(doc.Channels) + len(doc.ResponseChannels) + len(doc.GeminiChannels),
	}
	if p.running {
		status.StartedAt = p.startedAt
		status.Uptime = time.Since(p.startedAt).Round(time.Second).String()
	}
	return status
}

// SetPort implements proxySetPort: persists the new port. Takes effect on
// the next Start (the listener already bound is not rebound in place).
func (p *Proxy) SetPort(port int) error {
	return p.store.Mutate(func(doc *config.Document) error {
		doc.Port = port
		return nil
	})
}

// ChannelList implements channelList(dialect).
func (p *Proxy) ChannelList(dialect config.Dialect) []config.Channel {
	return p.channels.List(dialect)
}

// ChannelCreate implements channelCreate(dialect, ch).
func (p *Proxy) ChannelCreate(dialect config.Dialect, ch config.Channel) (config.Channel, error) {
	return p.channels.Add(dialect, ch)
}

// ChannelUpdate implements channelUpdate(dialect, index, ch).
func (p *Proxy) ChannelUpdate(dialect config.Dialect, index int, ch config.Channel) error {
	return p.channels.Update(dialect, index, ch)
}

// ChannelDelete implements channelDelete(dialect, index).
func (p *Proxy) ChannelDelete(dialect config.Dialect, index int) error {
	return p.channels.Delete(dialect, index)
}

// PingResult is channelPing's payload.
type PingResult struct {
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// ChannelPing implements channelPing(dialect, index): a minimal GET against
// the channel's base URL within a 10s budget (spec §6).
func (p *Proxy) ChannelPing(dialect config.Dialect, index int) PingResult {
	ch, ok := p.channels.Get(dialect, index)
	if !ok {
		return PingResult{Success: false, Error: "channel not found"}
	}
	baseURLs := ch.GetAllBaseURLs()
	if len(baseURLs) == 0 {
		return PingResult{Success: false, Error: "no base URL configured"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), upstream.PingTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURLs[0], nil)
	if err != nil {
		return PingResult{Success: false, Error: err.Error()}
	}
	resp, err := p.client.Do(req)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return PingResult{Success: false, LatencyMs: latencyMs, Error: upstream.RedactSecrets(err.Error())}
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		return PingResult{Success: false, LatencyMs: latencyMs, Error: fmt.Sprintf("upstream returned %d", resp.StatusCode)}
	}
	return PingResult{Success: true, LatencyMs: latencyMs}
}

// ChannelMetrics implements channelMetrics(channelId?): a snapshot for one
// channel, or every observed channel when channelID is blank.
func (p *Proxy) ChannelMetrics(channelID string) []metrics.ChannelMetrics {
	if channelID == "" {
		return p.metrics.All()
	}
	if m, ok := p.metrics.Channel(channelID); ok {
		return []metrics.ChannelMetrics{m}
	}
	return nil
}

// GlobalStats implements globalStats.
func (p *Proxy) GlobalStats() metrics.GlobalStats {
	return p.metrics.Global()
}

// SchedulerStats implements schedulerStats: every breaker's current state.
func (p *Proxy) SchedulerStats() []circuit.Snapshot {
	return p.scheduler.Breakers().Snapshots()
}

// SchedulerReset implements schedulerReset(channelId): clears both the
// breaker and the metrics view for channelID.
func (p *Proxy) SchedulerReset(channelID string) {
	p.scheduler.Reset(channelID)
	p.metrics.Reset(channelID)
}

// RequestHistory implements requestHistory(limit, offset, channelId?, status?).
func (p *Proxy) RequestHistory(limit, offset int, channelID string, status *bool) ([]history.Record, int) {
	return p.history.Query(limit, offset, channelID, status)
}

// HistoryClear implements historyClear.
func (p *Proxy) HistoryClear() {
	p.history.Clear()
}

// Handler exposes the underlying gin engine, for tests that want to drive
// the HTTP surface directly without a real listener.
func (p *Proxy) Handler() http.Handler { return p.server.Handler() }
