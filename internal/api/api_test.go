package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sanshao85/waveproxy/internal/channelmodel"
	"github.com/sanshao85/waveproxy/internal/circuit"
	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/history"
	"github.com/sanshao85/waveproxy/internal/metrics"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/session"
	"github.com/stretchr/testify/require"
)

// newTestServer builds a full *Server over an in-memory config store seeded
// with channels, for httptest-driven handler tests.
func newTestServer(t *testing.T, channels, responseChannels, geminiChannels []config.Channel) *Server {
	t.Helper()

	store, err := config.Open("")
	require.NoError(t, err)

	doc := store.Get()
	doc.Channels = channels
	doc.ResponseChannels = responseChannels
	doc.GeminiChannels = geminiChannels
	require.NoError(t, store.Update(doc))

	chMgr := channelmodel.NewManager(store)
	sched := scheduler.New(chMgr, circuit.Default())
	metricsMgr := metrics.NewManager(10, 0.5)
	historyMgr := history.NewManager(100)
	sessions := session.NewManager(time.Hour, 20, 8000)

	return NewServer(store, chMgr, sched, metricsMgr, historyMgr, sessions)
}

func claudeChannel(id, baseURL string) config.Channel {
	return config.Channel{
		ID:          id,
		Name:        id,
		Dialect:     config.DialectMessages,
		ServiceType: config.ServiceClaude,
		BaseURL:     baseURL,
		Priority:    0,
		Status:      config.StatusActive,
		APIKeys:     []config.APIKey{{Key: "sk-test-key", Enabled: true}},
	}
}

func openAIResponsesChannel(id, baseURL string) config.Channel {
	return config.Channel{
		ID:          id,
		Name:        id,
		Dialect:     config.DialectResponses,
		ServiceType: config.ServiceOpenAI,
		BaseURL:     baseURL,
		Priority:    0,
		Status:      config.StatusActive,
		APIKeys:     []config.APIKey{{Key: "sk-test-key", Enabled: true}},
	}
}

func claudeBridgeChannel(id, baseURL string) config.Channel {
	return config.Channel{
		ID:          id,
		Name:        id,
		Dialect:     config.DialectResponses,
		ServiceType: config.ServiceClaude,
		BaseURL:     baseURL,
		Priority:    0,
		Status:      config.StatusActive,
		APIKeys:     []config.APIKey{{Key: "sk-test-key", Enabled: true}},
	}
}

func geminiChannel(id, baseURL string) config.Channel {
	return config.Channel{
		ID:          id,
		Name:        id,
		Dialect:     config.DialectGemini,
		ServiceType: config.ServiceGemini,
		BaseURL:     baseURL,
		Priority:    0,
		Status:      config.StatusActive,
		APIKeys:     []config.APIKey{{Key: "gk-test-key", Enabled: true}},
	}
}

func recordRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}
