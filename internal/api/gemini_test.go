package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiHandlerNonStreamingUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "gk-test-key", r.Header.Get("X-Goog-Api-Key"))
		w.Write([]byte(`{"candidates":[],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":6,"cachedContentTokenCount":0}}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil, nil, []config.Channel{geminiChannel("ch1", upstream.URL)})

	rec := recordRequest(t, srv, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", `{}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "usageMetadata")
}

func TestGeminiHandlerStripsSensitiveQueryParamsWhenKeyed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("key"))
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil, nil, []config.Channel{geminiChannel("ch1", upstream.URL)})

	rec := recordRequest(t, srv, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent?key=clientsecret&alt=sse", `{}`)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGeminiHandlerTrimsDuplicateV1BetaPrefix(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	ch := geminiChannel("ch1", upstream.URL+"/v1beta")
	srv := newTestServer(t, nil, nil, []config.Channel{ch})

	rec := recordRequest(t, srv, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", `{}`)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGeminiModelFromAction(t *testing.T) {
	model, verb := geminiModelFromAction("gemini-2.0-flash:generateContent")
	assert.Equal(t, "gemini-2.0-flash", model)
	assert.Equal(t, "generateContent", verb)
}

func TestGeminiUserIDPrefersPrivilegedHeader(t *testing.T) {
	assert.Equal(t, "gemini_abc", geminiUserID("abc", "header"))
	assert.Equal(t, "header", geminiUserID("", "header"))
}
