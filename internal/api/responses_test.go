package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponsesHandlerOpenAIPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"resp_1","object":"response","output":[]}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil, []config.Channel{openAIResponsesChannel("ch1", upstream.URL)}, nil)

	rec := recordRequest(t, srv, http.MethodPost, "/v1/responses", `{"model":"gpt-4o","input":"hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"resp_1"`)
}

func TestResponsesHandlerBridgeModeBuildsEnvelope(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Write([]byte(`{"content":[{"type":"text","text":"bridged reply"}],"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil, []config.Channel{claudeBridgeChannel("ch1", upstream.URL)}, nil)

	rec := recordRequest(t, srv, http.MethodPost, "/v1/responses", `{"model":"claude-3-opus","input":"hello there"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"object":"response"`)
	assert.Contains(t, body, "bridged reply")
	assert.Contains(t, body, "output_text")
}

func TestBridgeInputTurnsHandlesStringAndArray(t *testing.T) {
	assert.Equal(t, []string{"hi"}, bridgeInputTurns([]byte(`"hi"`)))
	assert.Equal(t, []string{"a", "b"}, bridgeInputTurns([]byte(`[{"content":"a"},{"text":"b"}]`)))
}

func TestResponsesUserIDPrecedence(t *testing.T) {
	req := responsesRequestView{PromptCacheKey: "pk1", PreviousResponseID: "prev1"}
	assert.Equal(t, "codex_pk1", responsesUserID(req, "header"))

	req2 := responsesRequestView{PreviousResponseID: "prev1"}
	assert.Equal(t, "prev1", responsesUserID(req2, "header"))

	req3 := responsesRequestView{}
	assert.Equal(t, "header", responsesUserID(req3, "header"))
}

func TestFirstClaudeTextChunkSkipsNonTextBlocks(t *testing.T) {
	body := []byte(`{"content":[{"type":"tool_use","text":"nope"},{"type":"text","text":"yes"}]}`)
	assert.Equal(t, "yes", firstClaudeTextChunk(body))
}
