package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/orchestrator"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/upstream"
)

type responsesRequestView struct {
	Model              string          `json:"model"`
	MaxOutputTokens    int             `json:"max_output_tokens"`
	Input              json.RawMessage `json:"input"`
	Instructions       string          `json:"instructions,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	PromptCacheKey     string          `json:"prompt_cache_key,omitempty"`
	Stream             bool            `json:"stream"`
	Temperature        *float64        `json:"temperature,omitempty"`
}

func responsesUserID(req responsesRequestView, fallbackHeader string) string {
	if req.PromptCacheKey != "" {
		return "codex_" + req.PromptCacheKey
	}
	if req.PreviousResponseID != "" {
		return req.PreviousResponseID
	}
	return fallbackHeader
}

func (s *Server) responsesHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeClientError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer c.Request.Body.Close()

	var req responsesRequestView
	if err := json.Unmarshal(body, &req); err != nil {
		writeClientError(c, http.StatusBadRequest, "invalid JSON request")
		return
	}

	userID := responsesUserID(req, c.GetHeader("x-user-id"))
	compact := c.Query("compact") == "1"

	result := orchestrator.Run(s.deps(), config.DialectResponses, userID, "responses", req.Model, func(ch config.Channel, affinityKey string) *orchestrator.AttemptResult {
		if ch.ServiceType == config.ServiceClaude {
			return s.attemptResponsesBridge(c.Request.Context(), c.Request.Header, ch, req, affinityKey, compact)
		}
		return s.attemptResponsesPassthrough(c.Request.Context(), c.Request.Header, ch, body, req.Stream, affinityKey)
	})

	if req.Stream && result.Stream != nil {
		orchestrator.WriteStream(c.Writer, result)
		return
	}
	orchestrator.WriteBuffered(c.Writer, result)
}

// attemptResponsesPassthrough forwards the body as-is to an openai
// service-type channel's {baseUrl}{/v1 optional}/responses (spec §4.4.2).
func (s *Server) attemptResponsesPassthrough(ctx context.Context, clientHeaders http.Header, ch config.Channel, body []byte, stream bool, affinityKey string) *orchestrator.AttemptResult {
	baseURLs := ch.GetAllBaseURLs()
	if len(baseURLs) == 0 {
		return failureResult(http.StatusBadGateway, "no base URL configured for channel")
	}

	hasConfiguredKeys := ch.HasConfiguredKeys()
	enabledKeys := ch.EnabledAPIKeys()

	var passthroughHeader, passthroughValue string
	if !hasConfiguredKeys {
		var ok bool
		passthroughHeader, passthroughValue, ok = upstream.PassthroughCredential(clientHeaders)
		if !ok {
			return failureResult(http.StatusUnauthorized, "no authentication provided")
		}
	} else if len(enabledKeys) == 0 {
		return failureResult(http.StatusUnauthorized, "no enabled API keys configured for channel")
	}

	upstreamURL := upstream.BuildOpenAICompatibleURL(baseURLs[0], "/responses")
	authType := ch.EffectiveAuthType()

	keyAttempts := []string{""}
	if hasConfiguredKeys {
		keyAttempts = scheduler.OrderKeysWithAffinity(s.channels.OrderKeysByHealth(enabledKeys), affinityKey)
	}

	for keyIndex, key := range keyAttempts {
		attemptCtx, cancel := context.WithTimeout(ctx, upstream.GenerationTimeout)

		upstreamReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, upstreamURL, bytes.NewReader(body))
		if err != nil {
			cancel()
			return failureResult(http.StatusInternalServerError, "failed to create upstream request")
		}

		upstream.CopyRequestHeaders(upstreamReq.Header, clientHeaders, hasConfiguredKeys)
		upstreamReq.Header.Set("Content-Type", "application/json")
		if stream && upstreamReq.Header.Get("Accept") == "" {
			upstreamReq.Header.Set("Accept", "text/event-stream")
		}

		apiKeyUsed := key
		if hasConfiguredKeys {
			upstream.ApplyAuth(upstreamReq, authType, key)
		} else {
			upstreamReq.Header.Set(passthroughHeader, passthroughValue)
			apiKeyUsed = ""
		}

		resp, err := s.client.Do(upstreamReq)
		if err != nil {
			cancel()
			log.WithError(err).Warnf("responses: upstream request failed channel=%s", ch.ID)
			return failureResult(http.StatusBadGateway, "upstream request failed")
		}

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			cancel()

			errMsg := upstream.ExtractErrorMessage(respBody)
			if hasConfiguredKeys && keyIndex < len(keyAttempts)-1 && upstream.IsRetryableWithAnotherKey(resp.StatusCode) {
				s.channels.MarkKeyFailed(key)
				continue
			}
			return &orchestrator.AttemptResult{
				OK:           false,
				StatusCode:   resp.StatusCode,
				Headers:      http.Header{"Content-Type": []string{"application/json"}},
				Body:         upstream.NormalizeErrorBody(respBody),
				ErrorMsg:     httpErrorSummary(resp.StatusCode, errMsg),
				ErrorDetails: upstream.RedactSecrets(bodySnippet(respBody, 8192)),
			}
		}

		if stream {
			streamBody, err := upstream.NewFirstByteGuardedStream(resp.Body, cancel)
			if err != nil {
				return failureResult(http.StatusBadGateway, "upstream stream ended before first byte")
			}
			return &orchestrator.AttemptResult{
				OK:         true,
				StatusCode: resp.StatusCode,
				Headers:    resp.Header.Clone(),
				Stream:     streamBody,
				APIKeyUsed: apiKeyUsed,
			}
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if err != nil {
			return failureResult(http.StatusBadGateway, "failed to read upstream response")
		}

		return &orchestrator.AttemptResult{
			OK:         true,
			StatusCode: resp.StatusCode,
			Headers:    resp.Header.Clone(),
			Body:       respBody,
			APIKeyUsed: apiKeyUsed,
		}
	}

	return failureResult(http.StatusBadGateway, "upstream request failed")
}

// bridgeMessage mirrors the Claude Messages wire shape this handler builds
// from a Responses-API input array (spec §4.4.2 step 2).
type bridgeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// attemptResponsesBridge turns a stateless Responses-API call into a
// stateful Claude Messages conversation (spec §4.4.2 bridge mode). Bridge
// mode never streams: the Claude call is always buffered.
func (s *Server) attemptResponsesBridge(ctx context.Context, clientHeaders http.Header, ch config.Channel, req responsesRequestView, affinityKey string, compact bool) *orchestrator.AttemptResult {
	baseURLs := ch.GetAllBaseURLs()
	if len(baseURLs) == 0 {
		return failureResult(http.StatusBadGateway, "no base URL configured for channel")
	}

	sess := s.sessions.GetOrCreate(req.PreviousResponseID)
	if compact {
		sess.Compact(s.sessions.MaxMessages())
	}

	for _, turn := range bridgeInputTurns(req.Input) {
		sess.AppendUserTurn(turn)
	}

	messages := make([]bridgeMessage, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		messages = append(messages, bridgeMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	payload := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if req.Instructions != "" {
		payload["system"] = req.Instructions
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return failureResult(http.StatusInternalServerError, "failed to build bridged request")
	}

	hasConfiguredKeys := ch.HasConfiguredKeys()
	enabledKeys := ch.EnabledAPIKeys()

	var passthroughHeader, passthroughValue string
	if !hasConfiguredKeys {
		var ok bool
		passthroughHeader, passthroughValue, ok = upstream.PassthroughCredential(clientHeaders)
		if !ok {
			return failureResult(http.StatusUnauthorized, "no authentication provided")
		}
	} else if len(enabledKeys) == 0 {
		return failureResult(http.StatusUnauthorized, "no enabled API keys configured for channel")
	}

	upstreamURL := baseURLs[0] + "/v1/messages"
	authType := ch.EffectiveAuthType()

	keyAttempts := []string{""}
	if hasConfiguredKeys {
		keyAttempts = scheduler.OrderKeysWithAffinity(s.channels.OrderKeysByHealth(enabledKeys), affinityKey)
	}

	for keyIndex, key := range keyAttempts {
		attemptCtx, cancel := context.WithTimeout(ctx, upstream.GenerationTimeout)

		upstreamReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, upstreamURL, bytes.NewReader(requestBody))
		if err != nil {
			cancel()
			return failureResult(http.StatusInternalServerError, "failed to create upstream request")
		}

		upstream.CopyRequestHeaders(upstreamReq.Header, clientHeaders, hasConfiguredKeys)
		upstreamReq.Header.Set("Content-Type", "application/json")
		if upstreamReq.Header.Get("anthropic-version") == "" {
			upstreamReq.Header.Set("anthropic-version", "2023-06-01")
		}

		apiKeyUsed := key
		if hasConfiguredKeys {
			upstream.ApplyAuth(upstreamReq, authType, key)
		} else {
			upstreamReq.Header.Set(passthroughHeader, passthroughValue)
			apiKeyUsed = ""
		}

		resp, err := s.client.Do(upstreamReq)
		if err != nil {
			cancel()
			log.WithError(err).Warnf("responses: bridged upstream request failed channel=%s", ch.ID)
			return failureResult(http.StatusBadGateway, "upstream request failed")
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if err != nil {
			return failureResult(http.StatusBadGateway, "failed to parse upstream response")
		}

		if resp.StatusCode >= 400 {
			errMsg := upstream.ExtractErrorMessage(respBody)
			if hasConfiguredKeys && keyIndex < len(keyAttempts)-1 && upstream.IsRetryableWithAnotherKey(resp.StatusCode) {
				s.channels.MarkKeyFailed(key)
				continue
			}
			return &orchestrator.AttemptResult{
				OK:           false,
				StatusCode:   resp.StatusCode,
				Headers:      http.Header{"Content-Type": []string{"application/json"}},
				Body:         upstream.NormalizeErrorBody(respBody),
				ErrorMsg:     httpErrorSummary(resp.StatusCode, errMsg),
				ErrorDetails: upstream.RedactSecrets(bodySnippet(respBody, 8192)),
			}
		}

		text := firstClaudeTextChunk(respBody)
		sess.AppendAssistantTurn(text)
		responseID := s.sessions.Save(sess)

		inputTokens, outputTokens, _, _ := upstream.ExtractClaudeUsage(respBody)
		envelope := map[string]interface{}{
			"id":     responseID,
			"object": "response",
			"output": []map[string]interface{}{
				{
					"type": "message",
					"role": "assistant",
					"content": []map[string]interface{}{
						{"type": "output_text", "text": text},
					},
				},
			},
			"usage": map[string]int64{
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
			},
		}
		out, err := json.Marshal(envelope)
		if err != nil {
			return failureResult(http.StatusInternalServerError, "failed to serialize response")
		}

		return &orchestrator.AttemptResult{
			OK:           true,
			StatusCode:   http.StatusOK,
			Headers:      http.Header{"Content-Type": []string{"application/json"}},
			Body:         out,
			APIKeyUsed:   apiKeyUsed,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}
	}

	return failureResult(http.StatusBadGateway, "upstream request failed")
}

// bridgeInputTurns normalises the Responses-API input field: a bare JSON
// string becomes one user turn, an array is copied turn-by-turn pulling the
// text out of each element's "content" or "text" field.
func bridgeInputTurns(input json.RawMessage) []string {
	trimmed := gjson.ParseBytes(input)
	if trimmed.Type == gjson.String {
		return []string{trimmed.String()}
	}
	if trimmed.IsArray() {
		turns := make([]string, 0, len(trimmed.Array()))
		for _, item := range trimmed.Array() {
			if item.Type == gjson.String {
				turns = append(turns, item.String())
				continue
			}
			if text := item.Get("content"); text.Exists() {
				turns = append(turns, text.String())
				continue
			}
			if text := item.Get("text"); text.Exists() {
				turns = append(turns, text.String())
			}
		}
		return turns
	}
	return nil
}

func firstClaudeTextChunk(body []byte) string {
	content := gjson.GetBytes(body, "content")
	if !content.IsArray() {
		return ""
	}
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			return block.Get("text").String()
		}
	}
	return ""
}
