package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/orchestrator"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/upstream"
)

type messagesRequestView struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

var claudeSessionIDPattern = regexp.MustCompile(`^session_[0-9a-fA-F]+$`)

// claudeUserID extracts the user-id spec §4.4.1 describes: metadata.user_id
// matching session_<hex>, prefixed with claude_, else the x-user-id header.
func claudeUserID(metadata json.RawMessage, fallbackHeader string) string {
	if len(metadata) > 0 {
		var m struct {
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(metadata, &m) == nil && claudeSessionIDPattern.MatchString(m.UserID) {
			return "claude_" + m.UserID
		}
	}
	return strings.TrimSpace(fallbackHeader)
}

func (s *Server) messagesHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeClientError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer c.Request.Body.Close()

	var req messagesRequestView
	if err := json.Unmarshal(body, &req); err != nil {
		writeClientError(c, http.StatusBadRequest, "invalid JSON request")
		return
	}

	userID := claudeUserID(req.Metadata, c.GetHeader("x-user-id"))

	result := orchestrator.Run(s.deps(), config.DialectMessages, userID, "messages", req.Model, func(ch config.Channel, affinityKey string) *orchestrator.AttemptResult {
		return s.attemptMessages(c.Request.Context(), c.Request.Header, ch, body, req.Model, req.Stream, affinityKey)
	})

	if req.Stream && result.Stream != nil {
		orchestrator.WriteStream(c.Writer, result)
		return
	}
	orchestrator.WriteBuffered(c.Writer, result)
}

func (s *Server) countTokensHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeClientError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer c.Request.Body.Close()

	c.JSON(http.StatusOK, gin.H{"input_tokens": len(body) / 4})
}

func (s *Server) attemptMessages(ctx context.Context, clientHeaders http.Header, ch config.Channel, body []byte, model string, stream bool, affinityKey string) *orchestrator.AttemptResult {
	baseURLs := ch.GetAllBaseURLs()
	if len(baseURLs) == 0 {
		return failureResult(http.StatusBadGateway, "no base URL configured for channel")
	}
	baseURL := baseURLs[0]

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

	var upstreamURL string
	if ch.ServiceType == config.ServiceOpenAI {
		upstreamURL = baseURL + "/v1/chat/completions"
	} else {
		upstreamURL = baseURL + "/v1/messages"
	}

	upstreamModel := model
	if mapped, ok := ch.ModelMapping[model]; ok && mapped != "" {
		upstreamModel = mapped
	}
	requestBody := upstream.RewriteModel(body, upstreamModel)

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
			log.WithError(err).Warnf("messages: upstream request failed channel=%s", ch.ID)
			return failureResult(http.StatusBadGateway, "upstream request failed")
		}

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			cancel()

			errMsg := upstream.ExtractErrorMessage(respBody)
			if hasConfiguredKeys && keyIndex < len(keyAttempts)-1 && upstream.IsRetryableWithAnotherKey(resp.StatusCode) {
				log.Warnf("messages: channel=%s key %d/%d failed with %d, trying next key", ch.ID, keyIndex+1, len(keyAttempts), resp.StatusCode)
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

		inputTokens, outputTokens, cacheRead, cacheCreate := upstream.ExtractClaudeUsage(respBody)
		return &orchestrator.AttemptResult{
			OK:           true,
			StatusCode:   resp.StatusCode,
			Headers:      resp.Header.Clone(),
			Body:         respBody,
			APIKeyUsed:   apiKeyUsed,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CacheRead:    cacheRead,
			CacheCreate:  cacheCreate,
		}
	}

	return failureResult(http.StatusBadGateway, "upstream request failed")
}

func failureResult(statusCode int, message string) *orchestrator.AttemptResult {
	return &orchestrator.AttemptResult{
		OK:           false,
		StatusCode:   statusCode,
		Headers:      http.Header{"Content-Type": []string{"application/json"}},
		Body:         upstream.NormalizeErrorBody([]byte(message)),
		ErrorMsg:     message,
		ErrorDetails: message,
	}
}

func httpErrorSummary(statusCode int, message string) string {
	if message == "" {
		message = "upstream returned error"
	}
	return http.StatusText(statusCode) + ": " + message
}

func bodySnippet(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}

func writeClientError(c *gin.Context, statusCode int, message string) {
	c.Data(statusCode, "application/json", upstream.NormalizeErrorBody([]byte(message)))
	c.Abort()
}
