package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/orchestrator"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/upstream"
)

// geminiModelFromAction splits the :action route param ("gemini-2.0-flash:
// generateContent") into model and verb (spec §4.4.4).
func geminiModelFromAction(action string) (model, verb string) {
	idx := strings.IndexByte(action, ':')
	if idx < 0 {
		return action, ""
	}
	return action[:idx], action[idx+1:]
}

func geminiUserID(privilegedUserID, fallbackHeader string) string {
	if privilegedUserID != "" {
		return "gemini_" + privilegedUserID
	}
	return fallbackHeader
}

func (s *Server) geminiHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeClientError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer c.Request.Body.Close()

	model, _ := geminiModelFromAction(c.Param("action"))
	if model == "" {
		model = gjson.GetBytes(body, "model").String()
	}

	stream := strings.Contains(strings.ToLower(c.Request.URL.Path), "streamgeneratecontent")
	userID := geminiUserID(c.GetHeader("x-gemini-api-privileged-user-id"), c.GetHeader("x-user-id"))

	requestPath := c.Request.URL.Path
	rawQuery := c.Request.URL.RawQuery

	result := orchestrator.Run(s.deps(), config.DialectGemini, userID, "gemini", model, func(ch config.Channel, affinityKey string) *orchestrator.AttemptResult {
		return s.attemptGemini(c.Request.Context(), c.Request.Header, ch, body, requestPath, rawQuery, stream, affinityKey)
	})

	if stream && result.Stream != nil {
		orchestrator.WriteStream(c.Writer, result)
		return
	}
	orchestrator.WriteBuffered(c.Writer, result)
}

func (s *Server) attemptGemini(ctx context.Context, clientHeaders http.Header, ch config.Channel, body []byte, requestPath, rawQuery string, stream bool, affinityKey string) *orchestrator.AttemptResult {
	baseURLs := ch.GetAllBaseURLs()
	if len(baseURLs) == 0 {
		return failureResult(http.StatusBadGateway, "no base URL configured for channel")
	}
	baseURL := strings.TrimRight(baseURLs[0], "/")

	hasConfiguredKeys := ch.HasConfiguredKeys()
	enabledKeys := ch.EnabledAPIKeys()

	var passthroughHeader, passthroughValue string
	if !hasConfiguredKeys {
		var ok bool
		passthroughHeader, passthroughValue, ok = upstream.GeminiPassthroughCredential(clientHeaders)
		if !ok {
			return failureResult(http.StatusUnauthorized, "no authentication provided")
		}
	} else if len(enabledKeys) == 0 {
		return failureResult(http.StatusUnauthorized, "no enabled API keys configured for channel")
	}

	path := requestPath
	if strings.HasSuffix(baseURL, "/v1beta") && strings.HasPrefix(path, "/v1beta/") {
		path = strings.TrimPrefix(path, "/v1beta")
	}

	query := rawQuery
	if hasConfiguredKeys {
		query = upstream.StripSensitiveQueryParams(query)
	}

	upstreamURL := baseURL + path
	if query != "" {
		upstreamURL += "?" + query
	}

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

		upstream.CopyRequestHeaders(upstreamReq.Header, clientHeaders, true)
		upstreamReq.Header.Set("Content-Type", "application/json")
		if stream && upstreamReq.Header.Get("Accept") == "" {
			upstreamReq.Header.Set("Accept", "text/event-stream")
		}

		apiKeyUsed := key
		if hasConfiguredKeys {
			upstream.ApplyGeminiAuth(upstreamReq, authType, key)
		} else {
			upstreamReq.Header.Set(passthroughHeader, passthroughValue)
			apiKeyUsed = ""
		}

		resp, err := s.client.Do(upstreamReq)
		if err != nil {
			cancel()
			log.WithError(err).Warnf("gemini: upstream request failed channel=%s", ch.ID)
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

		promptTokens, candidatesTokens, _ := upstream.ExtractGeminiUsage(respBody)
		return &orchestrator.AttemptResult{
			OK:           true,
			StatusCode:   resp.StatusCode,
			Headers:      resp.Header.Clone(),
			Body:         respBody,
			APIKeyUsed:   apiKeyUsed,
			InputTokens:  promptTokens,
			OutputTokens: candidatesTokens,
		}
	}

	return failureResult(http.StatusBadGateway, "upstream request failed")
}
