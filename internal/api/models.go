package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sanshao85/waveproxy/internal/config"
	"github.com/sanshao85/waveproxy/internal/orchestrator"
	"github.com/sanshao85/waveproxy/internal/scheduler"
	"github.com/sanshao85/waveproxy/internal/upstream"
)

// selectOpenAIResponsesChannel picks a dialect=responses channel whose
// service-type is openai, skipping (without penalising) any responses
// channel bridged to claude (spec §4.4.3).
func (s *Server) selectOpenAIResponsesChannel(userID string) (config.Channel, string, error) {
	exclude := make(map[string]bool)
	for i := 0; i < orchestrator.MaxAttempts; i++ {
		ch, probeReserved, err := s.scheduler.Select(config.DialectResponses, userID, exclude)
		if err != nil {
			return config.Channel{}, "", err
		}
		// This selection never records success/failure on the scheduler (the
		// models endpoint carries no retry/failover loop), so release any
		// reserved half-open probe slot immediately rather than holding it.
		if probeReserved {
			s.scheduler.EndProbe(ch.ID)
		}
		if ch.ServiceType == config.ServiceOpenAI {
			affinityKey, _ := s.scheduler.GetKeyAffinity(userID, ch.ID)
			return ch, affinityKey, nil
		}
		exclude[ch.ID] = true
	}
	return config.Channel{}, "", scheduler.ErrNoAvailableChannel
}

func (s *Server) modelsListHandler(c *gin.Context) {
	s.proxyModelsRequest(c, "/models")
}

func (s *Server) modelsDetailHandler(c *gin.Context) {
	s.proxyModelsRequest(c, "/models/"+c.Param("id"))
}

func (s *Server) proxyModelsRequest(c *gin.Context, suffix string) {
	userID := c.GetHeader("x-user-id")

	ch, affinityKey, err := s.selectOpenAIResponsesChannel(userID)
	if err != nil {
		writeClientError(c, http.StatusServiceUnavailable, "no available channels for models endpoint")
		return
	}

	baseURLs := ch.GetAllBaseURLs()
	if len(baseURLs) == 0 {
		writeClientError(c, http.StatusBadGateway, "no base URL configured for channel")
		return
	}

	hasConfiguredKeys := ch.HasConfiguredKeys()
	enabledKeys := ch.EnabledAPIKeys()

	var passthroughHeader, passthroughValue string
	if !hasConfiguredKeys {
		var ok bool
		passthroughHeader, passthroughValue, ok = upstream.PassthroughCredential(c.Request.Header)
		if !ok {
			writeClientError(c, http.StatusUnauthorized, "no authentication provided")
			return
		}
	} else if len(enabledKeys) == 0 {
		writeClientError(c, http.StatusUnauthorized, "no enabled API keys configured for channel")
		return
	}

	upstreamURL := upstream.BuildOpenAICompatibleURL(baseURLs[0], suffix)
	authType := ch.EffectiveAuthType()

	keyAttempts := []string{""}
	if hasConfiguredKeys {
		keyAttempts = scheduler.OrderKeysWithAffinity(s.channels.OrderKeysByHealth(enabledKeys), affinityKey)
	}

	attemptCtx, cancel := context.WithTimeout(c.Request.Context(), upstream.ModelsTimeout)
	defer cancel()

	for _, key := range keyAttempts {
		upstreamReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, upstreamURL, nil)
		if err != nil {
			writeClientError(c, http.StatusInternalServerError, "failed to create upstream request")
			return
		}
		upstream.CopyRequestHeaders(upstreamReq.Header, c.Request.Header, hasConfiguredKeys)

		if hasConfiguredKeys {
			upstream.ApplyAuth(upstreamReq, authType, key)
		} else {
			upstreamReq.Header.Set(passthroughHeader, passthroughValue)
		}

		resp, err := s.client.Do(upstreamReq)
		if err != nil {
			writeClientError(c, http.StatusBadGateway, "upstream request failed")
			return
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			writeClientError(c, http.StatusBadGateway, "failed to read upstream response")
			return
		}

		if resp.StatusCode >= 400 {
			if hasConfiguredKeys && upstream.IsRetryableWithAnotherKey(resp.StatusCode) && key != keyAttempts[len(keyAttempts)-1] {
				s.channels.MarkKeyFailed(key)
				continue
			}
			c.Data(resp.StatusCode, "application/json", upstream.NormalizeErrorBody(respBody))
			return
		}

		upstream.CopyResponseHeaders(c.Writer.Header(), resp.Header)
		c.Data(resp.StatusCode, "application/json", respBody)
		return
	}

	writeClientError(c, http.StatusBadGateway, "upstream request failed")
}
