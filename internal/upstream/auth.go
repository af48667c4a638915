package upstream

import (
	"net/http"

	"github.com/sanshao85/waveproxy/internal/config"
)

// ApplyAuth sets the upstream auth header(s) for key under authType. For
// x-goog-api-key-family auth types ("x-goog-api-key", "both" on the Gemini
// dialect) use ApplyGeminiAuth instead.
func ApplyAuth(req *http.Request, authType config.AuthType, key string) {
	switch authType {
	case config.AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+key)
	case config.AuthTypeBoth:
		req.Header.Set("X-Api-Key", key)
		req.Header.Set("Authorization", "Bearer "+key)
	default: // config.AuthTypeAPIKey
		req.Header.Set("X-Api-Key", key)
	}
}

// ApplyGeminiAuth sets Gemini-dialect auth headers for key under authType,
// defaulting to x-goog-api-key.
func ApplyGeminiAuth(req *http.Request, authType config.AuthType, key string) {
	switch authType {
	case config.AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+key)
	case config.AuthTypeBoth:
		req.Header.Set("X-Goog-Api-Key", key)
		req.Header.Set("Authorization", "Bearer "+key)
	default: // config.AuthTypeGoogAPIKey
		req.Header.Set("X-Goog-Api-Key", key)
	}
}

// PassthroughCredential reads the client's own credential for forwarding
// when the channel has no configured keys (Messages/Responses dialects):
// x-api-key first, then Authorization: Bearer.
func PassthroughCredential(h http.Header) (headerName, value string, ok bool) {
	if v := h.Get("X-Api-Key"); v != "" {
		return "X-Api-Key", v, true
	}
	if v := h.Get("Authorization"); v != "" {
		return "Authorization", v, true
	}
	return "", "", false
}

// GeminiPassthroughCredential reads the client's credential in Gemini's
// precedence order: X-Goog-Api-Key, then X-Api-Key, then Authorization: Bearer.
func GeminiPassthroughCredential(h http.Header) (headerName, value string, ok bool) {
	if v := h.Get("X-Goog-Api-Key"); v != "" {
		return "X-Goog-Api-Key", v, true
	}
	if v := h.Get("X-Api-Key"); v != "" {
		return "X-Api-Key", v, true
	}
	if v := h.Get("Authorization"); v != "" {
		return "Authorization", v, true
	}
	return "", "", false
}
