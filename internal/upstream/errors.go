package upstream

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// canonicalEnvelopeTemplate is the shape every client-facing error body is
// normalised to, spec §4.5/§7.
const canonicalEnvelopeTemplate = `{"error":{"type":"error","message":""}}`

// NormalizeErrorBody rewrites body into the canonical
// {"error":{"type":"error","message":"…"}} envelope unless it is already in
// that shape, in which case it is returned unchanged. Non-JSON bodies are
// wrapped using their raw (redacted) text as the message.
func NormalizeErrorBody(body []byte) []byte {
	if len(body) == 0 {
		out, _ := sjson.SetBytes([]byte(canonicalEnvelopeTemplate), "error.message", "empty upstream response")
		return out
	}

	parsed := gjson.ParseBytes(body)
	if errObj := parsed.Get("error"); errObj.Exists() && errObj.IsObject() {
		if errObj.Get("type").Exists() && errObj.Get("message").Exists() {
			return body // already canonical
		}
		message := errObj.Get("message").String()
		if message == "" {
			message = errObj.String()
		}
		out, _ := sjson.SetBytes([]byte(canonicalEnvelopeTemplate), "error.message", RedactSecrets(message))
		return out
	}

	message := ExtractErrorMessage(body)
	out, _ := sjson.SetBytes([]byte(canonicalEnvelopeTemplate), "error.message", RedactSecrets(message))
	return out
}

// ExtractErrorMessage pulls a human-readable message out of whatever shape
// body happens to be: {"error":"...","message":"..."}, a canonical
// envelope, a bare JSON string, or plain text.
func ExtractErrorMessage(body []byte) string {
	parsed := gjson.ParseBytes(body)

	if msg := parsed.Get("error.message"); msg.Exists() {
		return msg.String()
	}
	if msg := parsed.Get("message"); msg.Exists() {
		return msg.String()
	}
	if errVal := parsed.Get("error"); errVal.Exists() && errVal.Type == gjson.String {
		return errVal.String()
	}
	if parsed.Type == gjson.String {
		return parsed.String()
	}
	return string(body)
}

// ExtractClaudeUsage pulls the four usage counters spec §4.4.1 names out of
// a buffered Claude Messages response body.
func ExtractClaudeUsage(body []byte) (inputTokens, outputTokens, cacheRead, cacheCreate int64) {
	usage := gjson.GetBytes(body, "usage")
	return usage.Get("input_tokens").Int(),
		usage.Get("output_tokens").Int(),
		usage.Get("cache_read_input_tokens").Int(),
		usage.Get("cache_creation_input_tokens").Int()
}

// ExtractGeminiUsage pulls Gemini's usageMetadata counters (spec §4.4.4).
func ExtractGeminiUsage(body []byte) (promptTokens, candidatesTokens, cachedTokens int64) {
	usage := gjson.GetBytes(body, "usageMetadata")
	return usage.Get("promptTokenCount").Int(),
		usage.Get("candidatesTokenCount").Int(),
		usage.Get("cachedContentTokenCount").Int()
}

// RewriteModel sets the "model" field in body to model via an in-place
// sjson path-set, avoiding a full unmarshal/marshal round trip.
func RewriteModel(body []byte, model string) []byte {
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return body
	}
	return out
}
