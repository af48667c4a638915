package upstream

import (
	"regexp"
	"strings"
)

var versionSuffixPattern = regexp.MustCompile(`/v\d+$`)

// BuildOpenAICompatibleURL appends suffix to baseURL, preserving an existing
// /v<N> version segment or a trailing "#" escape hatch, and otherwise
// inserting /v1 (spec §4.4.2/§4.4.3).
func BuildOpenAICompatibleURL(baseURL, suffix string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, "#") {
		return strings.TrimSuffix(baseURL, "#") + suffix
	}
	if versionSuffixPattern.MatchString(baseURL) {
		return baseURL + suffix
	}
	return baseURL + "/v1" + suffix
}
