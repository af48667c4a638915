// Package config holds WaveProxy's persisted configuration: the listen port,
// the optional shared access key, and the three dialect-tagged channel lists.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dialect identifies which client-facing API shape a channel list serves.
type Dialect string

const (
	DialectMessages  Dialect = "messages"
	DialectResponses Dialect = "responses"
	DialectGemini    Dialect = "gemini"
)

// ServiceType identifies the upstream's actual wire shape, independent of dialect.
type ServiceType string

const (
	ServiceClaude ServiceType = "claude"
	ServiceOpenAI ServiceType = "openai"
	ServiceGemini ServiceType = "gemini"
)

// AuthType selects which header(s) carry the channel's API key.
type AuthType string

const (
	AuthTypeAPIKey     AuthType = "x-api-key"
	AuthTypeBearer     AuthType = "bearer"
	AuthTypeBoth       AuthType = "both"
	AuthTypeGoogAPIKey AuthType = "x-goog-api-key"
)

// ChannelStatus gates whether a channel is a scheduling candidate.
type ChannelStatus string

const (
	StatusActive    ChannelStatus = "active"
	StatusSuspended ChannelStatus = "suspended"
	StatusDisabled  ChannelStatus = "disabled"
)

// APIKey is one credential entry in a channel's key list.
type APIKey struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// UnmarshalJSON accepts both the current object shape ({"key":"...","enabled":true})
// and the legacy bare-string shape, so older control-plane peers keep working.
func (k *APIKey) UnmarshalJSON(data []byte) error {
	type alias APIKey
	var obj alias
	if err := json.Unmarshal(data, &obj); err == nil && (obj.Key != "" || obj.Enabled) {
		*k = APIKey(obj)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		k.Key = s
		k.Enabled = true
		return nil
	}
	// Object shape with a blank, disabled key is legitimate; retry it explicitly
	// instead of falling through to the string branch's error.
	var obj2 alias
	if err := json.Unmarshal(data, &obj2); err != nil {
		return fmt.Errorf("config: apiKeys entry is neither an object nor a string: %w", err)
	}
	*k = APIKey(obj2)
	return nil
}

// Channel is one unit of upstream capacity within a dialect list.
type Channel struct {
	ID                 string            `json:"id" validate:"required"`
	Name               string            `json:"name"`
	Dialect            Dialect           `json:"dialect" validate:"required,oneof=messages responses gemini"`
	ServiceType        ServiceType       `json:"serviceType" validate:"required,oneof=claude openai gemini"`
	BaseURL            string            `json:"baseUrl"`
	BaseURLs           []string          `json:"baseUrls,omitempty"`
	APIKeys            []APIKey          `json:"apiKeys"`
	AuthType           AuthType          `json:"authType,omitempty" validate:"omitempty,oneof=x-api-key bearer both x-goog-api-key"`
	Priority           int               `json:"priority"`
	Status             ChannelStatus     `json:"status" validate:"required,oneof=active suspended disabled"`
	PromotionUntil     *time.Time        `json:"promotionUntil,omitempty"`
	ModelMapping       map[string]string `json:"modelMapping,omitempty"`
	LowQuality         bool              `json:"lowQuality,omitempty"`
	InsecureSkipVerify bool              `json:"insecureSkipVerify,omitempty"`
	Description        string            `json:"description,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (ch *Channel) Clone() *Channel {
	if ch == nil {
		return nil
	}
	clone := *ch
	if ch.BaseURLs != nil {
		clone.BaseURLs = append([]string(nil), ch.BaseURLs...)
	}
	if ch.APIKeys != nil {
		clone.APIKeys = append([]APIKey(nil), ch.APIKeys...)
	}
	if ch.ModelMapping != nil {
		clone.ModelMapping = make(map[string]string, len(ch.ModelMapping))
		for k, v := range ch.ModelMapping {
			clone.ModelMapping[k] = v
		}
	}
	if ch.PromotionUntil != nil {
		t := *ch.PromotionUntil
		clone.PromotionUntil = &t
	}
	return &clone
}

// GetAllBaseURLs returns BaseURLs when that list is non-empty (BaseURL is not
// prepended), otherwise BaseURL alone.
func (ch *Channel) GetAllBaseURLs() []string {
	if len(ch.BaseURLs) > 0 {
		return ch.BaseURLs
	}
	if ch.BaseURL != "" {
		return []string{ch.BaseURL}
	}
	return nil
}

// IsInPromotion reports whether the channel's promotion window is still open.
func (ch *Channel) IsInPromotion() bool {
	return ch.PromotionUntil != nil && time.Now().Before(*ch.PromotionUntil)
}

// EnabledAPIKeys returns the configured keys that are enabled and non-blank.
func (ch *Channel) EnabledAPIKeys() []string {
	var out []string
	for _, k := range ch.APIKeys {
		if k.Enabled && k.Key != "" {
			out = append(out, k.Key)
		}
	}
	return out
}

// HasConfiguredKeys reports whether the channel is in channel-configured auth
// mode. Passthrough is never used once any key entry exists, even if disabled.
func (ch *Channel) HasConfiguredKeys() bool {
	return len(ch.APIKeys) > 0
}

// EffectiveAuthType resolves the auth header scheme, defaulting by service-type.
func (ch *Channel) EffectiveAuthType() AuthType {
	if ch.AuthType != "" {
		return ch.AuthType
	}
	switch ch.ServiceType {
	case ServiceOpenAI:
		return AuthTypeBearer
	case ServiceGemini:
		return AuthTypeGoogAPIKey
	default:
		return AuthTypeAPIKey
	}
}

// Document is the full persisted configuration.
type Document struct {
	Port      int    `json:"port" validate:"min=1,max=65535"`
	AccessKey string `json:"accessKey"`

	MetricsWindowSize       int     `json:"metricsWindowSize"`
	MetricsFailureThreshold float64 `json:"metricsFailureThreshold"`

	SessionMaxAge      time.Duration `json:"sessionMaxAge"`
	SessionMaxMessages int           `json:"sessionMaxMessages"`
	SessionMaxTokens   int           `json:"sessionMaxTokens"`

	FuzzyModeEnabled bool `json:"fuzzyModeEnabled"`
	EnableWebUI      bool `json:"enableWebUI"`
	Debug            bool `json:"debug,omitempty"`
	LoggingToFile    bool `json:"loggingToFile,omitempty"`

	Channels         []Channel `json:"channels"`
	ResponseChannels []Channel `json:"responseChannels"`
	GeminiChannels   []Channel `json:"geminiChannels"`
}

// Default returns a document with the defaults spec.md §4.1 names for a
// missing config file: port 3000, empty channel lists, empty access key.
func Default() *Document {
	return &Document{
		Port:                    3000,
		MetricsWindowSize:       10,
		MetricsFailureThreshold: 0.5,
		SessionMaxAge:           24 * time.Hour,
		SessionMaxMessages:      100,
		SessionMaxTokens:        100000,
		EnableWebUI:             true,
	}
}

// Validate applies the range checks spec.md §4.1 requires, clamping the
// soft-defaulted metrics fields and rejecting an out-of-range port. The
// enum tags on Channel are not checked, since the channel lists carry no
// dive tag.
func (d *Document) Validate() error {
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", d.Port)
	}
	if d.MetricsWindowSize < 3 {
		d.MetricsWindowSize = 3
	}
	if d.MetricsFailureThreshold <= 0 || d.MetricsFailureThreshold > 1 {
		d.MetricsFailureThreshold = 0.5
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Channels = cloneChannels(d.Channels)
	clone.ResponseChannels = cloneChannels(d.ResponseChannels)
	clone.GeminiChannels = cloneChannels(d.GeminiChannels)
	return &clone
}

func cloneChannels(in []Channel) []Channel {
	if in == nil {
		return nil
	}
	out := make([]Channel, len(in))
	for i := range in {
		out[i] = *in[i].Clone()
	}
	return out
}

// ChannelsFor returns the list backing a dialect, by reference to the slice
// header (callers under the store's lock may mutate in place).
func (d *Document) ChannelsFor(dialect Dialect) []Channel {
	switch dialect {
	case DialectResponses:
		return d.ResponseChannels
	case DialectGemini:
		return d.GeminiChannels
	default:
		return d.Channels
	}
}

// SetChannelsFor replaces the list backing a dialect.
func (d *Document) SetChannelsFor(dialect Dialect, channels []Channel) {
	switch dialect {
	case DialectResponses:
		d.ResponseChannels = channels
	case DialectGemini:
		d.GeminiChannels = channels
	default:
		d.Channels = channels
	}
}
