package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyUnmarshalObjectShape(t *testing.T) {
	var k APIKey
	require.NoError(t, json.Unmarshal([]byte(`{"key":"sk-abc","enabled":true}`), &k))
	assert.Equal(t, APIKey{Key: "sk-abc", Enabled: true}, k)
}

func TestAPIKeyUnmarshalLegacyStringShape(t *testing.T) {
	var k APIKey
	require.NoError(t, json.Unmarshal([]byte(`"sk-legacy"`), &k))
	assert.Equal(t, APIKey{Key: "sk-legacy", Enabled: true}, k)
}

func TestChannelAPIKeysRoundTrip(t *testing.T) {
	raw := `{"id":"c1","dialect":"messages","serviceType":"claude","status":"active",
		"apiKeys":[{"key":"a","enabled":true},"b",{"key":"c","enabled":false}]}`
	var ch Channel
	require.NoError(t, json.Unmarshal([]byte(raw), &ch))
	require.Len(t, ch.APIKeys, 3)
	assert.Equal(t, "a", ch.APIKeys[0].Key)
	assert.True(t, ch.APIKeys[0].Enabled)
	assert.Equal(t, "b", ch.APIKeys[1].Key)
	assert.True(t, ch.APIKeys[1].Enabled)
	assert.Equal(t, "c", ch.APIKeys[2].Key)
	assert.False(t, ch.APIKeys[2].Enabled)
	assert.Equal(t, []string{"a", "b"}, ch.EnabledAPIKeys())
}

func TestChannelHasConfiguredKeysIgnoresDisabled(t *testing.T) {
	ch := Channel{APIKeys: []APIKey{{Key: "x", Enabled: false}}}
	assert.True(t, ch.HasConfiguredKeys(), "passthrough must never be used once any key entry exists")
	assert.Empty(t, ch.EnabledAPIKeys())
}

func TestChannelEffectiveAuthTypeDefaults(t *testing.T) {
	assert.Equal(t, AuthTypeAPIKey, (&Channel{ServiceType: ServiceClaude}).EffectiveAuthType())
	assert.Equal(t, AuthTypeBearer, (&Channel{ServiceType: ServiceOpenAI}).EffectiveAuthType())
	assert.Equal(t, AuthTypeGoogAPIKey, (&Channel{ServiceType: ServiceGemini}).EffectiveAuthType())
	assert.Equal(t, AuthTypeBoth, (&Channel{ServiceType: ServiceClaude, AuthType: AuthTypeBoth}).EffectiveAuthType())
}

func TestChannelGetAllBaseURLsPrefersBackupList(t *testing.T) {
	ch := Channel{BaseURL: "https://primary", BaseURLs: []string{"https://a", "https://b"}}
	assert.Equal(t, []string{"https://a", "https://b"}, ch.GetAllBaseURLs())

	single := Channel{BaseURL: "https://primary"}
	assert.Equal(t, []string{"https://primary"}, single.GetAllBaseURLs())

	empty := Channel{}
	assert.Empty(t, empty.GetAllBaseURLs())
}

func TestDocumentValidateClampsSoftDefaults(t *testing.T) {
	doc := Default()
	doc.MetricsWindowSize = 1
	doc.MetricsFailureThreshold = 5
	require.NoError(t, doc.Validate())
	assert.Equal(t, 3, doc.MetricsWindowSize)
	assert.Equal(t, 0.5, doc.MetricsFailureThreshold)
}

func TestDocumentValidateRejectsBadPort(t *testing.T) {
	doc := Default()
	doc.Port = 0
	assert.Error(t, doc.Validate())
	doc.Port = 70000
	assert.Error(t, doc.Validate())
}

func TestDocumentCloneIsDeep(t *testing.T) {
	doc := Default()
	doc.Channels = []Channel{{ID: "c1", ModelMapping: map[string]string{"a": "b"}}}
	clone := doc.Clone()
	clone.Channels[0].ModelMapping["a"] = "changed"
	assert.Equal(t, "b", doc.Channels[0].ModelMapping["a"])
}
