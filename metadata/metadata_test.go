package metadata

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadata(t *testing.T) {
	m := Metadata{}

	m.SetString("model-id", "anthropic.claude")
	require.Equal(t, "anthropic.claude", m.GetString("Model-Id"))
	require.True(t, m.Has("MODEL-ID"))

	m.SetInt64("usage-input-tokens", 42)
	value, ok := m.GetInt64(KeyUsageInputTokens)
	require.True(t, ok)
	require.Equal(t, int64(42), value)
	require.Equal(t, "42", m.GetString(KeyUsageInputTokens))

	m.Del("model-id")
	require.False(t, m.Has(KeyModelID))

	require.Equal(t, []string{"Usage-Input-Tokens"}, m.Keys())
}

func TestMetadataCloneAndMerge(t *testing.T) {
	m := Metadata{}
	m.SetString(KeyProvider, "bedrock")
	clone := m.Clone()
	clone.SetString(KeyProvider, "openai")
	require.Equal(t, "bedrock", m.GetString(KeyProvider))

	other := Metadata{}
	SetUsage(other, 10, 20, 30)
	m.MergeInPlace(other)
	in, ok := GetInputTokens(m)
	require.True(t, ok)
	require.Equal(t, int64(10), in)
	out, ok := GetOutputTokens(m)
	require.True(t, ok)
	require.Equal(t, int64(20), out)
	require.Equal(t, "Provider: bedrock\nUsage-Input-Tokens: 10\nUsage-Output-Tokens: 20\nUsage-Total-Tokens: 30\n", m.String())
}

func TestMetadataCopyTo(t *testing.T) {
	m := Metadata{}
	m.SetString(KeyFinishReason, "end_turn")
	m.SetInt64(KeyUsageOutputTokens, 7)
	h := http.Header{}
	m.CopyTo(h, KeyFinishReason, KeyUsageOutputTokens, KeyUsageInputTokens)
	require.Equal(t, "end_turn", h.Get("Finish-Reason"))
	require.Equal(t, "7", h.Get("Usage-Output-Tokens"))
	require.Empty(t, h.Values("Usage-Input-Tokens"))
}
