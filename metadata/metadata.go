// Package metadata holds the header-like side channel attached to a chat response.
package metadata

import (
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
)

const (
	KeyProvider          = "Provider"
	KeyModelID           = "Model-Id"
	KeyFinishReason      = "Finish-Reason"
	KeyFinishMessage     = "Finish-Message"
	KeyUsageInputTokens  = "Usage-Input-Tokens"
	KeyUsageOutputTokens = "Usage-Output-Tokens"
	KeyUsageTotalTokens  = "Usage-Total-Tokens"
	KeyLatencyMs         = "Metrics-Latency-Ms"
)

// Metadata keys are canonicalized like MIME header keys.
type Metadata map[string]any

func canonical(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}

func (m Metadata) Get(key string) any {
	return m[canonical(key)]
}

func (m Metadata) Has(key string) bool {
	_, ok := m[canonical(key)]
	return ok
}

func (m Metadata) Del(key string) {
	delete(m, canonical(key))
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for key, value := range m {
		clone[key] = value
	}
	return clone
}

func (m Metadata) MergeInPlace(other Metadata) {
	for key, value := range other {
		m[key] = value
	}
}

func (m Metadata) SetString(key string, value string) {
	m[canonical(key)] = value
}

func (m Metadata) SetInt64(key string, value int64) {
	m[canonical(key)] = value
}

func (m Metadata) GetInt64(key string) (int64, bool) {
	value, ok := m[canonical(key)].(int64)
	return value, ok
}

func (m Metadata) GetString(key string) string {
	switch v := m[canonical(key)].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case []string:
		return strings.Join(v, ", ")
	default:
		return ""
	}
}

// CopyTo sets the given keys on h. Missing keys are skipped.
func (m Metadata) CopyTo(h http.Header, keys ...string) {
	for _, key := range keys {
		if !m.Has(key) {
			continue
		}
		h.Set(key, m.GetString(key))
	}
}

func (m Metadata) String() string {
	var sb strings.Builder
	for _, key := range m.Keys() {
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(m.GetString(key))
		sb.WriteString("\n")
	}
	return sb.String()
}

func SetUsage(m Metadata, input, output, total int64) {
	m.SetInt64(KeyUsageInputTokens, input)
	m.SetInt64(KeyUsageOutputTokens, output)
	m.SetInt64(KeyUsageTotalTokens, total)
}

func GetInputTokens(m Metadata) (int64, bool) {
	return m.GetInt64(KeyUsageInputTokens)
}

func GetOutputTokens(m Metadata) (int64, bool) {
	return m.GetInt64(KeyUsageOutputTokens)
}
