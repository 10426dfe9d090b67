package redact

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetailsRedactsSensitiveKeys(t *testing.T) {
	raw := Details(map[string]any{
		"api_key": "sk-abcdef",
		"note":    "ok",
	})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "[redacted]", decoded["api_key"])
	require.Equal(t, "ok", decoded["note"])
}

func TestDetailsTruncatesOversizeString(t *testing.T) {
	long := strings.Repeat("a", maxStringLen+500)
	raw := Details(map[string]any{"body": long})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	body := decoded["body"].(string)
	require.Less(t, len(body), len(long))
	require.Contains(t, body, "truncated")
}

func TestDetailsSummarizesOversizeArray(t *testing.T) {
	items := make([]any, maxArrayLen+10)
	raw := Details(map[string]any{"items": items})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	summary, ok := decoded["items"].(string)
	require.True(t, ok)
	require.Contains(t, summary, "truncated")
}

func TestDetailsNestedRedaction(t *testing.T) {
	raw := Details(map[string]any{
		"outer": map[string]any{
			"Authorization": "Bearer xyz",
		},
	})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	outer := decoded["outer"].(map[string]any)
	require.Equal(t, "[redacted]", outer["Authorization"])
}
