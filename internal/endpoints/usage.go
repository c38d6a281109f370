package endpoints

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// parseUsage reads the usage block from a JSON body, or from the last
// server-sent event that carries one. It reports whether usage was found and
// whether the body was an event stream.
func parseUsage(body []byte, contentType string) (types.Usage, bool, bool) {
	if strings.HasPrefix(contentType, "text/event-stream") {
		usage, found := parseStreamUsage(body)
		return usage, found, true
	}

	if !gjson.ValidBytes(body) {
		return types.Usage{}, false, false
	}
	result := gjson.GetBytes(body, "usage")
	if !result.IsObject() {
		return types.Usage{}, false, false
	}
	return usageFromResult(result), true, false
}

func parseStreamUsage(body []byte) (types.Usage, bool) {
	var usage types.Usage
	found := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		result := gjson.Get(payload, "usage")
		if result.IsObject() {
			usage = usageFromResult(result)
			found = true
		}
	}
	return usage, found
}

func usageFromResult(result gjson.Result) types.Usage {
	usage := types.Usage{
		PromptTokens:     int(result.Get("prompt_tokens").Int()),
		CompletionTokens: int(result.Get("completion_tokens").Int()),
		TotalTokens:      int(result.Get("total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// estimateTokens approximates a token count at four characters per token
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
