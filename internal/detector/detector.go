// Package detector turns an inbound HTTP request into the normalized call
// descriptor the pipeline routes on.
package detector

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

var (
	// ErrUnknownRoute is returned for paths that are not AI operations
	ErrUnknownRoute = errors.New("path is not a supported AI operation")

	// ErrMissingModel is returned when an OpenAI-style body names no model
	ErrMissingModel = errors.New("request body does not name a model")
)

const (
	azurePrefix  = "/openai/deployments/"
	openAIPrefix = "/v1/"
)

// Detect builds the call descriptor for r. body is the buffered request body.
func Detect(r *http.Request, body []byte) (*types.IncomingCallDetails, error) {
	path := r.URL.EscapedPath()

	var call *types.IncomingCallDetails
	switch {
	case strings.HasPrefix(path, azurePrefix):
		rest := strings.TrimPrefix(path, azurePrefix)
		model, op, ok := strings.Cut(rest, "/")
		if !ok || model == "" || op == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, r.URL.Path)
		}
		unescaped, err := url.PathUnescape(model)
		if err != nil {
			return nil, fmt.Errorf("%w: bad deployment segment: %v", ErrUnknownRoute, err)
		}
		call = &types.IncomingCallDetails{
			ServiceType:   types.ServiceTypeAzureOpenAI,
			ModelName:     unescaped,
			OperationPath: op,
		}

	case strings.HasPrefix(path, openAIPrefix):
		op := strings.TrimPrefix(path, openAIPrefix)
		if op == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, r.URL.Path)
		}
		model := gjson.GetBytes(body, "model").String()
		if model == "" {
			return nil, ErrMissingModel
		}
		call = &types.IncomingCallDetails{
			ServiceType:   types.ServiceTypeOpenAI,
			ModelName:     model,
			OperationPath: op,
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, r.URL.Path)
	}

	call.CallType = CallTypeFor(call.OperationPath)
	call.PromptText = PromptText(call.CallType, body)
	call.PreferredEndpointID = strings.TrimSpace(r.Header.Get(types.HeaderAffinity))

	return call, nil
}

// CallTypeFor maps an operation path to its call type
func CallTypeFor(op string) types.CallType {
	switch {
	case op == "chat/completions":
		return types.CallTypeChat
	case op == "completions":
		return types.CallTypeCompletions
	case op == "embeddings":
		return types.CallTypeEmbeddings
	case strings.HasPrefix(op, "images/"):
		return types.CallTypeImages
	default:
		return types.CallTypeOther
	}
}

// PromptText extracts the text used for prompt token estimation
func PromptText(callType types.CallType, body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}

	switch callType {
	case types.CallTypeChat:
		var parts []string
		gjson.GetBytes(body, "messages").ForEach(func(_, message gjson.Result) bool {
			parts = append(parts, contentText(message.Get("content"))...)
			return true
		})
		return strings.Join(parts, "\n")
	case types.CallTypeCompletions, types.CallTypeImages:
		return strings.Join(stringValues(gjson.GetBytes(body, "prompt")), "\n")
	case types.CallTypeEmbeddings:
		return strings.Join(stringValues(gjson.GetBytes(body, "input")), "\n")
	default:
		return ""
	}
}

// contentText handles both plain string content and multi-part content arrays
func contentText(content gjson.Result) []string {
	if !content.IsArray() {
		if content.Type == gjson.String {
			return []string{content.String()}
		}
		return nil
	}

	var texts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			texts = append(texts, part.Get("text").String())
		}
		return true
	})
	return texts
}

func stringValues(value gjson.Result) []string {
	if value.Type == gjson.String {
		return []string{value.String()}
	}
	var values []string
	if value.IsArray() {
		value.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				values = append(values, item.String())
			}
			return true
		})
	}
	return values
}
