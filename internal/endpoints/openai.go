package endpoints

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

type openAIShaper struct{}

// NewOpenAIDispatcher creates a dispatcher for an OpenAI-compatible API
func NewOpenAIDispatcher(cfg Config, opts Options) (*Endpoint, error) {
	cfg.Type = TypeOpenAI
	endpoint, err := newEndpoint(cfg, openAIShaper{}, opts)
	if err != nil {
		return nil, err
	}

	endpoint.logger.WithFields(logrus.Fields{
		"endpoint": cfg.ID,
		"host":     endpoint.host,
		"models":   len(cfg.ModelMappings),
		"auth":     cfg.Auth.Mode,
	}).Info("OpenAI endpoint configured")

	return endpoint, nil
}

func (openAIShaper) targetURL(base string, call *types.IncomingCallDetails, _ string, query url.Values) string {
	base = strings.TrimSuffix(base, "/v1")
	target := base + "/v1/" + call.OperationPath

	// api-version only means something to Azure
	params := url.Values{}
	for k, v := range query {
		if k == "api-version" {
			continue
		}
		params[k] = v
	}
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

func (openAIShaper) shapeBody(body []byte, deployment string) ([]byte, error) {
	if len(body) == 0 || !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body, nil
	}
	shaped, err := sjson.SetBytes(body, "model", deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite model: %w", err)
	}
	return shaped, nil
}
