package endpoints

import (
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

type azureShaper struct {
	apiVersion string
}

// NewAzureDispatcher creates a dispatcher for an Azure OpenAI resource
func NewAzureDispatcher(cfg Config, opts Options) (*Endpoint, error) {
	cfg.Type = TypeAzureOpenAI
	endpoint, err := newEndpoint(cfg, &azureShaper{apiVersion: cfg.APIVersion}, opts)
	if err != nil {
		return nil, err
	}

	endpoint.logger.WithFields(logrus.Fields{
		"endpoint":    cfg.ID,
		"host":        endpoint.host,
		"deployments": len(cfg.ModelMappings),
		"auth":        cfg.Auth.Mode,
	}).Info("Azure OpenAI endpoint configured")

	return endpoint, nil
}

func (s *azureShaper) targetURL(base string, call *types.IncomingCallDetails, deployment string, query url.Values) string {
	params := url.Values{}
	for k, v := range query {
		params[k] = v
	}
	if params.Get("api-version") == "" && s.apiVersion != "" {
		params.Set("api-version", s.apiVersion)
	}

	target := base + "/openai/deployments/" + url.PathEscape(deployment) + "/" + call.OperationPath
	if encoded := params.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

// Azure addresses the deployment through the path; the body passes through unchanged
func (s *azureShaper) shapeBody(body []byte, _ string) ([]byte, error) {
	return body, nil
}
