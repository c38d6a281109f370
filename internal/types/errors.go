package types

import (
	"encoding/json"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Error types used in gateway-generated error bodies
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeServer         = "server_error"
	ErrorTypeAuthentication = "authentication_error"
)

// ErrorBody renders an OpenAI-style error envelope
func ErrorBody(status int, errorType, code, message string) []byte {
	body, err := json.Marshal(openai.ErrorResponse{
		Error: &openai.APIError{
			Code:           code,
			Message:        message,
			Type:           errorType,
			HTTPStatusCode: status,
		},
	})
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"server_error"}}`)
	}
	return body
}

// NewErrorResponse builds a gateway-generated response in the OpenAI error shape
func NewErrorResponse(status int, errorType, code, message string) *DownstreamResponse {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &DownstreamResponse{
		StatusCode: status,
		Header:     header,
		Body:       ErrorBody(status, errorType, code, message),
		Usage: UsageInfo{
			StatusCode: status,
		},
	}
}
