package types

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceType identifies the wire protocol the caller used
type ServiceType string

const (
	ServiceTypeAzureOpenAI ServiceType = "azure_openai"
	ServiceTypeOpenAI      ServiceType = "openai"
)

// CallType is the normalized kind of AI call
type CallType string

const (
	CallTypeChat        CallType = "chat"
	CallTypeCompletions CallType = "completions"
	CallTypeEmbeddings  CallType = "embeddings"
	CallTypeImages      CallType = "images"
	CallTypeOther       CallType = "other"
)

// IncomingCallDetails is the normalized descriptor of one inbound call.
// It is produced once per request by the detector and never mutated.
type IncomingCallDetails struct {
	ServiceType         ServiceType `json:"service_type"`
	CallType            CallType    `json:"call_type"`
	ModelName           string      `json:"model_name"`
	PromptText          string      `json:"-"`
	PreferredEndpointID string      `json:"preferred_endpoint_id,omitempty"`

	// OperationPath is the protocol path after the deployment segment,
	// e.g. "chat/completions" or "images/generations".
	OperationPath string `json:"operation_path"`
}

// Identity is the authenticated caller as established by the auth step
type Identity struct {
	Subject  string            `json:"subject"`
	AuthType string            `json:"auth_type"`
	Roles    []string          `json:"roles,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Request carries one inbound exchange through the pipeline.
// A Request belongs to a single goroutine; it is not safe for concurrent use.
type Request struct {
	ID         string
	HTTP       *http.Request
	Body       []byte
	Identity   *Identity
	Logger     *logrus.Entry
	ReceivedAt time.Time

	// Pipeline is the name of the pipeline handling this request
	Pipeline string

	failedHosts []string
}

// NewRequest wraps an inbound HTTP request whose body has already been read
func NewRequest(id string, r *http.Request, body []byte, logger *logrus.Entry) *Request {
	return &Request{
		ID:         id,
		HTTP:       r,
		Body:       body,
		Logger:     logger.WithField("request_id", id),
		ReceivedAt: time.Now(),
	}
}

// Header returns the inbound request headers
func (r *Request) Header() http.Header {
	if r.HTTP == nil {
		return http.Header{}
	}
	return r.HTTP.Header
}

// RecordFailedHost notes a backend host that was tried and rejected
func (r *Request) RecordFailedHost(host string) {
	for _, h := range r.failedHosts {
		if h == host {
			return
		}
	}
	r.failedHosts = append(r.failedHosts, host)
}

// FailedHosts returns the backend hosts that failed before the final attempt
func (r *Request) FailedHosts() []string {
	hosts := make([]string, len(r.failedHosts))
	copy(hosts, r.failedHosts)
	return hosts
}

// Log returns the request-scoped logger
func (r *Request) Log() *logrus.Entry {
	if r.Logger == nil {
		r.Logger = logrus.NewEntry(logrus.StandardLogger()).WithField("request_id", r.ID)
	}
	return r.Logger
}

// ClientName returns the identity subject, or "anonymous"
func (r *Request) ClientName() string {
	if r.Identity == nil || r.Identity.Subject == "" {
		return "anonymous"
	}
	return r.Identity.Subject
}
