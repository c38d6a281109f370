package endpoints

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// Backend auth modes
const (
	AuthModeAPIKey          = "api_key"
	AuthModePassThrough     = "pass_through"
	AuthModeManagedIdentity = "managed_identity"
	AuthModeNone            = "none"
)

const (
	cognitiveServicesScope = "https://cognitiveservices.azure.com/.default"
	tokenRefreshMargin     = 5 * time.Minute
)

// AuthConfig configures how the gateway authenticates to a backend
type AuthConfig struct {
	Mode     string `yaml:"mode"`
	APIKey   string `yaml:"api_key"`
	ClientID string `yaml:"client_id"` // user-assigned managed identity
	Scope    string `yaml:"scope"`
}

// BackendAuth decorates an outbound request with backend credentials
type BackendAuth interface {
	Apply(ctx context.Context, incoming http.Header, outgoing *http.Request) error
}

// NewBackendAuth builds the authenticator for an endpoint
func NewBackendAuth(endpointType string, cfg AuthConfig, organization string) (BackendAuth, error) {
	switch cfg.Mode {
	case AuthModeAPIKey:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("auth mode %s requires api_key", cfg.Mode)
		}
		if endpointType == TypeAzureOpenAI {
			return &azureAPIKeyAuth{key: cfg.APIKey}, nil
		}
		return &bearerAPIKeyAuth{key: cfg.APIKey, organization: organization}, nil
	case AuthModePassThrough:
		return passThroughAuth{}, nil
	case AuthModeManagedIdentity:
		if endpointType != TypeAzureOpenAI {
			return nil, fmt.Errorf("auth mode %s is only supported for %s endpoints", cfg.Mode, TypeAzureOpenAI)
		}
		credential, err := newManagedIdentityCredential(cfg.ClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to create managed identity credential: %w", err)
		}
		return NewTokenCredentialAuth(credential, cfg.Scope), nil
	case AuthModeNone, "":
		return noAuth{}, nil
	default:
		return nil, fmt.Errorf("unknown backend auth mode: %s", cfg.Mode)
	}
}

type azureAPIKeyAuth struct {
	key string
}

func (a *azureAPIKeyAuth) Apply(_ context.Context, _ http.Header, out *http.Request) error {
	out.Header.Set("api-key", a.key)
	return nil
}

type bearerAPIKeyAuth struct {
	key          string
	organization string
}

func (a *bearerAPIKeyAuth) Apply(_ context.Context, _ http.Header, out *http.Request) error {
	out.Header.Set("Authorization", "Bearer "+a.key)
	if a.organization != "" {
		out.Header.Set("OpenAI-Organization", a.organization)
	}
	return nil
}

// passThroughAuth forwards whatever credentials the caller presented
type passThroughAuth struct{}

func (passThroughAuth) Apply(_ context.Context, in http.Header, out *http.Request) error {
	for _, name := range []string{"Authorization", "api-key"} {
		if v := in.Get(name); v != "" {
			out.Header.Set(name, v)
		}
	}
	return nil
}

type noAuth struct{}

func (noAuth) Apply(context.Context, http.Header, *http.Request) error { return nil }

func newManagedIdentityCredential(clientID string) (azcore.TokenCredential, error) {
	if clientID != "" {
		return azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(clientID),
		})
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

// TokenCredentialAuth attaches an Entra ID bearer token, caching it until
// shortly before expiry.
type TokenCredentialAuth struct {
	credential azcore.TokenCredential
	options    policy.TokenRequestOptions

	mutex sync.RWMutex
	token azcore.AccessToken
}

// NewTokenCredentialAuth wraps any azcore credential
func NewTokenCredentialAuth(credential azcore.TokenCredential, scope string) *TokenCredentialAuth {
	if scope == "" {
		scope = cognitiveServicesScope
	}
	return &TokenCredentialAuth{
		credential: credential,
		options:    policy.TokenRequestOptions{Scopes: []string{scope}},
	}
}

// Apply implements BackendAuth
func (a *TokenCredentialAuth) Apply(ctx context.Context, _ http.Header, out *http.Request) error {
	token, err := a.getToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire backend token: %w", err)
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *TokenCredentialAuth) getToken(ctx context.Context) (string, error) {
	a.mutex.RLock()
	if a.fresh() {
		token := a.token.Token
		a.mutex.RUnlock()
		return token, nil
	}
	a.mutex.RUnlock()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.fresh() {
		return a.token.Token, nil
	}

	token, err := a.credential.GetToken(ctx, a.options)
	if err != nil {
		return "", err
	}
	a.token = token
	return token.Token, nil
}

func (a *TokenCredentialAuth) fresh() bool {
	return a.token.Token != "" && time.Until(a.token.ExpiresOn) > tokenRefreshMargin
}
