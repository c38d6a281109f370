package endpoints

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredential struct {
	calls   int
	scopes  []string
	expires time.Duration
	err     error
}

func (f *fakeCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.calls++
	f.scopes = opts.Scopes
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	return azcore.AccessToken{Token: "entra-token", ExpiresOn: time.Now().Add(f.expires)}, nil
}

func outgoingRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://backend.example.com/openai", nil)
	require.NoError(t, err)
	return req
}

func TestNewBackendAuth(t *testing.T) {
	tests := []struct {
		name         string
		endpointType string
		config       AuthConfig
		expectErr    bool
		header       string
		value        string
	}{
		{"azure api key", TypeAzureOpenAI, AuthConfig{Mode: AuthModeAPIKey, APIKey: "k"}, false, "api-key", "k"},
		{"openai api key", TypeOpenAI, AuthConfig{Mode: AuthModeAPIKey, APIKey: "k"}, false, "Authorization", "Bearer k"},
		{"missing key", TypeOpenAI, AuthConfig{Mode: AuthModeAPIKey}, true, "", ""},
		{"managed identity on openai", TypeOpenAI, AuthConfig{Mode: AuthModeManagedIdentity}, true, "", ""},
		{"unknown", TypeOpenAI, AuthConfig{Mode: "kerberos"}, true, "", ""},
		{"none", TypeOpenAI, AuthConfig{}, false, "Authorization", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, err := NewBackendAuth(tt.endpointType, tt.config, "")
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			out := outgoingRequest(t)
			require.NoError(t, auth.Apply(context.Background(), http.Header{}, out))
			assert.Equal(t, tt.value, out.Header.Get(tt.header))
		})
	}
}

func TestPassThroughAuth(t *testing.T) {
	auth, err := NewBackendAuth(TypeAzureOpenAI, AuthConfig{Mode: AuthModePassThrough}, "")
	require.NoError(t, err)

	incoming := httptest.NewRequest(http.MethodPost, "/", nil).Header
	incoming.Set("Authorization", "Bearer caller")
	incoming.Set("api-key", "caller-key")

	out := outgoingRequest(t)
	require.NoError(t, auth.Apply(context.Background(), incoming, out))
	assert.Equal(t, "Bearer caller", out.Header.Get("Authorization"))
	assert.Equal(t, "caller-key", out.Header.Get("api-key"))
}

func TestTokenCredentialAuth_CachesToken(t *testing.T) {
	credential := &fakeCredential{expires: time.Hour}
	auth := NewTokenCredentialAuth(credential, "")

	for i := 0; i < 3; i++ {
		out := outgoingRequest(t)
		require.NoError(t, auth.Apply(context.Background(), http.Header{}, out))
		assert.Equal(t, "Bearer entra-token", out.Header.Get("Authorization"))
	}

	assert.Equal(t, 1, credential.calls)
	assert.Equal(t, []string{cognitiveServicesScope}, credential.scopes)
}

func TestTokenCredentialAuth_RefreshesNearExpiry(t *testing.T) {
	credential := &fakeCredential{expires: time.Minute}
	auth := NewTokenCredentialAuth(credential, "api://custom/.default")

	for i := 0; i < 2; i++ {
		require.NoError(t, auth.Apply(context.Background(), http.Header{}, outgoingRequest(t)))
	}

	assert.Equal(t, 2, credential.calls)
	assert.Equal(t, []string{"api://custom/.default"}, credential.scopes)
}

func TestTokenCredentialAuth_Error(t *testing.T) {
	credential := &fakeCredential{err: errors.New("imds unavailable")}
	auth := NewTokenCredentialAuth(credential, "")

	err := auth.Apply(context.Background(), http.Header{}, outgoingRequest(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imds unavailable")
}
