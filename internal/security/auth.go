package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/middleware"
	"github.com/tributary-ai/aicentral-gateway/internal/pipeline"
	"github.com/tributary-ai/aicentral-gateway/internal/types"
)

// Auth provider types
const (
	AuthTypeAPIKey    = "api_key"
	AuthTypeJWT       = "jwt"
	AuthTypeAnonymous = "anonymous"
)

var (
	// ErrMissingCredentials is returned when the request carries no credential
	ErrMissingCredentials = errors.New("authentication credentials are required")

	// ErrInvalidCredentials is returned when a credential does not validate
	ErrInvalidCredentials = errors.New("invalid authentication credentials")

	// ErrForbidden is returned when an authenticated caller lacks a required role
	ErrForbidden = errors.New("caller is not permitted to use this pipeline")
)

var (
	_ pipeline.Step = (*APIKeyAuthStep)(nil)
	_ pipeline.Step = (*JWTAuthStep)(nil)
	_ pipeline.Step = AnonymousStep{}
)

// ClientConfig is one consumer allowed through an api-key auth provider.
// Two keys allow rotation without downtime.
type ClientConfig struct {
	Name string `yaml:"name"`
	Key1 string `yaml:"key1"`
	Key2 string `yaml:"key2"`
}

// JWTConfig configures bearer token validation
type JWTConfig struct {
	Secret        string        `yaml:"secret"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	IdentityClaim string        `yaml:"identity_claim"` // defaults to "sub"
	RequiredRoles []string      `yaml:"required_roles"`
	Leeway        time.Duration `yaml:"leeway"`
}

// Config holds one named auth provider
type Config struct {
	Type       string         `yaml:"type"`
	HeaderName string         `yaml:"header_name"` // api_key only; defaults to "api-key"
	Clients    []ClientConfig `yaml:"clients"`
	JWT        JWTConfig      `yaml:"jwt"`
}

// NewAuthStep builds the auth gate for a provider config
func NewAuthStep(name string, cfg Config, logger *logrus.Logger) (pipeline.Step, error) {
	switch cfg.Type {
	case AuthTypeAPIKey:
		return NewAPIKeyAuthStep(name, cfg, logger)
	case AuthTypeJWT:
		return NewJWTAuthStep(name, cfg.JWT, logger)
	case AuthTypeAnonymous, "":
		return AnonymousStep{}, nil
	default:
		return nil, fmt.Errorf("auth provider %s: unknown type %q", name, cfg.Type)
	}
}

// APIKeyAuthStep admits callers presenting one of the configured client keys
type APIKeyAuthStep struct {
	name       string
	headerName string
	clients    []ClientConfig
	logger     *logrus.Logger
}

// NewAPIKeyAuthStep creates an api-key gate
func NewAPIKeyAuthStep(name string, cfg Config, logger *logrus.Logger) (*APIKeyAuthStep, error) {
	if len(cfg.Clients) == 0 {
		return nil, fmt.Errorf("auth provider %s: at least one client is required", name)
	}
	for _, client := range cfg.Clients {
		if client.Name == "" || (client.Key1 == "" && client.Key2 == "") {
			return nil, fmt.Errorf("auth provider %s: every client needs a name and a key", name)
		}
	}

	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = "api-key"
	}

	return &APIKeyAuthStep{
		name:       name,
		headerName: headerName,
		clients:    cfg.Clients,
		logger:     logger,
	}, nil
}

// Handle implements pipeline.Step
func (a *APIKeyAuthStep) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next pipeline.Next) (*types.DownstreamResponse, error) {
	apiKey := req.Header().Get(a.headerName)
	if apiKey == "" {
		apiKey = bearerToken(req.Header())
	}
	if apiKey == "" {
		return a.reject(req, ErrMissingCredentials, "")
	}

	client, ok := a.ValidateAPIKey(apiKey)
	if !ok {
		return a.reject(req, ErrInvalidCredentials, apiKey)
	}

	req.Identity = &types.Identity{
		Subject:  client,
		AuthType: AuthTypeAPIKey,
		Metadata: map[string]string{"auth_provider": a.name},
	}
	req.Log().WithField("client", client).Debug("Authentication successful")

	return next(ctx, req, call)
}

// ValidateAPIKey returns the client owning the key
func (a *APIKeyAuthStep) ValidateAPIKey(apiKey string) (string, bool) {
	// every key is compared so the timing does not reveal which one matched
	matched := ""
	for _, client := range a.clients {
		for _, key := range []string{client.Key1, client.Key2} {
			if key != "" && subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 && matched == "" {
				matched = client.Name
			}
		}
	}
	return matched, matched != ""
}

func (a *APIKeyAuthStep) reject(req *types.Request, err error, apiKey string) (*types.DownstreamResponse, error) {
	fields := logrus.Fields{
		"auth_provider": a.name,
		"remote_ip":     middleware.ClientIP(req.HTTP),
	}
	if apiKey != "" {
		fields["api_key_prefix"] = maskAPIKey(apiKey)
	}
	req.Log().WithFields(fields).WithError(err).Warn("Authentication failed")
	return unauthorized(err), nil
}

// BuildResponseHeaders implements pipeline.Step
func (a *APIKeyAuthStep) BuildResponseHeaders(context.Context, *types.Request, *types.DownstreamResponse, http.Header) {
}

// JWTAuthStep validates HS256 bearer tokens
type JWTAuthStep struct {
	name   string
	config JWTConfig
	parser *jwt.Parser
	logger *logrus.Logger
}

// NewJWTAuthStep creates a bearer token gate
func NewJWTAuthStep(name string, cfg JWTConfig, logger *logrus.Logger) (*JWTAuthStep, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth provider %s: jwt secret is required", name)
	}
	if cfg.IdentityClaim == "" {
		cfg.IdentityClaim = "sub"
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}

	return &JWTAuthStep{
		name:   name,
		config: cfg,
		parser: jwt.NewParser(opts...),
		logger: logger,
	}, nil
}

// Handle implements pipeline.Step
func (j *JWTAuthStep) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next pipeline.Next) (*types.DownstreamResponse, error) {
	token := bearerToken(req.Header())
	if token == "" {
		return j.reject(req, ErrMissingCredentials)
	}

	identity, err := j.ValidateJWT(token)
	if err != nil {
		return j.reject(req, err)
	}

	if !hasRoles(identity.Roles, j.config.RequiredRoles) {
		req.Log().WithFields(logrus.Fields{
			"auth_provider": j.name,
			"subject":       identity.Subject,
		}).Warn("Caller lacks required role")
		return types.NewErrorResponse(http.StatusForbidden, types.ErrorTypeAuthentication, "Forbidden", ErrForbidden.Error()), nil
	}

	req.Identity = identity
	req.Log().WithField("client", identity.Subject).Debug("Authentication successful")

	return next(ctx, req, call)
}

// ValidateJWT parses a token and returns the caller identity
func (j *JWTAuthStep) ValidateJWT(tokenString string) (*types.Identity, error) {
	claims := jwt.MapClaims{}
	token, err := j.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(j.config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	subject, _ := claims[j.config.IdentityClaim].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: claim %s is missing", ErrInvalidCredentials, j.config.IdentityClaim)
	}

	return &types.Identity{
		Subject:  subject,
		AuthType: AuthTypeJWT,
		Roles:    stringSlice(claims["roles"]),
		Metadata: map[string]string{"auth_provider": j.name},
	}, nil
}

// GenerateJWT signs a token this step will accept
func (j *JWTAuthStep) GenerateJWT(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		j.config.IdentityClaim: subject,
		"iat":                  now.Unix(),
		"nbf":                  now.Unix(),
		"exp":                  now.Add(ttl).Unix(),
	}
	if j.config.Issuer != "" {
		claims["iss"] = j.config.Issuer
	}
	if j.config.Audience != "" {
		claims["aud"] = j.config.Audience
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.config.Secret))
}

func (j *JWTAuthStep) reject(req *types.Request, err error) (*types.DownstreamResponse, error) {
	req.Log().WithFields(logrus.Fields{
		"auth_provider": j.name,
		"remote_ip":     middleware.ClientIP(req.HTTP),
	}).WithError(err).Warn("Authentication failed")
	return unauthorized(err), nil
}

// BuildResponseHeaders implements pipeline.Step
func (j *JWTAuthStep) BuildResponseHeaders(context.Context, *types.Request, *types.DownstreamResponse, http.Header) {
}

// AnonymousStep lets every caller through without an identity
type AnonymousStep struct{}

// Handle implements pipeline.Step
func (AnonymousStep) Handle(ctx context.Context, req *types.Request, call *types.IncomingCallDetails, next pipeline.Next) (*types.DownstreamResponse, error) {
	if req.Identity == nil {
		req.Identity = &types.Identity{AuthType: AuthTypeAnonymous}
	}
	return next(ctx, req, call)
}

// BuildResponseHeaders implements pipeline.Step
func (AnonymousStep) BuildResponseHeaders(context.Context, *types.Request, *types.DownstreamResponse, http.Header) {
}

// Helper functions

func unauthorized(err error) *types.DownstreamResponse {
	resp := types.NewErrorResponse(http.StatusUnauthorized, types.ErrorTypeAuthentication, "Unauthorized", err.Error())
	resp.Header.Set("WWW-Authenticate", "Bearer")
	return resp
}

func bearerToken(header http.Header) string {
	authHeader := header.Get("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

func hasRoles(have, required []string) bool {
	for _, role := range required {
		found := false
		for _, h := range have {
			if h == role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}
