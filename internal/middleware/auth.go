package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the principal it
// belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure     func()
	rateLimiter   *RateLimiter
	publicMethods map[string]struct{}
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{publicMethods: make(map[string]struct{})}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// WithPublicMethods exempts gRPC methods from authentication. Entries are
// full method names ("/pkg.Service/Method") or service prefixes ending in
// "/" ("/grpc.health.v1.Health/").
func WithPublicMethods(methods ...string) AuthOption {
	return func(c *authConfig) {
		for _, method := range methods {
			c.publicMethods[method] = struct{}{}
		}
	}
}

func (c authConfig) public(fullMethod string) bool {
	if _, ok := c.publicMethods[fullMethod]; ok {
		return true
	}
	if i := strings.LastIndex(fullMethod, "/"); i > 0 {
		_, ok := c.publicMethods[fullMethod[:i+1]]
		return ok
	}
	return false
}

// recordFailure runs the failure hook and reports whether ip is still within
// the failed-attempt budget.
func (c authConfig) recordFailure(client string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || client == "" {
		return true
	}
	return c.rateLimiter.RecordFailure(client)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if !cfg.recordFailure(ClientKey(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				LoggerFromContext(r.Context()).Debug("authentication failed", "error", err)
				writeHTTPUnauthorized(w)
				return
			}
			ctx := NewContextWithPrincipal(r.Context(), principal)
			if keyID := apiKeyIDFromBearer(r.Header.Get("Authorization")); keyID != "" {
				ctx = NewContextWithAPIKeyID(ctx, keyID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info != nil && cfg.public(info.FullMethod) {
			return handler(ctx, req)
		}
		authCtx, err := authenticateGRPC(ctx, validator, cfg)
		if err != nil {
			return nil, err
		}
		return handler(authCtx, req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if info != nil && cfg.public(info.FullMethod) {
			return handler(srv, ss)
		}
		authCtx, err := authenticateGRPC(ss.Context(), validator, cfg)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: authCtx})
	}
}

func authenticateGRPC(ctx context.Context, validator TokenValidator, cfg authConfig) (context.Context, error) {
	principal, err := authorizeGRPC(ctx, validator)
	if err != nil {
		if !cfg.recordFailure(grpcClientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}

	authCtx := NewContextWithPrincipal(ctx, principal)
	if keyID := apiKeyIDFromGRPCMetadata(ctx); keyID != "" {
		authCtx = NewContextWithAPIKeyID(authCtx, keyID)
	}
	return authCtx, nil
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const (
	principalKey contextKey = "principal"
	apiKeyIDKey  contextKey = "api_key_id"
)

// PrincipalFromContext retrieves the authenticated principal, the API key
// name, from the context.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	principal, ok := ctx.Value(principalKey).(string)
	return principal, ok
}

// NewContextWithPrincipal returns a new context with the given principal.
func NewContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// APIKeyIDFromContext retrieves the API key ID from the context.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a new context with the given API key ID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	principal, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(principal) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return principal, nil
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		principal, err := validator.ValidateToken(ctx, token)
		if err == nil {
			if strings.TrimSpace(principal) == "" {
				return "", errInvalidAuthorizationHeader
			}
			return principal, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// apiKeyIDFromBearer extracts the key ID from "Bearer keyID.secret".
func apiKeyIDFromBearer(authHeader string) string {
	token, err := parseBearerToken(authHeader)
	if err != nil {
		return ""
	}
	keyID, _, ok := ParseAPIKeyToken(token)
	if !ok {
		return ""
	}
	return keyID
}

func apiKeyIDFromGRPCMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, h := range md.Get("authorization") {
		if keyID := apiKeyIDFromBearer(h); keyID != "" {
			return keyID
		}
	}
	return ""
}

func grpcClientKey(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ClientKey(p.Addr.String())
}
