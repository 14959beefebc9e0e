package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header to be Bearer, got %q", got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("invalid authorization header", func(t *testing.T) {
		validator := &testTokenValidator{}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		req.Header.Set("Authorization", "Basic bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("empty principal is rejected", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good"}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "key-1.secret", principal: "ci-pipeline"}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok || principal != "ci-pipeline" {
				t.Errorf("PrincipalFromContext = %q, %v; want ci-pipeline, true", principal, ok)
			}
			keyID, ok := APIKeyIDFromContext(r.Context())
			if !ok || keyID != "key-1" {
				t.Errorf("APIKeyIDFromContext = %q, %v; want key-1, true", keyID, ok)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		req.Header.Set("Authorization", "Bearer key-1.secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if validator.gotToken != "key-1.secret" {
			t.Fatalf("expected token %q, got %q", "key-1.secret", validator.gotToken)
		}
	})

	t.Run("failure hook and rate limit", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rl := NewRateLimiter(ctx, 1)
		defer rl.Stop()

		failures := 0
		validator := &testTokenValidator{expectedToken: "expected"}
		handler := HTTPBearerAuthMiddleware(validator,
			WithOnAuthFailure(func() { failures++ }),
			WithRateLimiter(rl),
		)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		wantCodes := []int{http.StatusUnauthorized, http.StatusTooManyRequests}
		for i, want := range wantCodes {
			req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
			req.RemoteAddr = "192.0.2.10:5000"
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != want {
				t.Fatalf("attempt %d: expected %d, got %d", i+1, want, rec.Code)
			}
		}
		if failures != 2 {
			t.Fatalf("failures = %d, want 2", failures)
		}
	})
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false

		_, err := interceptor(context.Background(), struct{}{}, &grpc.UnaryServerInfo{FullMethod: "/compat.v1/Check"}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad"))

		_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "key-2.secret", principal: "ops"}
		interceptor := UnaryBearerAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer key-2.secret"))

		res, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
			principal, ok := PrincipalFromContext(ctx)
			if !ok || principal != "ops" {
				return nil, status.Errorf(codes.Internal, "PrincipalFromContext = %q, %v; want ops, true", principal, ok)
			}
			if keyID, _ := APIKeyIDFromContext(ctx); keyID != "key-2" {
				return nil, status.Errorf(codes.Internal, "APIKeyIDFromContext = %q, want key-2", keyID)
			}
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if res != "ok" {
			t.Fatalf("expected response %q, got %#v", "ok", res)
		}
	})

	t.Run("public method skips auth", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := UnaryBearerAuthInterceptor(validator, WithPublicMethods("/grpc.health.v1.Health/"))

		res, err := interceptor(context.Background(), struct{}{}, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, func(context.Context, any) (any, error) {
			return "serving", nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if res != "serving" {
			t.Fatalf("expected response %q, got %#v", "serving", res)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rl := NewRateLimiter(ctx, 1)
		defer rl.Stop()

		validator := &testTokenValidator{expectedToken: "expected"}
		interceptor := UnaryBearerAuthInterceptor(validator, WithRateLimiter(rl))
		reqCtx := peerContext(metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad")), "198.51.100.7:443")

		wantCodes := []codes.Code{codes.Unauthenticated, codes.ResourceExhausted}
		for i, want := range wantCodes {
			_, err := interceptor(reqCtx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
				return nil, nil
			})
			if status.Code(err) != want {
				t.Fatalf("attempt %d: expected %v, got %v", i+1, want, status.Code(err))
			}
		}
	})
}

func TestStreamBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := StreamBearerAuthInterceptor(validator)
		handlerCalled := false

		err := interceptor(nil, &testServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			handlerCalled = true
			return nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", principal: "ops"}
		interceptor := StreamBearerAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))

		var gotPrincipal string
		err := interceptor(nil, &testServerStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
			gotPrincipal, _ = PrincipalFromContext(ss.Context())
			return nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if gotPrincipal != "ops" {
			t.Fatalf("principal = %q, want ops", gotPrincipal)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		interceptor := StreamBearerAuthInterceptor(validator)
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad"))

		err := interceptor(nil, &testServerStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
			t.Fatal("expected handler not to be called")
			return nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("public method skips auth", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := StreamBearerAuthInterceptor(validator, WithPublicMethods("/grpc.health.v1.Health/Watch"))
		handlerCalled := false

		err := interceptor(nil, &testServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}, func(any, grpc.ServerStream) error {
			handlerCalled = true
			return nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !handlerCalled {
			t.Fatal("expected handler to be called")
		}
	})
}

func TestAuthConfigPublic(t *testing.T) {
	cfg := newAuthConfig([]AuthOption{WithPublicMethods("/grpc.health.v1.Health/", "/compat.v1.Rules/List")})

	tests := []struct {
		method string
		want   bool
	}{
		{"/grpc.health.v1.Health/Check", true},
		{"/grpc.health.v1.Health/Watch", true},
		{"/compat.v1.Rules/List", true},
		{"/compat.v1.Rules/Delete", false},
		{"/grpc.channelz.v1.Channelz/GetServers", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := cfg.public(tt.method); got != tt.want {
			t.Errorf("public(%q) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v, want nil", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if !APIKeyMatchesHash(hash, "secret") {
		t.Fatal("expected API key to match hash")
	}
	if APIKeyMatchesHash(hash, "wrong") {
		t.Fatal("expected API key mismatch")
	}
	if APIKeyMatchesHash("not-a-bcrypt-hash", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

func TestParseAPIKeyToken(t *testing.T) {
	tests := []struct {
		token      string
		wantID     string
		wantSecret string
		wantOK     bool
	}{
		{"abc.def", "abc", "def", true},
		{"abc.def.ghi", "abc", "def.ghi", true},
		{FormatAPIKeyToken("id", "s3cret"), "id", "s3cret", true},
		{"abc", "", "", false},
		{".def", "", "", false},
		{"abc.", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		id, secret, ok := ParseAPIKeyToken(tt.token)
		if id != tt.wantID || secret != tt.wantSecret || ok != tt.wantOK {
			t.Errorf("ParseAPIKeyToken(%q) = %q, %q, %v; want %q, %q, %v", tt.token, id, secret, ok, tt.wantID, tt.wantSecret, tt.wantOK)
		}
	}
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	principal     string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.principal, nil
}
