package middleware

import (
	"strings"
	"testing"
)

func FuzzParseBearerToken(f *testing.F) {
	f.Add("Bearer token")
	f.Add("bearer value")
	f.Add("Basic value")
	f.Add("")
	f.Add("Bearer")

	f.Fuzz(func(t *testing.T, authorizationHeader string) {
		token, err := parseBearerToken(authorizationHeader)
		parts := strings.Fields(authorizationHeader)
		expectOK := len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != ""

		if expectOK {
			if err != nil {
				t.Fatalf("parseBearerToken(%q) error = %v, want nil", authorizationHeader, err)
			}
			if token != parts[1] {
				t.Fatalf("parseBearerToken(%q) token = %q, want %q", authorizationHeader, token, parts[1])
			}
			return
		}

		if err == nil {
			t.Fatalf("parseBearerToken(%q) error = nil, want non-nil", authorizationHeader)
		}
	})
}

func FuzzAPIKeyMatchesHash(f *testing.F) {
	validHash, err := HashAPIKey("seed-secret")
	if err != nil {
		f.Fatalf("HashAPIKey(seed-secret) error = %v", err)
	}

	f.Add(validHash, "seed-secret")
	f.Add(validHash, "wrong-secret")
	f.Add("not-a-bcrypt-hash", "secret")

	f.Fuzz(func(t *testing.T, expectedHash, apiKey string) {
		_ = APIKeyMatchesHash(expectedHash, apiKey)

		if expectedHash == validHash && apiKey == "seed-secret" && !APIKeyMatchesHash(expectedHash, apiKey) {
			t.Fatalf("expected bcrypt hash to match seed secret")
		}
	})
}

func FuzzParseAPIKeyToken(f *testing.F) {
	f.Add("abc.def")
	f.Add("abc")
	f.Add(".")
	f.Add("a.b.c")

	f.Fuzz(func(t *testing.T, token string) {
		keyID, secret, ok := ParseAPIKeyToken(token)
		if !ok {
			return
		}
		if FormatAPIKeyToken(keyID, secret) != token {
			t.Fatalf("FormatAPIKeyToken(%q, %q) != %q", keyID, secret, token)
		}
		if strings.Contains(keyID, ".") {
			t.Fatalf("keyID %q contains separator", keyID)
		}
	})
}
