package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewJWTValidator(t *testing.T) {
	_, pub := newKeyPair(t)
	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{"valid PKIX key", pub, false},
		{"invalid PEM", "invalid-pem", true},
		{"empty", "", true},
		{"garbage body", "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewJWTValidator(tt.pem, "claimrelay", "claimrelay-admin")
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewJWTValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && v.issuer != "claimrelay" {
				t.Errorf("issuer = %q", v.issuer)
			}
		})
	}
}

func TestParsePublicKeyPKCS1(t *testing.T) {
	key, _ := newKeyPair(t)
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	if _, err := ParsePublicKey(string(block)); err != nil {
		t.Fatalf("ParsePublicKey(PKCS1) error = %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	key, pub := newKeyPair(t)
	other, _ := newKeyPair(t)
	v, err := NewJWTValidator(pub, "claimrelay", "claimrelay-admin")
	if err != nil {
		t.Fatal(err)
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr bool
	}{
		{
			name:    "valid",
			token:   sign(t, key, jwt.MapClaims{"iss": "claimrelay", "aud": "claimrelay-admin", "sub": "ops@example.com", "exp": exp}),
			wantSub: "ops@example.com",
		},
		{
			name:    "wrong issuer",
			token:   sign(t, key, jwt.MapClaims{"iss": "someone", "aud": "claimrelay-admin", "sub": "x", "exp": exp}),
			wantErr: true,
		},
		{
			name:    "wrong audience",
			token:   sign(t, key, jwt.MapClaims{"iss": "claimrelay", "aud": "other", "sub": "x", "exp": exp}),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   sign(t, key, jwt.MapClaims{"iss": "claimrelay", "aud": "claimrelay-admin", "sub": "x", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "no expiry",
			token:   sign(t, key, jwt.MapClaims{"iss": "claimrelay", "aud": "claimrelay-admin", "sub": "x"}),
			wantErr: true,
		},
		{
			name:    "missing subject",
			token:   sign(t, key, jwt.MapClaims{"iss": "claimrelay", "aud": "claimrelay-admin", "exp": exp}),
			wantErr: true,
		},
		{
			name:    "signed by another key",
			token:   sign(t, other, jwt.MapClaims{"iss": "claimrelay", "aud": "claimrelay-admin", "sub": "x", "exp": exp}),
			wantErr: true,
		},
		{
			name:    "HMAC token",
			token:   mustHS256(t),
			wantErr: true,
		},
		{name: "garbage", token: "not.a.jwt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := v.ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if sub != tt.wantSub {
				t.Errorf("sub = %q, want %q", sub, tt.wantSub)
			}
		})
	}
}

func mustHS256(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "claimrelay", "aud": "claimrelay-admin", "sub": "x", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMiddleware(t *testing.T) {
	key, pub := newKeyPair(t)
	v, err := NewJWTValidator(pub, "claimrelay", "claimrelay-admin")
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.GET("/v1/circuits", v.Middleware(), func(c *gin.Context) {
		sub, _ := OperatorFromContext(c.Request.Context())
		c.String(http.StatusOK, sub)
	})

	good := sign(t, key, jwt.MapClaims{"iss": "claimrelay", "aud": "claimrelay-admin", "sub": "ops", "exp": time.Now().Add(time.Hour).Unix()})
	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{"no header", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic abc", http.StatusUnauthorized, ""},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
		{"valid", "Bearer " + good, http.StatusOK, "ops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/circuits", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantBody != "" && w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}
}
