package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func signHS256(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return header + "." + payload + "." + sig
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	v := NewJWTVerifier("secret")
	token := signHS256(t, "secret", map[string]any{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	userID, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-42" {
		t.Fatalf("userID = %q, want user-42", userID)
	}
}

func TestJWTVerifier_Rejections(t *testing.T) {
	v := NewJWTVerifier("secret")
	future := time.Now().Add(time.Hour).Unix()

	cases := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-jwt"},
		{name: "two dots only", token: ".."},
		{name: "wrong secret", token: signHS256(t, "other", map[string]any{"sub": "u", "exp": future})},
		{name: "expired", token: signHS256(t, "secret", map[string]any{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})},
		{name: "missing exp", token: signHS256(t, "secret", map[string]any{"sub": "u"})},
		{name: "missing sub", token: signHS256(t, "secret", map[string]any{"exp": future})},
		{name: "not yet valid", token: signHS256(t, "secret", map[string]any{"sub": "u", "exp": future, "nbf": future})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.token); err == nil {
				t.Fatalf("Verify accepted %q", tc.name)
			}
		})
	}
}

func TestJWTVerifier_UnsupportedAlg(t *testing.T) {
	v := NewJWTVerifier("secret")

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u","exp":99999999999}`))
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	if _, err := v.Verify(header + "." + payload + "." + sig); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("err = %v, want ErrUnsupportedJWT", err)
	}
}

func TestSharedKey(t *testing.T) {
	v := SharedKey{Expected: "hunter2"}

	if _, err := v.Verify("hunter2"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := v.Verify("wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := v.Verify(""); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := (SharedKey{}).Verify("anything"); err == nil {
		t.Fatalf("unconfigured key accepted a token")
	}
}

func TestCheckClaim(t *testing.T) {
	if err := CheckClaim("", "anyone"); err != nil {
		t.Fatalf("unbound identity rejected: %v", err)
	}
	if err := CheckClaim("u1", "u1"); err != nil {
		t.Fatalf("matching claim rejected: %v", err)
	}
	if err := CheckClaim("u1", "u2"); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("err = %v, want ErrUserMismatch", err)
	}
}
