package identity

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("identity: unsupported jwt")

const (
	hmacSHA256SigLen = 32
	maxJWTLen        = 16 * 1024
)

// JWTVerifier verifies HS256 tokens and returns the `sub` claim as the user
// ID. Expiry (`exp`) is required; `nbf` is honored when present.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *JWTVerifier) Verify(token string) (string, error) {
	if token == "" || len(token) > maxJWTLen {
		return "", ErrInvalidToken
	}

	headerB64, payloadB64, sigB64, ok := splitJWT(token)
	if !ok {
		return "", ErrInvalidToken
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return "", ErrInvalidToken
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", ErrInvalidToken
	}
	if header.Alg != "HS256" {
		return "", ErrUnsupportedJWT
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != hmacSHA256SigLen {
		return "", ErrInvalidToken
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", ErrInvalidToken
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", ErrInvalidToken
	}

	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	var claims struct {
		Sub string `json:"sub"`
		Exp int64  `json:"exp"`
		Nbf int64  `json:"nbf"`
	}
	if err := dec.Decode(&claims); err != nil {
		return "", ErrInvalidToken
	}
	// The payload must be exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return "", ErrInvalidToken
	}

	now := v.now().Unix()
	if claims.Exp == 0 || now >= claims.Exp {
		return "", ErrInvalidToken
	}
	if claims.Nbf != 0 && now < claims.Nbf {
		return "", ErrInvalidToken
	}
	if claims.Sub == "" {
		return "", ErrInvalidToken
	}
	return claims.Sub, nil
}

func splitJWT(token string) (header, payload, sig string, ok bool) {
	first := strings.IndexByte(token, '.')
	if first <= 0 {
		return "", "", "", false
	}
	rest := token[first+1:]
	second := strings.IndexByte(rest, '.')
	if second <= 0 || strings.IndexByte(rest[second+1:], '.') != -1 {
		return "", "", "", false
	}
	return token[:first], rest[:second], rest[second+1:], rest[second+1:] != ""
}
