package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const (
	tokenIssuer   = "modelqueue"
	tokenAudience = "modelqueue-worker"
)

// verifyBearerJWT accepts an HS256 token signed with secret that names this
// service as audience and carries "admin": true.
func verifyBearerJWT(token, secret string, now time.Time) bool {
	if token == "" || secret == "" {
		return false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil || header.Alg != "HS256" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, mac.Sum(nil)) {
		return false
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	var claims struct {
		Exp   *float64 `json:"exp"`
		Iss   *string  `json:"iss"`
		Aud   any      `json:"aud"`
		Admin bool     `json:"admin"`
	}
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return false
	}
	if claims.Exp != nil && int64(*claims.Exp) < now.Unix() {
		return false
	}
	if claims.Iss != nil && *claims.Iss != tokenIssuer {
		return false
	}
	return audAllows(claims.Aud) && claims.Admin
}

func audAllows(val any) bool {
	switch v := val.(type) {
	case string:
		return v == tokenAudience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == tokenAudience {
				return true
			}
		}
	}
	return false
}
