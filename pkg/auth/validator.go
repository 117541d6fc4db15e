package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the gate expects. The tenant binding is
// mandatory; a token without one is rejected even if the signature
// checks out.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// APIKey maps a static key to a principal. Intended for agent and
// service callers that cannot do a token dance.
type APIKey struct {
	Key       string
	TenantID  string
	Principal string
	Roles     []string
}

// Validator authenticates bearer tokens and API keys. A nil Validator
// rejects everything: the gate fails closed.
type Validator struct {
	secret  []byte
	methods []string
	keys    []APIKey
}

// NewValidator builds a Validator over an HMAC signing secret and an
// optional API key table.
func NewValidator(secret []byte, keys []APIKey) *Validator {
	if len(secret) == 0 && len(keys) == 0 {
		return nil
	}
	return &Validator{
		secret:  secret,
		methods: []string{"HS256", "HS384", "HS512"},
		keys:    keys,
	}
}

// ValidateToken parses and verifies a bearer token.
func (v *Validator) ValidateToken(tokenStr string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("token authentication not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods(v.methods))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	if claims.TenantID == "" {
		return nil, errors.New("token tenant binding is required")
	}
	return claims, nil
}

// ValidateAPIKey resolves a static key to its principal.
func (v *Validator) ValidateAPIKey(key string) (*BasePrincipal, error) {
	if v == nil || key == "" {
		return nil, errors.New("api key authentication not configured")
	}
	for _, k := range v.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
			return &BasePrincipal{
				ID:       k.Principal,
				TenantID: k.TenantID,
				Roles:    k.Roles,
			}, nil
		}
	}
	return nil, errors.New("unknown api key")
}
