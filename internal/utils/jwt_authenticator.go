package utils

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// AuthenticatedUser is the subset of access-token claims the API uses.
type AuthenticatedUser struct {
	Sub      string   `json:"sub"`
	Iss      string   `json:"iss"`
	ClientId string   `json:"client_id"`
	Exp      int64    `json:"exp"`
	Iat      int64    `json:"iat"`
	Aud      []string `json:"aud"`
	Roles    []string `json:"roles"`
	Scopes   []string `json:"scopes"`
}

// JwtAuthenticator validates RS256 bearer tokens against a JWKS endpoint.
type JwtAuthenticator struct {
	JwksUri  string
	cacheTTL time.Duration

	mu        sync.Mutex
	keySet    jwk.Set
	fetchedAt time.Time
}

func NewJwtAuthenticator(jwksUri string) *JwtAuthenticator {
	return &JwtAuthenticator{
		JwksUri:  jwksUri,
		cacheTTL: 5 * time.Minute,
	}
}

func (a *JwtAuthenticator) ValidateToken(tokenString string) (*AuthenticatedUser, error) {
	if a.JwksUri == "" {
		return nil, errors.New("JWKS URI not configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.Newf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return a.lookupKey(context.Background(), kid)
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return a.mapClaimsToUser(claims)
}

// lookupKey resolves kid from the cached key set, refetching once when the
// cache is stale or the key is unknown (rotation).
func (a *JwtAuthenticator) lookupKey(ctx context.Context, kid string) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if a.keySet == nil || attempt > 0 || time.Since(a.fetchedAt) > a.cacheTTL {
			set, err := jwk.Fetch(ctx, a.JwksUri)
			if err != nil {
				return nil, errors.Wrap(err, "failed to fetch JWKS")
			}
			a.keySet = set
			a.fetchedAt = time.Now()
		}
		if key, ok := a.keySet.LookupKeyID(kid); ok {
			var raw interface{}
			if err := key.Raw(&raw); err != nil {
				return nil, errors.Wrap(err, "failed to read JWK")
			}
			return raw, nil
		}
	}
	return nil, errors.Newf("key %s not found in JWKS", kid)
}

func (a *JwtAuthenticator) mapClaimsToUser(claims map[string]interface{}) (*AuthenticatedUser, error) {
	user := &AuthenticatedUser{
		Sub:      stringClaim(claims, "sub"),
		Iss:      stringClaim(claims, "iss"),
		ClientId: stringClaim(claims, "client_id"),
		Exp:      int64Claim(claims, "exp"),
		Iat:      int64Claim(claims, "iat"),
		Aud:      stringsClaim(claims, "aud"),
		Roles:    stringsClaim(claims, "roles"),
		Scopes:   stringsClaim(claims, "scopes"),
	}
	return user, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	v, _ := claims[key].(string)
	return v
}

func int64Claim(claims map[string]interface{}, key string) int64 {
	switch v := claims[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func stringsClaim(claims map[string]interface{}, key string) []string {
	switch v := claims[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
