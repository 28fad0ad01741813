// Auth is adapted from the teacher's admin-allowlist JWT middleware: the
// same bearer-token parsing and claims extraction, generalized from a
// single hardcoded admin allowlist to Hive's roster-driven identity model.
package api

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/config"
)

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	User    string
	IsAdmin bool
}

// Authenticator verifies bearer tokens against the server's JWT secret and
// resolves admin status from the roster rather than trusting a claim, so a
// forged "isAdmin" field in a token signed by someone else's secret cannot
// grant authority that the roster config doesn't also grant.
type Authenticator struct {
	secret string
	roster *config.Config
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(secret string, roster *config.Config) *Authenticator {
	return &Authenticator{secret: secret, roster: roster}
}

// Authenticate parses the Authorization header and returns the caller's
// identity, or Unauthorized.
func (a *Authenticator) Authenticate(authHeader string) (Identity, error) {
	token := bearerToken(authHeader)
	if token == "" {
		return Identity{}, apierr.NewUnauthorized("missing bearer token")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return Identity{}, apierr.NewUnauthorized("invalid bearer token")
	}

	user := strings.ToLower(strings.TrimSpace(firstStringClaim(claims, "sub", "user")))
	if user == "" || !a.roster.IsRosterMember(user) {
		return Identity{}, apierr.NewUnauthorized("token subject is not a roster member")
	}

	return Identity{User: user, IsAdmin: a.roster.IsRosterAdmin(user)}, nil
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func firstStringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}
