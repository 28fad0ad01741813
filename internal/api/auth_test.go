package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hive/server/internal/apierr"
	"github.com/hive/server/internal/config"
)

func testRoster() *config.Config {
	return &config.Config{Roster: []config.RosterUser{
		{Name: "chris", IsAdmin: true},
		{Name: "clio"},
	}}
}

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func TestAuthenticateAcceptsValidRosterToken(t *testing.T) {
	t.Parallel()
	auth := NewAuthenticator("s3cret", testRoster())
	tok := signedToken(t, "s3cret", jwt.MapClaims{"sub": "Chris", "exp": time.Now().Add(time.Hour).Unix()})

	id, err := auth.Authenticate("Bearer " + tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.User != "chris" || !id.IsAdmin {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	t.Parallel()
	auth := NewAuthenticator("s3cret", testRoster())
	if _, err := auth.Authenticate(""); !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	auth := NewAuthenticator("s3cret", testRoster())
	tok := signedToken(t, "wrong-secret", jwt.MapClaims{"sub": "chris"})

	if _, err := auth.Authenticate("Bearer " + tok); !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestAuthenticateRejectsNonRosterSubject(t *testing.T) {
	t.Parallel()
	auth := NewAuthenticator("s3cret", testRoster())
	tok := signedToken(t, "s3cret", jwt.MapClaims{"sub": "intruder"})

	if _, err := auth.Authenticate("Bearer " + tok); !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestAuthenticateIgnoresForgedAdminClaim(t *testing.T) {
	t.Parallel()
	auth := NewAuthenticator("s3cret", testRoster())
	tok := signedToken(t, "s3cret", jwt.MapClaims{"sub": "clio", "isAdmin": true})

	id, err := auth.Authenticate("Bearer " + tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.IsAdmin {
		t.Fatal("admin status must come from the roster, not the token's own claim")
	}
}

func TestAuthenticateRejectsNonBearerScheme(t *testing.T) {
	t.Parallel()
	auth := NewAuthenticator("s3cret", testRoster())
	if _, err := auth.Authenticate("Basic abc123"); !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}
