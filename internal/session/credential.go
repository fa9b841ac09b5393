package session

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/diceware-go/internal/tokenfile"
)

// Credential is the bearer token the Diceware server accepts plus the
// identity it was issued to. Treat it as immutable once returned.
type Credential struct {
	// Token is the OpenID ID token when the provider issued one, otherwise
	// the OAuth2 access token.
	Token   string
	Subject string
	Email   string
	Name    string
	Expiry  time.Time
}

// Display returns the best human-readable name for the signed-in account.
func (c *Credential) Display() string {
	switch {
	case c == nil:
		return ""
	case c.Email != "":
		return c.Email
	case c.Name != "":
		return c.Name
	default:
		return c.Subject
	}
}

// Expired reports whether the credential's expiry has passed at now. A zero
// expiry never expires.
func (c *Credential) Expired(now time.Time) bool {
	return c != nil && !c.Expiry.IsZero() && c.Expiry.Before(now)
}

func (s *Session) credentialFrom(tok *oauth2.Token, idToken string, stored tokenfile.Identity) *Credential {
	cred := &Credential{
		Token:   tok.AccessToken,
		Subject: stored.Subject,
		Email:   stored.Email,
		Name:    stored.Name,
		Expiry:  tok.Expiry,
	}

	if idToken == "" {
		return cred
	}

	cred.Token = idToken

	claims, err := parseIDToken(idToken)
	if err != nil {
		s.logger.Debug("id token claims unreadable, keeping stored identity")
		return cred
	}

	id := claims.identity()
	cred.Subject, cred.Email, cred.Name = id.Subject, id.Email, id.Name

	if claims.Expiry != nil {
		cred.Expiry = claims.Expiry.Time()
	}

	return cred
}

// idTokenAlgorithms lists the signature algorithms accepted when parsing an
// ID token. Signatures are checked by the Diceware server, not here.
var idTokenAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.EdDSA, jose.HS256,
}

type idClaims struct {
	jwt.Claims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (c idClaims) identity() tokenfile.Identity {
	return tokenfile.Identity{Subject: c.Subject, Email: c.Email, Name: c.Name}
}

// parseIDToken reads the claims of a compact JWS without verifying it.
func parseIDToken(raw string) (idClaims, error) {
	var claims idClaims

	if raw == "" {
		return claims, fmt.Errorf("session: empty id token")
	}

	tok, err := jwt.ParseSigned(raw, idTokenAlgorithms)
	if err != nil {
		return claims, fmt.Errorf("session: parsing id token: %w", err)
	}

	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return claims, fmt.Errorf("session: reading id token claims: %w", err)
	}

	return claims, nil
}
