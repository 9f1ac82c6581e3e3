// Package gateway talks to the SMART broker backend and to FHIR servers
package gateway

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AuthorizeRequest holds the parameters of a brokered authorize call
type AuthorizeRequest struct {
	Iss         string
	RedirectURI string
	Scope       string // optional
	Aud         string // optional
	Vendor      string // optional
}

// AuthorizeResult is the broker's SMART authorize response
type AuthorizeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	CodeVerifier     string `json:"code_verifier"`
	Iss              string `json:"iss"`
	RedirectURI      string `json:"redirect_uri"`
	Vendor           string `json:"vendor,omitempty"`
}

// ExchangeRequest is the body of the brokered token exchange
type ExchangeRequest struct {
	Code         string `json:"code"`
	Iss          string `json:"iss"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	Vendor       string `json:"vendor,omitempty"`
}

// TokenResult is the broker's token exchange response
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	FHIRBase     string `json:"fhir_base,omitempty"`

	receivedAt time.Time
}

// OAuth2Token converts the exchange response to an oauth2 token. Expiry is
// computed from expires_in relative to when the response was decoded.
func (t *TokenResult) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if t.ExpiresIn > 0 {
		received := t.receivedAt
		if received.IsZero() {
			received = time.Now()
		}
		tok.Expiry = received.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]interface{}{
		"patient":   t.Patient,
		"fhir_base": t.FHIRBase,
		"id_token":  t.IDToken,
	})
}

// IDTokenClaims holds the identity claims a SMART id_token carries
type IDTokenClaims struct {
	FHIRUser string `json:"fhirUser,omitempty"`
	jwt.RegisteredClaims
}

// IDTokenClaims decodes the id_token payload without verifying its
// signature. The token is only used to label the signed-in user; the broker
// has already validated it.
func (t *TokenResult) IDTokenClaims() (*IDTokenClaims, error) {
	if t.IDToken == "" {
		return nil, ErrNoIDToken
	}
	claims := &IDTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.IDToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
