package oauth2

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpstream marks network failures and unusable responses from the provider.
var ErrUpstream = errors.New("identity provider unavailable")

// ProtocolError is returned when the provider rejects an authorization code.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth2 error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("oauth2 error %s", e.Code)
}

// Provider is the identity provider surface used by the login flow.
type Provider interface {
	GetName() string
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Token, error)
	FetchProfile(ctx context.Context, token *Token) (*Profile, error)
}

// Token is the provider access token. It is a secret: never log or persist it in clear.
type Token struct {
	AccessToken string
}

// String keeps the secret out of fmt output.
func (t *Token) String() string {
	return "oauth2.Token{AccessToken:<redacted>}"
}

// Profile is the authenticated user as the provider reports it.
type Profile struct {
	ExternalID  string
	Username    string
	Email       *string
	DisplayName *string
}
