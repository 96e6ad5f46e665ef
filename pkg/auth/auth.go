// Package auth defines the token provider abstraction for HTTP and SSE
// outbound transports and the OAuth-required control signal.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// Provider supplies bearer tokens for outbound servers. Implementations may
// return *OAuthRequiredError from Token to signal that the user must visit
// an authorization URL before a token can be issued.
type Provider interface {
	// Token returns a bearer token for the named resource.
	Token(ctx context.Context, resource string) (string, error)

	// FinishAuth exchanges an authorization code for a token, completing
	// a flow previously signalled via OAuthRequiredError.
	FinishAuth(ctx context.Context, code string) (string, error)
}

// OAuthRequiredError signals that an outbound server demands interactive
// authorization. The loading manager treats it as a control signal, not a
// failure: the server parks in an awaiting-authorization state instead of
// being retried.
type OAuthRequiredError struct {
	Server           string
	AuthorizationURL string
}

func (e *OAuthRequiredError) Error() string {
	return fmt.Sprintf("server %q requires OAuth authorization at %s", e.Server, e.AuthorizationURL)
}

// AsOAuthRequired unwraps err to an OAuthRequiredError if one is present.
func AsOAuthRequired(err error) (*OAuthRequiredError, bool) {
	var oe *OAuthRequiredError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
