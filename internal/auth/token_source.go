// Package auth implements odata.TokenSource against Azure AD's OAuth2
// client-credentials flow, the credential flow Dynamics 365 expects for
// unattended service-principal access.
package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentials obtains Dynamics access tokens via an Azure AD
// app registration's client ID/secret.
type ClientCredentials struct {
	cfg clientcredentials.Config
}

// NewClientCredentials builds a ClientCredentials token source scoped to
// the given Dynamics organization host.
func NewClientCredentials(tenantID, clientID, clientSecret, host string) *ClientCredentials {
	return &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
			Scopes:       []string{host + "/.default"},
		},
	}
}

// Token implements odata.TokenSource.
func (c *ClientCredentials) Token(ctx context.Context) (string, time.Time, error) {
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("fetch Azure AD token: %w", err)
	}
	return tok.AccessToken, tok.Expiry, nil
}
