package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Identity is what the provider callback resolves to: a stable
// external id plus the account email.
type Identity struct {
	ExternalID string
	Email      string
}

// IdentityProvider abstracts the OAuth identity exchange so handlers
// and tests do not depend on Google.
type IdentityProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (Identity, error)
}

// GoogleProvider exchanges an OAuth callback code for the Google
// userinfo profile.
type GoogleProvider struct {
	config *oauth2.Config
}

func NewGoogleProvider(clientID, clientSecret, redirectURL string) *GoogleProvider {
	return &GoogleProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{oauth2api.UserinfoEmailScope, oauth2api.UserinfoProfileScope},
			Endpoint:     google.Endpoint,
		},
	}
}

func (p *GoogleProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (p *GoogleProvider) Exchange(ctx context.Context, code string) (Identity, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return Identity{}, fmt.Errorf("exchange oauth code: %w", err)
	}

	svc, err := oauth2api.NewService(ctx, option.WithTokenSource(p.config.TokenSource(ctx, token)))
	if err != nil {
		return Identity{}, fmt.Errorf("create userinfo service: %w", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return Identity{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	if info.Id == "" {
		return Identity{}, fmt.Errorf("userinfo response missing subject id")
	}

	return Identity{ExternalID: info.Id, Email: info.Email}, nil
}
