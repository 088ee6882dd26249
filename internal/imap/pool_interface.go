package imap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/models"
)

// Connector opens a fresh authenticated Session for an account.
// The pool depends on this interface so tests can inject fake sessions.
type Connector interface {
	Connect(ctx context.Context, account *models.Account) (Session, error)
}

// DialConnector connects to the account's IMAP host over the network.
type DialConnector struct {
	Sealer *crypto.CredentialSealer
	// OAuth exchanges refresh tokens for access tokens. Nil disables OAuth accounts.
	OAuth          *oauth2.Config
	UseTLS         bool
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// NewGoogleOAuthConfig is the OAuth client used for Gmail IMAP access.
func NewGoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	if clientID == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://mail.google.com/"},
	}
}

func (d *DialConnector) Connect(ctx context.Context, account *models.Account) (Session, error) {
	addr, host, port := hostAddr(account.IMAPHost)

	c, err := Dial(ctx, addr, d.UseTLS, d.DialTimeout)
	if err != nil {
		return nil, err
	}
	c.Timeout = d.CommandTimeout

	if err := d.authenticate(ctx, c, account, host, port); err != nil {
		_ = c.Logout()
		return nil, err
	}

	if account.IsGmail() {
		s, err := NewGmailCrispinClient(c)
		if err != nil {
			_ = c.Logout()
			return nil, err
		}
		return s, nil
	}

	s, err := NewCrispinClient(c)
	if err != nil {
		_ = c.Logout()
		return nil, err
	}
	return s, nil
}

func (d *DialConnector) authenticate(ctx context.Context, c *client.Client, account *models.Account, host string, port int) error {
	if account.UsesOAuth() {
		if d.OAuth == nil {
			return fmt.Errorf("%w: OAuth is not configured", ErrAuthFailed)
		}
		refresh, err := d.Sealer.Open(account.ID, account.OAuthRefreshToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		token, err := d.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			return fmt.Errorf("failed to refresh access token: %w", err)
		}
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: account.EmailAddress,
			Token:    token.AccessToken,
			Host:     host,
			Port:     port,
		})
		if err := c.Authenticate(auth); err != nil {
			return classifyLoginError(err)
		}
		return nil
	}

	password, err := d.Sealer.Open(account.ID, account.EncryptedPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}
	if err := c.Login(account.EmailAddress, password); err != nil {
		return classifyLoginError(err)
	}
	return nil
}

// classifyLoginError separates rejected credentials from network trouble.
// A tagged NO/BAD reply to LOGIN or AUTHENTICATE means the server refused us.
func classifyLoginError(err error) error {
	if IsRetryable(err) {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrAuthFailed, err)
}

var (
	_ Session      = (*CrispinClient)(nil)
	_ GmailSession = (*GmailCrispinClient)(nil)
	_ Connector    = (*DialConnector)(nil)
)
