package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tazhate/calsync/config"
	"github.com/tazhate/calsync/internal/domain"
	"golang.org/x/oauth2"
)

// Tokens without an expiry from the provider are treated as valid this long
const defaultTokenLifetime = time.Hour

type CredentialStore interface {
	GetCredential(ctx context.Context, userID int64) (*domain.Credential, error)
	UpdateCredentialToken(ctx context.Context, userID int64, accessEnc, refreshEnc string, expiry time.Time) error
}

// TokenRefresher performs the provider's refresh-token grant
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

// AccessToken is a decrypted token that is valid at the time it is returned
type AccessToken struct {
	Value      string
	Expiry     time.Time
	TimeZone   string
	CalendarID string
}

// TokenManager hands out valid access tokens, refreshing and persisting
// expired ones first. It holds no lock; callers serialize runs per user.
type TokenManager struct {
	store     CredentialStore
	refresher TokenRefresher
	cipher    Cipher
	now       func() time.Time
	logger    *slog.Logger
}

func NewTokenManager(store CredentialStore, refresher TokenRefresher, cipher Cipher, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		store:     store,
		refresher: refresher,
		cipher:    cipher,
		now:       time.Now,
		logger:    logger,
	}
}

// EnsureValidCredential returns a usable access token or an *AuthError
func (m *TokenManager) EnsureValidCredential(ctx context.Context, userID int64) (*AccessToken, error) {
	fail := func(kind AuthErrorKind, err error) (*AccessToken, error) {
		return nil, &AuthError{Kind: kind, UserID: userID, Err: err}
	}

	cred, err := m.store.GetCredential(ctx, userID)
	if err != nil {
		return fail(RefreshFailed, err)
	}
	if !cred.IsConnected() {
		return fail(NotConnected, nil)
	}

	refreshToken, err := m.cipher.Decrypt(cred.RefreshTokenEnc)
	if err != nil {
		return fail(RefreshFailed, err)
	}
	accessToken, err := m.cipher.Decrypt(cred.AccessTokenEnc)
	if err != nil {
		return fail(RefreshFailed, err)
	}

	token := &AccessToken{
		Value:      accessToken,
		Expiry:     cred.Expiry,
		TimeZone:   cred.TimeZone,
		CalendarID: cred.CalendarID,
	}

	now := m.now()
	if accessToken != "" && now.Before(cred.Expiry) {
		return token, nil
	}

	m.logger.Info("refreshing access token", "user_id", userID, "expired_at", cred.Expiry)

	fresh, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return fail(RefreshFailed, err)
	}
	if fresh == nil || fresh.AccessToken == "" {
		return fail(RefreshFailed, errors.New("empty access token in refresh response"))
	}

	expiry := fresh.Expiry
	if expiry.IsZero() {
		expiry = now.Add(defaultTokenLifetime)
	}

	accessEnc, err := m.cipher.Encrypt(fresh.AccessToken)
	if err != nil {
		return fail(RefreshFailed, err)
	}
	// empty keeps the stored refresh token
	var refreshEnc string
	if fresh.RefreshToken != "" && fresh.RefreshToken != refreshToken {
		refreshEnc, err = m.cipher.Encrypt(fresh.RefreshToken)
		if err != nil {
			return fail(RefreshFailed, err)
		}
	}

	if err := m.store.UpdateCredentialToken(ctx, userID, accessEnc, refreshEnc, expiry); err != nil {
		return fail(RefreshFailed, err)
	}

	token.Value = fresh.AccessToken
	token.Expiry = expiry
	return token, nil
}

// OAuthRefresher runs the refresh grant against the configured token URL
type OAuthRefresher struct {
	cfg    *oauth2.Config
	client *http.Client
}

// NewOAuthRefresher builds a refresher from the provider config. A nil
// client uses the oauth2 default transport.
func NewOAuthRefresher(pc config.ProviderConfig, client *http.Client) *OAuthRefresher {
	return &OAuthRefresher{
		cfg: &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			Scopes:       pc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  pc.AuthURL,
				TokenURL: pc.TokenURL,
			},
		},
		client: client,
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	// no access token, so the source goes straight to the refresh grant
	return r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}
