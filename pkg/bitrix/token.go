package bitrix

import (
	"context"
	"time"

	"whatrix/internal/errors"
	"whatrix/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// CredentialStore persists per-tenant OAuth state. The guardian is the only
// writer of the token triple.
type CredentialStore interface {
	GetPortalCredential(ctx context.Context, portalAddress string) (*models.PortalCredential, error)
	UpdatePortalTokens(ctx context.Context, portalAddress, accessToken, refreshToken string, expiresAt time.Time) error
}

// TokenGuardian gates every outbound CRM call on a valid bearer token,
// refreshing lazily at call time when the stored token is within the margin
// of its expiry. Refreshes for the same tenant are single-flighted: a
// losing caller waits for the winner's result instead of issuing its own
// exchange.
type TokenGuardian struct {
	store  CredentialStore
	http   *resty.Client
	margin time.Duration
	group  singleflight.Group
	logger *logrus.Logger
	now    func() time.Time
}

func NewTokenGuardian(store CredentialStore, httpClient *resty.Client, margin time.Duration, logger *logrus.Logger) *TokenGuardian {
	return &TokenGuardian{
		store:  store,
		http:   httpClient,
		margin: margin,
		logger: logger,
		now:    time.Now,
	}
}

// Token returns a bearer token valid for at least the refresh margin,
// refreshing and persisting a rotated pair when needed.
func (g *TokenGuardian) Token(ctx context.Context, portalAddress string) (string, error) {
	cred, err := g.store.GetPortalCredential(ctx, portalAddress)
	if err != nil {
		return "", errors.NewDatabaseError("portal credential lookup", err)
	}
	if cred == nil {
		return "", errors.NewPortalNotConfiguredError(portalAddress)
	}

	if !cred.TokenExpiring(g.now(), g.margin) {
		return cred.AccessToken, nil
	}

	token, err, _ := g.group.Do(portalAddress, func() (interface{}, error) {
		return g.refresh(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (g *TokenGuardian) refresh(ctx context.Context, cred *models.PortalCredential) (string, error) {
	g.logger.WithField("portal", cred.PortalAddress).Info("Access token near expiry, refreshing")

	var auth authResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     cred.ClientID,
			"client_secret": cred.ClientSecret,
			"refresh_token": cred.RefreshToken,
		}).
		SetResult(&auth).
		Get(cred.PortalAddress + "/oauth/token/")
	if err != nil {
		return "", errors.NewAuthRefreshError(cred.PortalAddress, err)
	}
	if resp.IsError() || auth.Error != "" || auth.AccessToken == "" {
		return "", errors.NewAuthRefreshError(cred.PortalAddress,
			&APIError{Code: auth.Error, Description: auth.ErrorDesc}).
			WithContext("status_code", resp.StatusCode())
	}

	expiresAt := g.now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	if err := g.store.UpdatePortalTokens(ctx, cred.PortalAddress, auth.AccessToken, auth.RefreshToken, expiresAt); err != nil {
		return "", errors.NewAuthRefreshError(cred.PortalAddress, err)
	}

	g.logger.WithFields(logrus.Fields{
		"portal":    cred.PortalAddress,
		"expiresAt": expiresAt,
	}).Info("Access token refreshed")

	return auth.AccessToken, nil
}
