package models

import "time"

// PortalCredential holds the OAuth state for one CRM tenant. The client
// id/secret are static per tenant; the token pair is rotated by the token
// refresh cycle and must never be mutated by anything else.
type PortalCredential struct {
	ID             int64     `json:"id"`
	PortalAddress  string    `json:"portalAddress"`
	ClientID       string    `json:"clientId"`
	ClientSecret   string    `json:"-"`
	AccessToken    string    `json:"-"`
	RefreshToken   string    `json:"-"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TokenExpiring reports whether the access token is within the refresh
// margin of its expiry (or already expired).
func (c *PortalCredential) TokenExpiring(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.TokenExpiresAt.IsZero() {
		return true
	}
	return !now.Before(c.TokenExpiresAt.Add(-margin))
}
