package models

import "time"

// DeviceClaimCode pairs a desktop client with an account. A code is live
// while it is neither consumed, invalidated nor expired.
type DeviceClaimCode struct {
	ID            string
	ClaimCode     string
	UserID        string
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	InvalidatedAt *time.Time
	DeviceID      *string
	CreatedAt     time.Time
}

// IsLive reports whether the code can still be claimed at now
func (c *DeviceClaimCode) IsLive(now time.Time) bool {
	return c.ConsumedAt == nil && c.InvalidatedAt == nil && c.ExpiresAt.After(now)
}

// DeviceSession is the refresh-token holder created by a successful claim
type DeviceSession struct {
	ID               string
	UserID           string
	DeviceID         string
	DeviceName       *string
	Platform         *string
	RefreshTokenHash string
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	CreatedAt        time.Time
	LastUsedAt       *time.Time
}

// IsValid reports whether the session's refresh token may be used at now
func (s *DeviceSession) IsValid(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}
