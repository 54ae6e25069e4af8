package models

import "time"

// Package is a catalog entry. Rows are managed by admin tooling and never
// mutated by end-user actions.
type Package struct {
	ID             string
	Name           string
	Description    string
	PriceCents     int64
	Currency       string
	BasicMinutes   int
	PremiumMinutes int
	ValidityDays   int // 0 = never expires
	SortOrder      int
	IsActive       bool
	IsTrial        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExpiresAt returns the expiry for a grant starting at start, or nil when the
// package never expires.
func (p *Package) ExpiresAt(start time.Time) *time.Time {
	return expiryFrom(start, p.ValidityDays)
}

func expiryFrom(start time.Time, validityDays int) *time.Time {
	if validityDays <= 0 {
		return nil
	}
	t := start.AddDate(0, 0, validityDays)
	return &t
}
