package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a consent.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool { return s == StatusRevoked || s == StatusExpired }

var (
	// ErrInvalidTransition is returned when a lifecycle change is not allowed
	// from the consent's stored status.
	ErrInvalidTransition = errors.New("invalid consent status transition")

	// ErrNotYetExpired is returned by MarkExpired before the expiry time.
	ErrNotYetExpired = errors.New("consent has not reached its expiry time")
)

// Consent is the mutable record tracking one grant. Only Status and
// RevokedAt change after creation.
type Consent struct {
	ID         uuid.UUID  `json:"consent_id"`
	UserID     string     `json:"user_id"`
	AppID      string     `json:"app_id"`
	Status     Status     `json:"status"`
	ExpiryTime time.Time  `json:"expiry_time"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether now is past the consent's expiry time.
func (c *Consent) Expired(now time.Time) bool {
	return now.After(c.ExpiryTime)
}

// EffectiveStatus returns the status as observed at now. Expiry is derived
// here at read time; nothing rewrites the stored status when the clock passes
// ExpiryTime.
func (c *Consent) EffectiveStatus(now time.Time) Status {
	if c.Status == StatusActive && c.Expired(now) {
		return StatusExpired
	}
	return c.Status
}

// Revoke moves the consent to revoked. Revoking an already revoked consent
// is a no-op that keeps the original RevokedAt. A consent explicitly marked
// expired cannot be revoked.
func (c *Consent) Revoke(now time.Time) error {
	switch c.Status {
	case StatusActive:
		t := now.UTC()
		c.Status = StatusRevoked
		c.RevokedAt = &t
		return nil
	case StatusRevoked:
		return nil
	default:
		return ErrInvalidTransition
	}
}

// MarkExpired records an explicit expiry for an active consent whose expiry
// time has passed.
func (c *Consent) MarkExpired(now time.Time) error {
	if c.Status != StatusActive {
		return ErrInvalidTransition
	}
	if !c.Expired(now) {
		return ErrNotYetExpired
	}
	c.Status = StatusExpired
	return nil
}
