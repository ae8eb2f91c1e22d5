// Package model defines the consent domain records: the signed receipt
// payload, the receipt itself, and the mutable consent lifecycle.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PayloadVersion is stamped into every receipt payload.
const PayloadVersion = "1.0"

// Purpose is one (purpose_code, data_categories) pair in a receipt.
type Purpose struct {
	Code       string   `json:"purpose"`
	Categories []string `json:"categories"`
}

// Payload is the signed body of a consent receipt. It is immutable once
// signed: adding a field changes its canonical bytes and therefore its
// signature, so historical receipts must never be re-shaped.
type Payload struct {
	Version   string    `json:"version"`
	ConsentID string    `json:"consent_id"`
	UserID    string    `json:"user_id"`
	AppID     string    `json:"app_id"`
	AppName   string    `json:"app_name"`
	Timestamp string    `json:"timestamp"`
	Expiry    string    `json:"expiry"`
	Purposes  []Purpose `json:"purposes"`
}

// Receipt is a payload together with its signature.
type Receipt struct {
	Payload   Payload   `json:"payload"`
	Signature []byte    `json:"signature"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError reports malformed input rejected before any crypto work.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the payload shape before it is canonicalised and signed.
func (p *Payload) Validate() error {
	if _, err := uuid.Parse(p.ConsentID); err != nil {
		return &ValidationError{Field: "consent_id", Reason: "must be a UUID"}
	}
	if strings.TrimSpace(p.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	if strings.TrimSpace(p.AppID) == "" {
		return &ValidationError{Field: "app_id", Reason: "required"}
	}
	if p.Timestamp == "" {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if p.Expiry == "" {
		return &ValidationError{Field: "expiry", Reason: "required"}
	}
	return ValidatePurposes(p.Purposes)
}

// ValidatePurposes requires at least one purpose, each with a code.
func ValidatePurposes(purposes []Purpose) error {
	if len(purposes) == 0 {
		return &ValidationError{Field: "purposes", Reason: "at least one purpose is required"}
	}
	for i, pu := range purposes {
		if strings.TrimSpace(pu.Code) == "" {
			return &ValidationError{Field: fmt.Sprintf("purposes[%d].purpose", i), Reason: "required"}
		}
		if pu.Categories == nil {
			purposes[i].Categories = []string{}
		}
	}
	return nil
}
