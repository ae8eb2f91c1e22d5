package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/canonical"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"github.com/jmerrifield20/consentledger/internal/ledger"
)

// VerificationStatus is the outcome tag of a receipt verification.
type VerificationStatus string

const (
	VerificationActive           VerificationStatus = "active"
	VerificationRevoked          VerificationStatus = "revoked"
	VerificationExpired          VerificationStatus = "expired"
	VerificationUnknown          VerificationStatus = "unknown"
	VerificationInvalidFormat    VerificationStatus = "invalid_format"
	VerificationInvalidSignature VerificationStatus = "invalid_signature"
)

// VerificationResult is the complete answer for a presented receipt. A
// failed verification is a normal result, never an error.
type VerificationResult struct {
	Valid   bool               `json:"valid"`
	Status  VerificationStatus `json:"status"`
	Message string             `json:"message"`
}

// PresentedReceipt is a receipt supplied by a relying party. Payload keeps
// numbers as json.Number so it canonicalises to the bytes that were signed.
type PresentedReceipt struct {
	Payload   map[string]any
	Signature string
}

// DecodePresented extracts a receipt from a request body. It accepts either
// {"receipt": {...}} or the receipt object itself, and reads the payload from
// "payload" or its alias "receipt_payload". Missing or mistyped fields are
// left empty for the pipeline to report as invalid_format.
func DecodePresented(raw []byte) (*PresentedReceipt, error) {
	v, err := canonical.Decode(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("receipt must be a JSON object")
	}
	if inner, ok := obj["receipt"].(map[string]any); ok {
		obj = inner
	}

	r := &PresentedReceipt{}
	for _, key := range []string{"payload", "receipt_payload"} {
		if p, ok := obj[key].(map[string]any); ok {
			r.Payload = p
			break
		}
	}
	r.Signature, _ = obj["signature"].(string)
	return r, nil
}

// SignatureVerifier checks a base64 signature over a payload.
// *signature.Service and *signature.Verifier satisfy this interface.
type SignatureVerifier interface {
	VerifyBase64(payload any, sig string) (bool, error)
}

// consentLookup is the Ledger Store access the pipeline needs.
type consentLookup interface {
	GetConsent(ctx context.Context, id uuid.UUID) (*model.Consent, error)
}

// Pipeline runs the ordered, short-circuiting receipt checks: structure,
// signature, declared expiry, then stored consent status.
type Pipeline struct {
	verifier SignatureVerifier
	consents consentLookup
	now      func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(verifier SignatureVerifier, consents consentLookup) *Pipeline {
	return &Pipeline{verifier: verifier, consents: consents, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Verify checks r. The error is non-nil only when the Ledger Store fails.
func (p *Pipeline) Verify(ctx context.Context, r *PresentedReceipt) (*VerificationResult, error) {
	if r == nil || r.Payload == nil || r.Signature == "" {
		return result(VerificationInvalidFormat, "Missing payload or signature"), nil
	}

	ok, err := p.verifier.VerifyBase64(r.Payload, r.Signature)
	if err != nil {
		return result(VerificationInvalidFormat, "Payload cannot be canonicalised"), nil
	}
	if !ok {
		return result(VerificationInvalidSignature, "Cryptographic verification failed"), nil
	}

	now := p.now().UTC()
	if raw, present := r.Payload["expiry"]; present && raw != nil {
		s, isString := raw.(string)
		if !isString {
			return result(VerificationInvalidFormat, "Expiry is not a timestamp"), nil
		}
		expiry, err := hashchain.ParseTimestamp(s)
		if err != nil {
			return result(VerificationInvalidFormat, "Expiry is not a timestamp"), nil
		}
		if now.After(expiry) {
			return result(VerificationExpired, "Consent has expired"), nil
		}
	}

	idStr, _ := r.Payload["consent_id"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return result(VerificationUnknown, "Consent ID not found in ledger"), nil
	}
	c, err := p.consents.GetConsent(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return result(VerificationUnknown, "Consent ID not found in ledger"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up consent %s: %w", id, err)
	}

	switch c.EffectiveStatus(now) {
	case model.StatusRevoked:
		return result(VerificationRevoked, "Consent has been revoked by user"), nil
	case model.StatusExpired:
		return result(VerificationExpired, "Consent marked expired in ledger"), nil
	}
	return &VerificationResult{Valid: true, Status: VerificationActive, Message: "Consent is valid and active"}, nil
}

func result(status VerificationStatus, msg string) *VerificationResult {
	return &VerificationResult{Valid: false, Status: status, Message: msg}
}
