// Package service contains the consent business logic: granting signed
// receipts, lifecycle transitions with their audit events, audit queries,
// and the receipt verification pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/consentledger/internal/consent/model"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"go.uber.org/zap"
)

// DefaultExpiryHours applies when a grant request does not set one.
const DefaultExpiryHours = 24

// MaxExpiryHours caps a grant's lifetime at ten years.
const MaxExpiryHours = 10 * 365 * 24

// DefaultRevokeReason is recorded when a revoke request gives no reason.
const DefaultRevokeReason = "User revoked"

// ErrNotOwner is returned when a user acts on another user's consent.
var ErrNotOwner = errors.New("consent belongs to another user")

// consentRepo is the persistence interface for the consent service.
// Every ledger.Store satisfies it.
type consentRepo interface {
	Append(ctx context.Context, d ledger.Draft) (*ledger.AuditEvent, error)
	CreateConsent(ctx context.Context, c *model.Consent) error
	GetConsent(ctx context.Context, id uuid.UUID) (*model.Consent, error)
	ListConsents(ctx context.Context, userID string) ([]*model.Consent, error)
	SetConsentStatus(ctx context.Context, id uuid.UUID, status model.Status, revokedAt *time.Time) error
	SaveReceipt(ctx context.Context, consentID uuid.UUID, r *model.Receipt) error
	GetReceipt(ctx context.Context, consentID uuid.UUID) (*model.Receipt, error)
}

// Signer signs receipt payloads. *signature.Service satisfies this interface.
type Signer interface {
	Sign(payload any) ([]byte, error)
}

// GrantRequest is the input to Grant.
type GrantRequest struct {
	AppID string
	// AppName is a display name carried in the receipt. Defaults to AppID.
	AppName     string
	Purposes    []model.Purpose
	ExpiryHours int
}

// GrantResult is returned by Grant.
type GrantResult struct {
	Consent *model.Consent
	Receipt *model.Receipt
	Event   *ledger.AuditEvent
}

// ConsentService manages the consent lifecycle. Every state change is
// recorded as an audit event on the hash chain.
type ConsentService struct {
	repo   consentRepo
	signer Signer
	logger *zap.Logger
	now    func() time.Time
}

// NewConsentService creates a new ConsentService.
func NewConsentService(repo consentRepo, signer Signer, logger *zap.Logger) *ConsentService {
	return &ConsentService{repo: repo, signer: signer, logger: logger, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (s *ConsentService) SetClock(now func() time.Time) {
	s.now = now
}

// Now returns the service's current time in UTC.
func (s *ConsentService) Now() time.Time {
	return s.now().UTC()
}

// Grant creates an active consent for userID, signs its receipt and appends
// a CONSENT_GRANTED event whose payload is the signed receipt payload.
func (s *ConsentService) Grant(ctx context.Context, userID string, req *GrantRequest) (*GrantResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &model.ValidationError{Field: "user_id", Reason: "required"}
	}
	if strings.TrimSpace(req.AppID) == "" {
		return nil, &model.ValidationError{Field: "app_id", Reason: "required"}
	}
	hours := req.ExpiryHours
	if hours == 0 {
		hours = DefaultExpiryHours
	}
	if hours < 0 {
		return nil, &model.ValidationError{Field: "expiry_hours", Reason: "must be positive"}
	}
	if hours > MaxExpiryHours {
		return nil, &model.ValidationError{Field: "expiry_hours", Reason: fmt.Sprintf("must be at most %d", MaxExpiryHours)}
	}
	if err := model.ValidatePurposes(req.Purposes); err != nil {
		return nil, err
	}

	// The receipt carries microsecond timestamps; keep the row in step.
	now := s.Now().Truncate(time.Microsecond)
	expiry := now.Add(time.Duration(hours) * time.Hour)
	appName := req.AppName
	if appName == "" {
		appName = req.AppID
	}

	c := &model.Consent{
		ID:         uuid.New(),
		UserID:     userID,
		AppID:      req.AppID,
		Status:     model.StatusActive,
		ExpiryTime: expiry,
		CreatedAt:  now,
	}
	payload := model.Payload{
		Version:   model.PayloadVersion,
		ConsentID: c.ID.String(),
		UserID:    userID,
		AppID:     req.AppID,
		AppName:   appName,
		Timestamp: hashchain.FormatTimestamp(now),
		Expiry:    hashchain.FormatTimestamp(expiry),
		Purposes:  req.Purposes,
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	sig, err := s.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}
	receipt := &model.Receipt{Payload: payload, Signature: sig, CreatedAt: now}

	if err := s.repo.CreateConsent(ctx, c); err != nil {
		return nil, fmt.Errorf("create consent: %w", err)
	}
	if err := s.repo.SaveReceipt(ctx, c.ID, receipt); err != nil {
		return nil, fmt.Errorf("store receipt: %w", err)
	}
	event, err := s.repo.Append(ctx, ledger.Draft{
		Type:      ledger.EventConsentGranted,
		ActorID:   userID,
		ActorType: ledger.ActorUser,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("append grant event: %w", err)
	}

	s.logger.Info("consent granted",
		zap.String("consent_id", c.ID.String()),
		zap.String("user_id", userID),
		zap.String("app_id", req.AppID),
		zap.Int64("seq", event.Seq),
	)
	return &GrantResult{Consent: c, Receipt: receipt, Event: event}, nil
}

// Revoke moves a consent owned by actorID to revoked and appends a
// CONSENT_REVOKED event. Revoking an already revoked consent succeeds and
// keeps the original revoked_at, but still records an event.
func (s *ConsentService) Revoke(ctx context.Context, actorID string, id uuid.UUID, reason string) (*model.Consent, *ledger.AuditEvent, error) {
	c, err := s.owned(ctx, actorID, id)
	if err != nil {
		return nil, nil, err
	}

	now := s.Now()
	wasRevoked := c.Status == model.StatusRevoked
	if err := c.Revoke(now); err != nil {
		return nil, nil, err
	}
	if !wasRevoked {
		if err := s.repo.SetConsentStatus(ctx, id, c.Status, c.RevokedAt); err != nil {
			return nil, nil, fmt.Errorf("update consent status: %w", err)
		}
	}

	if strings.TrimSpace(reason) == "" {
		reason = DefaultRevokeReason
	}
	event, err := s.repo.Append(ctx, ledger.Draft{
		Type:      ledger.EventConsentRevoked,
		ActorID:   actorID,
		ActorType: ledger.ActorUser,
		Payload: map[string]any{
			"consent_id": id.String(),
			"action":     "REVOKE",
			"reason":     reason,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("append revoke event: %w", err)
	}

	s.logger.Info("consent revoked",
		zap.String("consent_id", id.String()),
		zap.String("actor_id", actorID),
		zap.Bool("repeat", wasRevoked),
	)
	return c, event, nil
}

// Expire records an explicit expiry for an active consent whose expiry time
// has passed, appending a CONSENT_EXPIRED event. Without this call expiry is
// still observed at read time.
func (s *ConsentService) Expire(ctx context.Context, actorID string, id uuid.UUID) (*model.Consent, *ledger.AuditEvent, error) {
	c, err := s.owned(ctx, actorID, id)
	if err != nil {
		return nil, nil, err
	}

	now := s.Now()
	if err := c.MarkExpired(now); err != nil {
		return nil, nil, err
	}
	if err := s.repo.SetConsentStatus(ctx, id, c.Status, nil); err != nil {
		return nil, nil, fmt.Errorf("update consent status: %w", err)
	}

	event, err := s.repo.Append(ctx, ledger.Draft{
		Type:      ledger.EventConsentExpired,
		ActorID:   actorID,
		ActorType: ledger.ActorUser,
		Payload: map[string]any{
			"consent_id":  id.String(),
			"action":      "EXPIRE",
			"expiry_time": hashchain.FormatTimestamp(c.ExpiryTime),
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("append expire event: %w", err)
	}

	s.logger.Info("consent expired", zap.String("consent_id", id.String()))
	return c, event, nil
}

// Get returns a consent owned by actorID.
func (s *ConsentService) Get(ctx context.Context, actorID string, id uuid.UUID) (*model.Consent, error) {
	return s.owned(ctx, actorID, id)
}

// List returns the consents granted by userID, newest first.
func (s *ConsentService) List(ctx context.Context, userID string) ([]*model.Consent, error) {
	return s.repo.ListConsents(ctx, userID)
}

// GetReceipt returns the stored receipt of a consent owned by actorID.
func (s *ConsentService) GetReceipt(ctx context.Context, actorID string, id uuid.UUID) (*model.Receipt, error) {
	if _, err := s.owned(ctx, actorID, id); err != nil {
		return nil, err
	}
	return s.repo.GetReceipt(ctx, id)
}

func (s *ConsentService) owned(ctx context.Context, actorID string, id uuid.UUID) (*model.Consent, error) {
	c, err := s.repo.GetConsent(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != actorID {
		return nil, ErrNotOwner
	}
	return c, nil
}
