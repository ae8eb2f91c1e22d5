package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/consentledger/internal/signature"
)

var (
	// ErrNotFound is returned when the ledger has no such consent or event.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the bearer token is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 and 401 onto ErrNotFound and ErrUnauthorized.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// Purpose is one purpose and the data categories it covers.
type Purpose struct {
	Code       string   `json:"purpose_code"`
	Categories []string `json:"data_categories"`
}

// GrantRequest is the payload for Grant.
type GrantRequest struct {
	AppID       string    `json:"app_id"`
	AppName     string    `json:"app_name,omitempty"`
	Purposes    []Purpose `json:"purposes"`
	ExpiryHours int       `json:"expiry_hours,omitempty"`
}

// Receipt is a signed consent receipt as issued by Grant. It can be passed
// unchanged to Verify or VerifyOffline.
type Receipt struct {
	ConsentID string         `json:"consent_id"`
	EventID   string         `json:"event_id,omitempty"`
	Payload   map[string]any `json:"receipt_payload"`
	Signature string         `json:"signature"`
	Timestamp time.Time      `json:"timestamp"`
}

// VerificationResult is the ledger's answer for a presented receipt.
type VerificationResult struct {
	Valid   bool   `json:"valid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Consent is a consent record with its status as observed by the ledger.
type Consent struct {
	ConsentID    string     `json:"consent_id"`
	UserID       string     `json:"user_id"`
	AppID        string     `json:"app_id"`
	Status       string     `json:"status"`
	StoredStatus string     `json:"stored_status"`
	ExpiryTime   time.Time  `json:"expiry_time"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Event is an audit ledger entry.
type Event struct {
	EventID     string         `json:"event_id"`
	Seq         int64          `json:"seq"`
	EventType   string         `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	ActorType   string         `json:"actor_type"`
	Payload     map[string]any `json:"event_payload"`
	Timestamp   string         `json:"timestamp"`
	HashPrev    string         `json:"hash_prev"`
	HashCurrent string         `json:"hash_current"`
}

// Violation is a single chain integrity finding.
type Violation struct {
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Reason       string `json:"reason"`
	Details      string `json:"details"`
	Severity     string `json:"severity"`
	Index        int    `json:"index"`
	ExpectedHash string `json:"expected_hash,omitempty"`
	FoundHash    string `json:"found_hash,omitempty"`
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	TotalEvents        int         `json:"total_events"`
	Violations         []Violation `json:"violations"`
	CriticalViolations int         `json:"critical_violations"`
	Warnings           int         `json:"warnings"`
	Status             string      `json:"status"`
	Message            string      `json:"message"`
}

// ChainQuery selects the window VerifyChain checks.
type ChainQuery struct {
	Limit  int
	Latest bool
	Since  string
}

// Root is the ledger's event count and chain tip.
type Root struct {
	Events int    `json:"events"`
	Root   string `json:"root"`
}

// Client is the consent ledger SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	keys        *keyCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a user access token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithKeyCacheTTL sets how long the published verification key is reused by
// VerifyOffline. Zero fetches it on every call.
func WithKeyCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl < 0 {
			return fmt.Errorf("key cache TTL must not be negative")
		}
		c.keys.ttl = ttl
		return nil
	}
}

// WithPublicKeyPEM pins the verification key instead of fetching it.
func WithPublicKeyPEM(pemBytes []byte) Option {
	return func(c *Client) error {
		v, err := signature.ParsePublicKeyPEM(pemBytes)
		if err != nil {
			return err
		}
		c.keys.pin(v)
		return nil
	}
}

// New creates a Client for the ledger at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       &keyCache{ttl: time.Hour},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Grant posts to /api/v1/consent/grant and returns the signed receipt.
func (c *Client) Grant(ctx context.Context, req GrantRequest) (*Receipt, error) {
	var out Receipt
	if err := c.call(ctx, http.MethodPost, "/api/v1/consent/grant", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Revoke posts to /api/v1/consent/revoke. An empty reason uses the server's
// default.
func (c *Client) Revoke(ctx context.Context, consentID, reason string) error {
	body := map[string]string{"consent_id": consentID}
	if reason != "" {
		body["reason"] = reason
	}
	return c.call(ctx, http.MethodPost, "/api/v1/consent/revoke", body, nil)
}

// Expire posts to /api/v1/consent/:id/expire.
func (c *Client) Expire(ctx context.Context, consentID string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/consent/"+url.PathEscape(consentID)+"/expire", nil, nil)
}

// GetConsent fetches one of the caller's consents.
func (c *Client) GetConsent(ctx context.Context, consentID string) (*Consent, error) {
	var out Consent
	if err := c.call(ctx, http.MethodGet, "/api/v1/consent/"+url.PathEscape(consentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListConsents returns the caller's consents.
func (c *Client) ListConsents(ctx context.Context) ([]Consent, error) {
	var wrapper struct {
		Consents []Consent `json:"consents"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/consents", nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Consents, nil
}

// GetReceipt fetches the stored receipt of one of the caller's consents.
func (c *Client) GetReceipt(ctx context.Context, consentID string) (*Receipt, error) {
	var stored struct {
		ConsentID string         `json:"consent_id"`
		Payload   map[string]any `json:"payload"`
		Signature string         `json:"signature"`
		CreatedAt time.Time      `json:"created_at"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/consent/"+url.PathEscape(consentID)+"/receipt", nil, &stored); err != nil {
		return nil, err
	}
	return &Receipt{
		ConsentID: stored.ConsentID,
		Payload:   stored.Payload,
		Signature: stored.Signature,
		Timestamp: stored.CreatedAt,
	}, nil
}

// Verify asks the ledger to verify r. A failed verification is reported in
// the result, not as an error.
func (c *Client) Verify(ctx context.Context, r *Receipt) (*VerificationResult, error) {
	var out VerificationResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/consent/verify", map[string]any{"receipt": r}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyOffline checks r's signature against the ledger's published key
// without asking about revocation.
func (c *Client) VerifyOffline(ctx context.Context, r *Receipt) (bool, error) {
	v, err := c.verifier(ctx)
	if err != nil {
		return false, err
	}
	return v.VerifyBase64(r.Payload, r.Signature)
}

// PublicKeyPEM downloads the ledger's receipt verification key.
func (c *Client) PublicKeyPEM(ctx context.Context) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/keys/public.pem", nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// ListEvents returns audit events newest first. Empty userID lists every
// actor; zero limit uses the server default.
func (c *Client) ListEvents(ctx context.Context, userID string, limit int) ([]Event, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var wrapper struct {
		Events []Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, withQuery("/api/v1/audit/events", q), nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Events, nil
}

// VerifyChain runs the ledger's chain verification over the selected window.
func (c *Client) VerifyChain(ctx context.Context, cq ChainQuery) (*ChainReport, error) {
	q := url.Values{}
	if cq.Limit > 0 {
		q.Set("limit", strconv.Itoa(cq.Limit))
	}
	if cq.Latest {
		q.Set("latest", "true")
	}
	if cq.Since != "" {
		q.Set("since", cq.Since)
	}
	var out ChainReport
	if err := c.call(ctx, http.MethodGet, withQuery("/api/v1/audit/verify-chain", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Root returns the ledger's event count and chain tip.
func (c *Client) Root(ctx context.Context) (*Root, error) {
	var out Root
	if err := c.call(ctx, http.MethodGet, "/api/v1/audit/root", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// call sends a JSON request and decodes a JSON response into out when
// out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	// Numbers stay json.Number so receipt payloads canonicalise to the
	// bytes that were signed.
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

func (c *Client) verifier(ctx context.Context) (*signature.Verifier, error) {
	if v, ok := c.keys.get(); ok {
		return v, nil
	}
	pemBytes, err := c.PublicKeyPEM(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}
	v, err := signature.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return nil, err
	}
	c.keys.set(v)
	return v, nil
}

// --- published key cache ---

type keyCache struct {
	mu        sync.RWMutex
	verifier  *signature.Verifier
	expiresAt time.Time // zero with a verifier = pinned
	ttl       time.Duration
}

func (kc *keyCache) get() (*signature.Verifier, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	if kc.verifier == nil {
		return nil, false
	}
	if !kc.expiresAt.IsZero() && time.Now().After(kc.expiresAt) {
		return nil, false
	}
	return kc.verifier, true
}

func (kc *keyCache) set(v *signature.Verifier) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if kc.ttl == 0 {
		return
	}
	kc.verifier = v
	kc.expiresAt = time.Now().Add(kc.ttl)
}

func (kc *keyCache) pin(v *signature.Verifier) {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	kc.verifier = v
	kc.expiresAt = time.Time{}
}
