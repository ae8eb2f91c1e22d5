package handler_test

import (
	"net/http"
	"testing"
)

func TestGrant_201(t *testing.T) {
	env := newTestEnv(t)
	resp := env.grant(t, "user-1")

	if resp["consent_id"] == "" || resp["signature"] == "" || resp["event_id"] == "" {
		t.Fatalf("missing fields in grant response: %v", resp)
	}
	payload, ok := resp["receipt_payload"].(map[string]any)
	if !ok {
		t.Fatalf("receipt_payload: got %T", resp["receipt_payload"])
	}
	if payload["user_id"] != "user-1" || payload["app_name"] != "Fitness Tracker" || payload["version"] != "1.0" {
		t.Errorf("unexpected receipt payload: %v", payload)
	}
	purposes, _ := payload["purposes"].([]any)
	if len(purposes) != 1 {
		t.Fatalf("purposes: got %v", payload["purposes"])
	}
	if p := purposes[0].(map[string]any); p["purpose"] != "analytics" {
		t.Errorf("purpose: got %v", p)
	}
}

func TestGrant_401_noToken(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/consent/grant", "", map[string]any{"app_id": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestGrant_400(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "user-1")

	cases := []struct {
		name string
		body any
	}{
		{"malformed json", "{not json"},
		{"missing app", map[string]any{"purposes": []map[string]any{{"purpose_code": "a", "data_categories": []string{"b"}}}}},
		{"no purposes", map[string]any{"app_id": "app", "purposes": []any{}}},
		{"negative expiry", map[string]any{
			"app_id":       "app",
			"purposes":     []map[string]any{{"purpose_code": "a", "data_categories": []string{"b"}}},
			"expiry_hours": -1,
		}},
		{"expiry past cap", map[string]any{
			"app_id":       "app",
			"purposes":     []map[string]any{{"purpose_code": "a", "data_categories": []string{"b"}}},
			"expiry_hours": 3000000,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/consent/grant", tok, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestVerify_grantResponseIsActive(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.grant(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/v1/consent/verify", "", map[string]any{"receipt": receipt})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["valid"] != true || resp["status"] != "active" {
		t.Errorf("expected valid active receipt, got %v", resp)
	}
}

func TestVerify_afterRevoke(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.grant(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/v1/consent/revoke", env.token(t, "user-1"), map[string]any{
		"consent_id": receipt["consent_id"],
		"reason":     "changed my mind",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["status"] != "revoked" {
		t.Errorf("revoke status: got %v", resp["status"])
	}

	w = env.do(t, http.MethodPost, "/api/v1/consent/verify", "", map[string]any{"receipt": receipt})
	resp := decode(t, w)
	if resp["valid"] != false || resp["status"] != "revoked" {
		t.Errorf("expected revoked, got %v", resp)
	}
}

func TestVerify_tamperedPayload(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.grant(t, "user-1")
	receipt["receipt_payload"].(map[string]any)["user_id"] = "someone-else"

	w := env.do(t, http.MethodPost, "/api/v1/consent/verify", "", receipt)
	resp := decode(t, w)
	if resp["status"] != "invalid_signature" {
		t.Errorf("expected invalid_signature, got %v", resp)
	}
}

func TestVerify_invalidFormat(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/consent/verify", "", map[string]any{"receipt": map[string]any{}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "invalid_format" {
		t.Errorf("expected invalid_format, got %v", resp)
	}
}

func TestVerify_400_notAnObject(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/consent/verify", "", "[1,2,3]")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRevoke_otherUser_403(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.grant(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/v1/consent/revoke", env.token(t, "user-2"), map[string]any{
		"consent_id": receipt["consent_id"],
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRevoke_404_and_400(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/v1/consent/revoke", tok, map[string]any{
		"consent_id": "6f1d2c1e-0000-4000-8000-000000000000",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown consent: expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/consent/revoke", tok, map[string]any{"consent_id": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

func TestExpire_409_beforeExpiry(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.grant(t, "user-1")

	w := env.do(t, http.MethodPost, "/api/v1/consent/"+receipt["consent_id"].(string)+"/expire", env.token(t, "user-1"), nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetConsent_andReceipt(t *testing.T) {
	env := newTestEnv(t)
	receipt := env.grant(t, "user-1")
	id := receipt["consent_id"].(string)
	tok := env.token(t, "user-1")

	w := env.do(t, http.MethodGet, "/api/v1/consent/"+id, tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["status"] != "active" || resp["app_id"] != "fitness-app" {
		t.Errorf("unexpected consent view: %v", resp)
	}

	w = env.do(t, http.MethodGet, "/api/v1/consent/"+id+"/receipt", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("receipt: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stored := decode(t, w)
	if stored["signature"] != receipt["signature"] {
		t.Error("stored receipt signature differs from the granted one")
	}

	// The stored receipt verifies in its own wire shape.
	w = env.do(t, http.MethodPost, "/api/v1/consent/verify", "", map[string]any{
		"payload":   stored["payload"],
		"signature": stored["signature"],
	})
	if resp := decode(t, w); resp["status"] != "active" {
		t.Errorf("stored receipt: expected active, got %v", resp)
	}

	w = env.do(t, http.MethodGet, "/api/v1/consent/"+id, env.token(t, "user-2"), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("other user: expected 403, got %d", w.Code)
	}
}

func TestListConsents(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "user-1")
	env.grant(t, "user-1")
	env.grant(t, "user-2")

	w := env.do(t, http.MethodGet, "/api/v1/consents", env.token(t, "user-1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if n := int(decode(t, w)["count"].(float64)); n != 2 {
		t.Errorf("count: got %d, want 2", n)
	}
}
