package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/consentledger/internal/consent/handler"
	"github.com/jmerrifield20/consentledger/internal/consent/service"
	"github.com/jmerrifield20/consentledger/internal/identity"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"github.com/jmerrifield20/consentledger/internal/signature"
	"go.uber.org/zap"
)

var (
	signerOnce sync.Once
	signer     *signature.Service
)

func sharedSigner(t *testing.T) *signature.Service {
	t.Helper()
	signerOnce.Do(func() {
		s, err := signature.Generate(signature.DefaultKeyBits)
		if err != nil {
			panic(err)
		}
		signer = s
	})
	return signer
}

// tickingClock advances one millisecond per reading so consecutive events
// never share a timestamp.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

type testEnv struct {
	router   *gin.Engine
	store    *ledger.MemoryStore
	consents *service.ConsentService
	tokens   *identity.JWTProvider
	signer   *signature.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	sig := sharedSigner(t)
	logger := zap.NewNop()

	tokens, err := identity.NewJWTProvider([]byte("handler-test-secret"), "", "")
	if err != nil {
		t.Fatal(err)
	}

	consents := service.NewConsentService(store, sig, logger)
	consents.SetClock(tickingClock(time.Now()))
	audit := service.NewAuditService(store, logger)
	pipeline := service.NewPipeline(sig, store)

	r := gin.New()
	v1 := r.Group("/api/v1")
	requireUser := identity.RequireUser(tokens)
	handler.NewConsentHandler(consents, pipeline, logger).Register(v1, requireUser)
	handler.NewAuditHandler(audit, logger).Register(v1, requireUser)
	handler.NewKeysHandler(sig.Verifier, logger).Register(r, v1)
	handler.RegisterDebug(v1, store, requireUser, logger)

	return &testEnv{router: r, store: store, consents: consents, tokens: tokens, signer: sig}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.tokens.Issue(userID, "")
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// do sends a request with an optional JSON body and bearer token.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatal(err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) grant(t *testing.T, userID string) map[string]any {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/consent/grant", e.token(t, userID), map[string]any{
		"app_id":   "fitness-app",
		"app_name": "Fitness Tracker",
		"purposes": []map[string]any{
			{"purpose_code": "analytics", "data_categories": []string{"steps", "heart_rate"}},
		},
		"expiry_hours": 48,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("grant: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}
