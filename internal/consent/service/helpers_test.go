package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/consentledger/internal/consent/service"
	"github.com/jmerrifield20/consentledger/internal/ledger"
	"github.com/jmerrifield20/consentledger/internal/signature"
	"go.uber.org/zap"
)

var (
	signerOnce sync.Once
	testSigner *signature.Service
)

// sharedSigner returns one 2048-bit signing service for the whole package.
func sharedSigner(t *testing.T) *signature.Service {
	t.Helper()
	signerOnce.Do(func() {
		s, err := signature.Generate(signature.DefaultKeyBits)
		if err != nil {
			panic(err)
		}
		testSigner = s
	})
	return testSigner
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *ledger.MemoryStore
	consents *service.ConsentService
	audit    *service.AuditService
	pipeline *service.Pipeline
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	clock := newFakeClock()
	store.SetClock(clock.Now)
	signer := sharedSigner(t)

	cs := service.NewConsentService(store, signer, zap.NewNop())
	cs.SetClock(clock.Now)
	p := service.NewPipeline(signer, store)
	p.SetClock(clock.Now)

	return &fixture{
		store:    store,
		consents: cs,
		audit:    service.NewAuditService(store, zap.NewNop()),
		pipeline: p,
		clock:    clock,
	}
}
