package service_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/consentledger/internal/chainverify"
	"github.com/jmerrifield20/consentledger/internal/hashchain"
	"github.com/jmerrifield20/consentledger/internal/ledger"
)

func TestAudit_listAndRoot(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		if _, err := f.consents.Grant(ctx, "alice", grantReq()); err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Second)
	}
	_, _ = f.consents.Grant(ctx, "bob", grantReq())

	events, err := f.audit.ListEvents(ctx, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Timestamp < events[1].Timestamp {
		t.Errorf("expected 2 newest-first events, got %d", len(events))
	}

	root, err := f.audit.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tip, _ := f.store.Tip(ctx)
	if root.Events != 4 || root.Root != tip {
		t.Errorf("Root() = %+v", root)
	}

	got, err := f.audit.GetEvent(ctx, events[0].ID)
	if err != nil || got.HashCurrent != events[0].HashCurrent {
		t.Errorf("GetEvent() = %v, %v", got, err)
	}
}

func TestAudit_emptyRoot(t *testing.T) {
	f := newFixture(t)
	root, err := f.audit.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root.Events != 0 || root.Root != hashchain.GenesisHash {
		t.Errorf("Root() on empty ledger = %+v", root)
	}
	report, err := f.audit.VerifyChain(ctx, ledger.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != chainverify.StatusEmpty {
		t.Errorf("status = %q, want EMPTY", report.Status)
	}
}

func TestAudit_verifyWindows(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		res, err := f.consents.Grant(ctx, "alice", grantReq())
		if err != nil {
			t.Fatal(err)
		}
		f.clock.Advance(time.Minute)
		if i%2 == 0 {
			if _, _, err := f.consents.Revoke(ctx, "alice", res.Consent.ID, "done"); err != nil {
				t.Fatal(err)
			}
		}
		f.clock.Advance(time.Minute)
	}

	for name, w := range map[string]ledger.Window{
		"all":    {},
		"prefix": {Limit: 3},
		"suffix": {Limit: 3, Latest: true},
		"since":  {Since: "2024-06-01T12:05:00"},
	} {
		report, err := f.audit.VerifyChain(ctx, w)
		if err != nil {
			t.Fatal(err)
		}
		if !report.Valid() {
			t.Errorf("%s: status %q violations %+v", name, report.Status, report.Violations)
		}
	}
}

func TestAudit_verifySinceWindowIsRelative(t *testing.T) {
	f := newFixture(t)
	_, _ = f.consents.Grant(ctx, "alice", grantReq())
	f.clock.Advance(time.Second)
	_, _ = f.consents.Grant(ctx, "alice", grantReq())

	// The window skips the first event, so it cannot be checked against genesis.
	report, err := f.audit.VerifyChain(ctx, ledger.Window{Since: "2024-06-01T12:00:01"})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid() || report.TotalEvents != 1 {
		t.Errorf("relative window: %+v", report)
	}
}

func TestAudit_concurrentGrantsVerify(t *testing.T) {
	f := newFixture(t)
	// Receipts race on the wall clock; the store clock stays fixed.
	f.consents.SetClock(time.Now)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*3)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if _, err := f.consents.Grant(ctx, fmt.Sprintf("user-%d", w), grantReq()); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	report, err := f.audit.VerifyChain(ctx, ledger.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid() || report.TotalEvents != workers*3 {
		t.Errorf("concurrent grants: status %q events %d violations %+v",
			report.Status, report.TotalEvents, report.Violations)
	}
}

func TestAudit_clockStepBackStillVerifies(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Second)
	bob, err := f.consents.Grant(ctx, "bob", grantReq())
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(-500 * time.Millisecond)
	alice, err := f.consents.Grant(ctx, "alice", grantReq())
	if err != nil {
		t.Fatal(err)
	}

	if alice.Event.Timestamp <= bob.Event.Timestamp {
		t.Errorf("stored timestamp %q does not follow tail %q", alice.Event.Timestamp, bob.Event.Timestamp)
	}
	if alice.Receipt.Payload.Timestamp != "2024-06-01T12:00:00.500000" {
		t.Errorf("receipt timestamp %q, want the service clock", alice.Receipt.Payload.Timestamp)
	}

	report, err := f.audit.VerifyChain(ctx, ledger.Window{})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid() {
		t.Errorf("status %q violations %+v", report.Status, report.Violations)
	}
}
