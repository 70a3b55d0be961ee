package policy

import (
	"context"
	"testing"
	"time"
)

func TestBrokerApproveFlow(t *testing.T) {
	b := NewBroker(10)
	e := newEngine(t, WithApprover(b.Approver()))
	if err := e.Set(Rule{Tool: "deploy", Level: LevelConfirm}); err != nil {
		t.Fatal(err)
	}

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- e.Authorize(context.Background(), "deploy", map[string]interface{}{"env": "prod"})
	}()

	var pending []*PendingApproval
	deadline := time.After(5 * time.Second)
	for len(pending) == 0 {
		select {
		case <-deadline:
			t.Fatal("approval never became pending")
		default:
			pending = b.Pending()
			time.Sleep(5 * time.Millisecond)
		}
	}
	if pending[0].Tool != "deploy" {
		t.Errorf("pending tool = %q", pending[0].Tool)
	}

	if err := b.Approve(pending[0].ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	select {
	case d := <-decisions:
		if !d.Allowed {
			t.Errorf("approved call refused: %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decision never arrived")
	}
	if len(b.Pending()) != 0 {
		t.Error("resolved approval still pending")
	}
}

func TestBrokerDenyFlow(t *testing.T) {
	b := NewBroker(10)
	e := newEngine(t, WithApprover(b.Approver()))
	if err := e.Set(Rule{Tool: "deploy", Level: LevelConfirm}); err != nil {
		t.Fatal(err)
	}

	decisions := make(chan Decision, 1)
	go func() {
		decisions <- e.Authorize(context.Background(), "deploy", nil)
	}()

	var id string
	deadline := time.After(5 * time.Second)
	for id == "" {
		select {
		case <-deadline:
			t.Fatal("approval never became pending")
		default:
			if p := b.Pending(); len(p) > 0 {
				id = p[0].ID
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if err := b.Deny(id); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	select {
	case d := <-decisions:
		if d.Allowed || d.Reason != DeniedReason {
			t.Errorf("denied call = %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decision never arrived")
	}
}

func TestBrokerResolveUnknownID(t *testing.T) {
	b := NewBroker(10)
	if err := b.Approve("no-such-id"); err == nil {
		t.Error("want error for unknown approval id")
	}
}

func TestBrokerEvictsOldestAtCapacity(t *testing.T) {
	b := NewBroker(1)
	approver := b.Approver()

	first := make(chan bool, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		ok, _ := approver(context.Background(), "one", nil)
		first <- ok
	}()
	<-ready
	deadline := time.After(5 * time.Second)
	for len(b.Pending()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first approval never pending")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// The second request evicts the first, which resolves as a denial.
	second := make(chan bool, 1)
	go func() {
		ok, _ := approver(context.Background(), "two", nil)
		second <- ok
	}()

	select {
	case ok := <-first:
		if ok {
			t.Error("evicted approval resolved as permitted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("evicted approval never resolved")
	}

	var id string
	deadline = time.After(5 * time.Second)
	for id == "" {
		select {
		case <-deadline:
			t.Fatal("second approval never pending")
		default:
			if p := b.Pending(); len(p) > 0 {
				id = p[0].ID
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	if err := b.Approve(id); err != nil {
		t.Fatal(err)
	}
	if ok := <-second; !ok {
		t.Error("second approval should be permitted")
	}
}
