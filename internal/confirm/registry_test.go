package confirm

import (
	"testing"
	"time"

	"github.com/toolplane/toolplane/internal/config"
	"github.com/toolplane/toolplane/pkg/models"
)

func newTestRegistry() *Registry {
	return NewRegistry(config.ConfirmConfig{
		Timeout:       5 * time.Minute,
		SweepInterval: time.Minute,
	})
}

func TestResolveDeliversResolution(t *testing.T) {
	r := newTestRegistry()

	id, future := r.Create(models.PendingConfirmation{
		UserID: "alice", ServerID: "github", ToolName: "create_issue",
	})
	if id == "" {
		t.Fatal("Create() returned empty id")
	}

	if !r.Resolve(id, models.Resolution{Approved: true, Scope: models.ConfirmThread}) {
		t.Fatal("Resolve() = false, want true for a pending id")
	}

	select {
	case res := <-future:
		if !res.Approved || res.Scope != models.ConfirmThread {
			t.Errorf("resolution = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("resolution never delivered")
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	r := newTestRegistry()

	id, _ := r.Create(models.PendingConfirmation{UserID: "alice"})
	if !r.Resolve(id, models.Resolution{Approved: true}) {
		t.Fatal("first Resolve() = false")
	}
	if r.Resolve(id, models.Resolution{Approved: false}) {
		t.Error("second Resolve() on the same id must report failure")
	}
}

func TestResolveUnknownID(t *testing.T) {
	r := newTestRegistry()
	if r.Resolve("no-such-id", models.Resolution{Approved: true}) {
		t.Error("Resolve(unknown) = true, want false")
	}
}

func TestSweepAutoDeniesExpired(t *testing.T) {
	r := newTestRegistry()

	staleID, staleFuture := r.Create(models.PendingConfirmation{
		UserID: "alice", CreatedAt: time.Now().Add(-10 * time.Minute),
	})
	_, freshFuture := r.Create(models.PendingConfirmation{UserID: "bob"})

	r.Sweep(time.Now())

	select {
	case res := <-staleFuture:
		if res.Approved {
			t.Error("expired confirmation should be auto-denied")
		}
	case <-time.After(time.Second):
		t.Fatal("expired confirmation never resolved")
	}

	select {
	case <-freshFuture:
		t.Error("fresh confirmation must survive the sweep")
	default:
	}

	if r.Resolve(staleID, models.Resolution{Approved: true}) {
		t.Error("Resolve() after expiry must report failure")
	}
}

func TestListOrdersByAge(t *testing.T) {
	r := newTestRegistry()

	r.Create(models.PendingConfirmation{UserID: "newer", CreatedAt: time.Now()})
	r.Create(models.PendingConfirmation{UserID: "older", CreatedAt: time.Now().Add(-time.Minute)})

	pending := r.List()
	if len(pending) != 2 {
		t.Fatalf("List() len = %d, want 2", len(pending))
	}
	if pending[0].UserID != "older" {
		t.Errorf("List()[0].UserID = %q, want oldest first", pending[0].UserID)
	}
}

func TestStopDeniesRemaining(t *testing.T) {
	r := newTestRegistry()
	r.Start()

	_, future := r.Create(models.PendingConfirmation{UserID: "alice"})
	r.Stop()

	select {
	case res := <-future:
		if res.Approved {
			t.Error("Stop() should deny, not approve")
		}
	case <-time.After(time.Second):
		t.Fatal("Stop() left a confirmation unresolved")
	}
}
