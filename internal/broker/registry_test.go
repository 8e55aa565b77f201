package broker

import (
	"net"
	"testing"
)

func pipeConn() net.Conn {
	c, _ := net.Pipe()
	return c
}

func TestRegisterAndPick(t *testing.T) {
	r := NewRegistry(nil)
	if r.Pick() != nil {
		t.Fatal("Pick on empty registry should return nil")
	}

	rec := r.Register(pipeConn(), nil)
	if got := r.Pick(); got == nil || got.ID != rec.ID {
		t.Fatalf("Pick() = %v, want %s", got, rec.ID)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
}

func TestUnregisterInvokesOnDisconnect(t *testing.T) {
	var disconnected []string
	r := NewRegistry(func(agentID string) { disconnected = append(disconnected, agentID) })

	rec := r.Register(pipeConn(), nil)
	r.Unregister(rec.ID)

	if len(disconnected) != 1 || disconnected[0] != rec.ID {
		t.Fatalf("onDisconnect called with %v, want [%s]", disconnected, rec.ID)
	}
	if r.Count() != 0 {
		t.Fatalf("Count() after unregister = %d, want 0", r.Count())
	}

	// Idempotent: unregistering again must not invoke the callback again.
	r.Unregister(rec.ID)
	if len(disconnected) != 1 {
		t.Fatalf("onDisconnect invoked again on double-unregister: %v", disconnected)
	}
}

func TestPickRoundRobinFairness(t *testing.T) {
	r := NewRegistry(nil)
	ids := make(map[string]int)
	const n = 3
	for i := 0; i < n; i++ {
		rec := r.Register(pipeConn(), nil)
		ids[rec.ID] = 0
	}

	const rounds = 4
	for i := 0; i < n*rounds; i++ {
		rec := r.Pick()
		if rec == nil {
			t.Fatal("Pick returned nil with agents connected")
		}
		ids[rec.ID]++
	}

	for id, count := range ids {
		if count != rounds {
			t.Errorf("agent %s picked %d times, want %d", id, count, rounds)
		}
	}
}

func TestPickWithCapSkipsSaturatedAgent(t *testing.T) {
	r := NewRegistry(nil)
	rec := r.Register(pipeConn(), nil)

	r.incInFlight(rec.ID)
	r.incInFlight(rec.ID)

	if got := r.PickWithCap(2); got != nil {
		t.Fatalf("PickWithCap(2) = %v, want nil when agent already at cap", got)
	}

	r.decInFlight(rec.ID)
	if got := r.PickWithCap(2); got == nil || got.ID != rec.ID {
		t.Fatalf("PickWithCap(2) after freeing capacity = %v, want %s", got, rec.ID)
	}
}

func TestSendOnWriteFailureClosesConnWithoutUnregistering(t *testing.T) {
	r := NewRegistry(func(agentID string) {
		t.Fatalf("onDisconnect must not be invoked synchronously by Send; agent %s", agentID)
	})

	local, remote := net.Pipe()
	remote.Close()
	rec := r.Register(local, nil)

	if err := r.Send(rec.ID, []byte("x")); err == nil {
		t.Fatal("Send should report the write failure")
	}

	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1: Send must not unregister the agent itself", r.Count())
	}
	if _, ok := r.Get(rec.ID); !ok {
		t.Fatal("agent should still be registered after a failed Send")
	}
}

func TestPickWithCapZeroIsUncapped(t *testing.T) {
	r := NewRegistry(nil)
	rec := r.Register(pipeConn(), nil)
	for i := 0; i < 100; i++ {
		r.incInFlight(rec.ID)
	}
	if got := r.PickWithCap(0); got == nil {
		t.Fatal("PickWithCap(0) should never skip agents")
	}
}
