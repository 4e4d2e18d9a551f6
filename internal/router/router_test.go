package router

import "testing"

func TestPendingFIFOOrder(t *testing.T) {
	r := New()
	r.EnqueuePending("n1", "c1")
	r.EnqueuePending("n1", "c2")

	got, ok := r.DequeuePending("n1")
	if !ok || got != "c1" {
		t.Fatalf("expected c1 first, got %v ok=%v", got, ok)
	}
	got, ok = r.DequeuePending("n1")
	if !ok || got != "c2" {
		t.Fatalf("expected c2 second, got %v ok=%v", got, ok)
	}
	if _, ok := r.DequeuePending("n1"); ok {
		t.Fatal("expected empty queue after draining")
	}
}

func TestOutboundOverflowDropsOldestHalf(t *testing.T) {
	r := New()
	for i := 0; i < wsOutboundCap+10; i++ {
		r.EnqueueOutbound("n1", i)
	}
	depth := r.OutboundDepth("n1")
	if depth <= 0 || depth > wsOutboundCap {
		t.Fatalf("expected depth within cap, got %d", depth)
	}
	drained := r.Drain("n1", depth)
	if drained[0].(int) != wsOutboundCap/2 {
		// the first overflow happens at wsOutboundCap+1 items and drops the
		// oldest (wsOutboundCap+1)/2 of them, so item wsOutboundCap/2 is the
		// earliest survivor
		t.Fatalf("expected oldest-half drop, first surviving item was %v", drained[0])
	}
}

func TestDrainRespectsMax(t *testing.T) {
	r := New()
	r.EnqueueOutbound("n1", "a")
	r.EnqueueOutbound("n1", "b")
	r.EnqueueOutbound("n1", "c")

	got := r.Drain("n1", 2)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
	rest := r.Drain("n1", 10)
	if len(rest) != 1 || rest[0] != "c" {
		t.Fatalf("expected [c] remaining, got %v", rest)
	}
}

func TestSupersession(t *testing.T) {
	r := New()
	old := r.Activate("n1", "conn-a")
	if old != "" {
		t.Fatalf("expected no prior connection, got %q", old)
	}
	if !r.IsCurrent("n1", "conn-a") {
		t.Fatal("expected conn-a to be current")
	}

	superseded := r.Activate("n1", "conn-b")
	if superseded != "conn-a" {
		t.Fatalf("expected conn-a superseded, got %q", superseded)
	}
	if r.IsCurrent("n1", "conn-a") {
		t.Fatal("expected conn-a no longer current")
	}
	if !r.IsCurrent("n1", "conn-b") {
		t.Fatal("expected conn-b current")
	}

	// a superseded connection's deactivate must not clobber the new one
	r.Deactivate("n1", "conn-a")
	if !r.IsCurrent("n1", "conn-b") {
		t.Fatal("expected conn-b to remain current after stale deactivate")
	}

	r.Deactivate("n1", "conn-b")
	if r.HasActiveConnection("n1") {
		t.Fatal("expected no active connection after deactivate")
	}
}
