package session

import (
	"testing"
	"time"
)

func TestAllocateLookupTerminate(t *testing.T) {
	m := NewManager()
	s, err := m.Allocate("")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Lookup(s.ID); got == nil {
		t.Fatal("expected lookup to find session")
	}
	if !m.Terminate(s.ID) {
		t.Fatal("expected terminate to succeed")
	}
	if m.Lookup(s.ID) != nil {
		t.Fatal("expected lookup to return nil after terminate")
	}
	// Second terminate on the same id is a no-op, not an error.
	if m.Terminate(s.ID) {
		t.Fatal("expected second terminate to report nothing to do")
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	m := NewManager()
	s, _ := m.Allocate("")
	if !m.SubscribeResource(s.ID, "file:///a") {
		t.Fatal("subscribe failed")
	}
	if len(s.Subscriptions) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(s.Subscriptions))
	}
	if !m.UnsubscribeResource(s.ID, "file:///a") {
		t.Fatal("unsubscribe failed")
	}
	if len(s.Subscriptions) != 0 {
		t.Fatalf("expected subscriptions to return to pre-state, got %d", len(s.Subscriptions))
	}
}

func TestSweepInactive(t *testing.T) {
	now := time.Now()
	m := NewManager().WithClock(func() time.Time { return now })

	s1, _ := m.Allocate("")
	s2, _ := m.Allocate("")
	s3, _ := m.Allocate("")

	// Move the clock forward past the threshold, then touch s2 and s3 so
	// only s1 is stale when the sweep runs.
	now = now.Add(2 * time.Minute)
	m.Touch(s2.ID)
	m.Touch(s3.ID)

	removed := m.SweepInactive(time.Minute)
	if removed != 1 {
		t.Fatalf("expected 1 session removed, got %d", removed)
	}
	if m.Count() != 2 {
		t.Fatalf("expected 2 sessions remaining, got %d", m.Count())
	}
	if m.Lookup(s1.ID) != nil {
		t.Fatal("expected s1 to be gone after sweep")
	}
}

func TestPushEventAndEventsSinceReplay(t *testing.T) {
	m := NewManager()
	s, _ := m.Allocate("")

	ev1, ok := m.PushEvent(s.ID, []byte(`"first"`))
	if !ok {
		t.Fatal("expected push to succeed")
	}
	ev2, _ := m.PushEvent(s.ID, []byte(`"second"`))
	m.PushEvent(s.ID, []byte(`"third"`))

	replay, ok := m.EventsSince(s.ID, ev1.ID)
	if !ok {
		t.Fatal("expected EventsSince to find the session")
	}
	if len(replay) != 2 {
		t.Fatalf("expected 2 events after id %d, got %d", ev1.ID, len(replay))
	}
	if replay[0].ID != ev2.ID {
		t.Fatalf("expected replay to start at event %d, got %d", ev2.ID, replay[0].ID)
	}

	noReplay, ok := m.EventsSince(s.ID, 0)
	if !ok {
		t.Fatal("expected EventsSince to find the session")
	}
	if len(noReplay) != 0 {
		t.Fatal("expected lastID of 0 to request no replay")
	}
}

func TestPushEventQueueIsBoundedToMaxQueuedEvents(t *testing.T) {
	m := NewManager()
	s, _ := m.Allocate("")
	for i := 0; i < maxQueuedEvents+10; i++ {
		m.PushEvent(s.ID, []byte("x"))
	}
	s.eventsMu.Lock()
	n := len(s.events)
	s.eventsMu.Unlock()
	if n != maxQueuedEvents {
		t.Fatalf("expected queue capped at %d, got %d", maxQueuedEvents, n)
	}
}

func TestSubscribeReceivesLivePushedEvents(t *testing.T) {
	m := NewManager()
	s, _ := m.Allocate("")

	ch, cancel, ok := m.Subscribe(s.ID)
	if !ok {
		t.Fatal("expected subscribe to find the session")
	}
	defer cancel()

	m.PushEvent(s.ID, []byte(`"hello"`))

	select {
	case ev := <-ch:
		if string(ev.Data) != `"hello"` {
			t.Fatalf("unexpected event data: %s", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestPushEventUnknownSessionIsNoop(t *testing.T) {
	m := NewManager()
	if _, ok := m.PushEvent("nonexistent", []byte("x")); ok {
		t.Fatal("expected push to unknown session to fail")
	}
	if _, _, ok := m.Subscribe("nonexistent"); ok {
		t.Fatal("expected subscribe to unknown session to fail")
	}
}
