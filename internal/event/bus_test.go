package event

import (
	"testing"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := NewBus()

	var received []Event
	bus.Subscribe("session.state", func(e Event) {
		received = append(received, e)
	})

	bus.Publish(NewSessionStateEvent("s1", "connected", false, nil))
	bus.Publish(NewSessionClosedEvent("s1", "terminated")) // different type, not delivered

	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	state, ok := received[0].(SessionStateEvent)
	if !ok {
		t.Fatalf("received %T, want SessionStateEvent", received[0])
	}
	if state.SessionID != "s1" || state.ConnectionState != "connected" {
		t.Errorf("event = %+v, want s1/connected", state)
	}
}

func TestBus_PublishOrderPreserved(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe("session.closed", func(e Event) {
		order = append(order, e.(SessionClosedEvent).SessionID)
	})

	for _, id := range []string{"a", "b", "c"} {
		bus.Publish(NewSessionClosedEvent(id, "terminated"))
	}

	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestBus_SubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.SubscribeAll(func(Event) { count++ })

	bus.Publish(NewSessionCreatedEvent("s1", "main", "/work"))
	bus.Publish(NewSessionStateEvent("s1", "connected", false, nil))
	bus.Publish(NewSessionClosedEvent("s1", "terminated"))

	if count != 3 {
		t.Errorf("wildcard handler saw %d events, want 3", count)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe("session.state", func(Event) { count++ })

	bus.Publish(NewSessionStateEvent("s1", "connected", false, nil))
	if !bus.Unsubscribe(id) {
		t.Error("Unsubscribe returned false for live subscription")
	}
	bus.Publish(NewSessionStateEvent("s1", "connected", false, nil))

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe returned true for already-removed subscription")
	}
}

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe("session.closed", func(Event) { panic("boom") })

	called := false
	bus.Subscribe("session.closed", func(Event) { called = true })

	bus.Publish(NewSessionClosedEvent("s1", "crashed"))

	if !called {
		t.Error("second handler not called after first panicked")
	}
}

func TestBus_SubscriptionCount(t *testing.T) {
	bus := NewBus()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("initial count = %d, want 0", bus.SubscriptionCount())
	}

	bus.Subscribe("session.state", func(Event) {})
	bus.SubscribeAll(func(Event) {})

	if bus.SubscriptionCount() != 2 {
		t.Errorf("count = %d, want 2", bus.SubscriptionCount())
	}
}
