package kernel

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"tavern/pkg/tavern"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestEventBusPublishDeliversMatchingSubscriptions verifies filtered publish delivery.
func TestEventBusPublishDeliversMatchingSubscriptions(t *testing.T) {
	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	received := make(chan *tavern.Event, 1)
	_, err := bus.Subscribe(context.Background(), tavern.InterestSet{
		Kinds: []tavern.EventKind{tavern.EventKindRoll},
	}, tavern.SubscriptionSpec{
		Name: "match",
	}, func(_ context.Context, event *tavern.Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(context.Background(), newTestEvent("e1", tavern.EventKindMessage)); err != nil {
		t.Fatalf("publish message failed: %v", err)
	}
	if err := bus.Publish(context.Background(), newTestEvent("e2", tavern.EventKindRoll)); err != nil {
		t.Fatalf("publish roll failed: %v", err)
	}

	select {
	case event := <-received:
		if event.ID != "e2" {
			t.Fatalf("event id = %s, want e2", event.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

// TestEventBusDeliveryOrderIsFIFO verifies that a single-worker subscription
// observes events in publish order.
func TestEventBusDeliveryOrderIsFIFO(t *testing.T) {
	bus := NewEventBus(64, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	var mu sync.Mutex
	var order []string
	_, err := bus.Subscribe(context.Background(), tavern.InterestSet{}, tavern.SubscriptionSpec{
		Name: "ordered",
	}, func(_ context.Context, event *tavern.Event) error {
		mu.Lock()
		order = append(order, event.ID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	const total = 32
	for index := 0; index < total; index++ {
		event := newTestEvent(fmt.Sprintf("e%03d", index), tavern.EventKindMessage)
		if err := bus.Publish(context.Background(), event); err != nil {
			t.Fatalf("publish %d failed: %v", index, err)
		}
	}

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == total
	})

	mu.Lock()
	defer mu.Unlock()
	for index, id := range order {
		if want := fmt.Sprintf("e%03d", index); id != want {
			t.Fatalf("order[%d] = %s, want %s", index, id, want)
		}
	}
}

// TestEventBusBackpressurePolicies verifies queue behavior under each backpressure policy.
func TestEventBusBackpressurePolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     tavern.BackpressurePolicy
		wantEvents []string
	}{
		{
			name:       "drop newest keeps queued oldest",
			policy:     tavern.BackpressureDropNewest,
			wantEvents: []string{"e1", "e2"},
		},
		{
			name:       "drop oldest keeps latest",
			policy:     tavern.BackpressureDropOldest,
			wantEvents: []string{"e1", "e3"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			bus := NewEventBus(1, 1, time.Second, nil)
			t.Cleanup(func() {
				_ = bus.Close(context.Background())
			})

			release := make(chan struct{})
			blocked := make(chan struct{}, 1)
			processed := make([]string, 0, 3)
			var first sync.Once
			var mu sync.Mutex

			_, err := bus.Subscribe(context.Background(), tavern.InterestSet{
				Kinds: []tavern.EventKind{tavern.EventKindMessage},
			}, tavern.SubscriptionSpec{
				Name:         "policy",
				Workers:      1,
				Buffer:       1,
				Backpressure: testCase.policy,
			}, func(_ context.Context, event *tavern.Event) error {
				first.Do(func() {
					blocked <- struct{}{}
					<-release
				})
				mu.Lock()
				processed = append(processed, event.ID)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe failed: %v", err)
			}

			if err := bus.Publish(context.Background(), newTestEvent("e1", tavern.EventKindMessage)); err != nil {
				t.Fatalf("publish e1 failed: %v", err)
			}
			select {
			case <-blocked:
			case <-time.After(time.Second):
				t.Fatal("handler did not block as expected")
			}
			if err := bus.Publish(context.Background(), newTestEvent("e2", tavern.EventKindMessage)); err != nil {
				t.Fatalf("publish e2 failed: %v", err)
			}
			if err := bus.Publish(context.Background(), newTestEvent("e3", tavern.EventKindMessage)); err != nil {
				t.Fatalf("publish e3 failed: %v", err)
			}

			close(release)
			eventually(t, 2*time.Second, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(processed) == 2
			})

			mu.Lock()
			gotEvents := append([]string(nil), processed...)
			mu.Unlock()
			if gotEvents[0] != testCase.wantEvents[0] || gotEvents[1] != testCase.wantEvents[1] {
				t.Fatalf("processed = %v, want %v", gotEvents, testCase.wantEvents)
			}
		})
	}
}

// TestEventBusCloseRejectsNewPublish verifies publish rejection after bus closure.
func TestEventBusCloseRejectsNewPublish(t *testing.T) {
	bus := NewEventBus(8, 1, time.Second, nil)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	err := bus.Publish(context.Background(), newTestEvent("e1", tavern.EventKindMessage))
	if err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
}

// TestEventBusPublishNilEventReturnsError verifies nil event publish safety.
func TestEventBusPublishNilEventReturnsError(t *testing.T) {
	bus := NewEventBus(8, 1, time.Second, nil)
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	if err := bus.Publish(context.Background(), nil); err == nil {
		t.Fatal("expected nil event publish to fail")
	}
}

// TestEventBusHandlerPanicIsContained verifies that a panicking handler is
// reported through the async error sink without killing the worker.
func TestEventBusHandlerPanicIsContained(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	bus := NewEventBus(8, 1, time.Second, func(_ context.Context, _ string, err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})
	t.Cleanup(func() {
		_ = bus.Close(context.Background())
	})

	received := make(chan string, 2)
	_, err := bus.Subscribe(context.Background(), tavern.InterestSet{}, tavern.SubscriptionSpec{
		Name: "panicky",
	}, func(_ context.Context, event *tavern.Event) error {
		if event.ID == "boom" {
			panic("handler exploded")
		}
		received <- event.ID
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := bus.Publish(context.Background(), newTestEvent("boom", tavern.EventKindMessage)); err != nil {
		t.Fatalf("publish boom failed: %v", err)
	}
	if err := bus.Publish(context.Background(), newTestEvent("after", tavern.EventKindMessage)); err != nil {
		t.Fatalf("publish after failed: %v", err)
	}

	select {
	case id := <-received:
		if id != "after" {
			t.Fatalf("received %s, want after", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive handler panic")
	}

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1
	})
}

func newTestEvent(id string, kind tavern.EventKind) *tavern.Event {
	event := &tavern.Event{
		ID:         id,
		Kind:       kind,
		RoomID:     "!room:example.org",
		OccurredAt: time.Now().UTC(),
	}

	switch kind {
	case tavern.EventKindMessage:
		event.Message = &tavern.Message{ID: "$msg", Body: "hello", Type: tavern.MessageTypeChat}
	case tavern.EventKindRoll:
		event.Message = &tavern.Message{
			ID:   "$roll",
			Type: tavern.MessageTypeRoll,
			Roll: &tavern.Roll{Notation: "2d6", Count: 2, Sides: 6, Results: []int{1, 2}, Total: 3, Hits: 1},
		}
	case tavern.EventKindScene:
		event.Message = &tavern.Message{
			ID:    "$scene",
			Type:  tavern.MessageTypeScene,
			Scene: &tavern.Scene{Name: "tavern interior"},
		}
	case tavern.EventKindError:
		event.Err = &tavern.ErrorReport{Scope: "test", Err: fmt.Errorf("boom")}
	case tavern.EventKindRoomState:
		event.RoomState = &tavern.RoomState{RoomID: event.RoomID}
	}

	return event
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
