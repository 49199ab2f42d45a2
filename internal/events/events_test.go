package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)

	testEvent := TransferEvent{
		BaseEvent: BaseEvent{
			EventType: EventTransferProgress,
			Time:      time.Now(),
		},
		JobID:      "job-1",
		Kind:       "upload_file",
		BytesDone:  512,
		BytesTotal: 1024,
	}

	bus.Publish(testEvent)

	select {
	case received := <-ch:
		progress, ok := received.(TransferEvent)
		if !ok {
			t.Fatal("Expected TransferEvent")
		}
		if progress.JobID != "job-1" {
			t.Errorf("Expected job ID 'job-1', got '%s'", progress.JobID)
		}
		if progress.BytesDone != 512 {
			t.Errorf("Expected 512 bytes done, got %d", progress.BytesDone)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	progressCh := bus.Subscribe(EventTransferProgress)
	stateCh := bus.Subscribe(EventSessionStateChanged)

	bus.PublishSessionState("s-1", "prod", "connecting", "connected", nil)

	select {
	case received := <-stateCh:
		ev, ok := received.(SessionStateEvent)
		if !ok {
			t.Fatal("Expected SessionStateEvent")
		}
		if ev.NewState != "connected" {
			t.Errorf("Expected new state 'connected', got '%s'", ev.NewState)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for state event")
	}

	select {
	case ev := <-progressCh:
		t.Fatalf("Progress subscriber received unrelated event: %v", ev.Type())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.SubscribeAll()

	bus.PublishSessionState("s-1", "prod", "disconnected", "connecting", nil)
	bus.PublishDirectoryInvalidated("s-1", "/remote/dir")

	received := make([]EventType, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			received = append(received, ev.Type())
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout after %d events", i)
		}
	}

	if received[0] != EventSessionStateChanged || received[1] != EventDirectoryInvalidated {
		t.Errorf("Unexpected event order: %v", received)
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch1 := bus.Subscribe(EventDirectoryInvalidated)
	ch2 := bus.Subscribe(EventDirectoryInvalidated)

	bus.PublishDirectoryInvalidated("s-1", "/remote")

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			ev, ok := received.(DirectoryInvalidatedEvent)
			if !ok {
				t.Fatal("Expected DirectoryInvalidatedEvent")
			}
			if ev.Path != "/remote" {
				t.Errorf("Subscriber %d: expected path '/remote', got '%s'", i, ev.Path)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Subscriber %d: timeout waiting for event", i)
		}
	}
}

func TestBus_DroppedWhenFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	bus.Subscribe(EventDirectoryInvalidated)

	bus.PublishDirectoryInvalidated("s-1", "/a")
	bus.PublishDirectoryInvalidated("s-1", "/b") // Buffer of 1 is now full

	if dropped := bus.Dropped(); dropped != 1 {
		t.Errorf("Expected 1 dropped event, got %d", dropped)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferCompleted)
	bus.Unsubscribe(EventTransferCompleted, ch)

	bus.Publish(TransferEvent{
		BaseEvent: BaseEvent{EventType: EventTransferCompleted, Time: time.Now()},
		JobID:     "job-1",
	})

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("Received event after unsubscribe: %v", ev.Type())
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus(10)
	ch := bus.SubscribeAll()
	bus.Close()

	// Must not panic and the channel must be closed.
	bus.PublishDirectoryInvalidated("s-1", "/a")

	if _, ok := <-ch; ok {
		t.Error("Expected closed channel after bus Close")
	}
}
