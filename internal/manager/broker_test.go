package manager

import "testing"

func TestBrokerDeliversToAllSubscribers(t *testing.T) {
	b := NewBroker()
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish(Notification{Kind: NoteTaskStarted, TaskID: "t1"})

	for i, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			if n.TaskID != "t1" {
				t.Errorf("subscriber %d got TaskID %q, want %q", i, n.TaskID, "t1")
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe()
	unsub()

	b.Publish(Notification{Kind: NoteTaskStarted, TaskID: "t1"})

	select {
	case n := <-ch:
		t.Errorf("unsubscribed channel received %+v", n)
	default:
	}
}

func TestBrokerDropsForSlowSubscribers(t *testing.T) {
	b := NewBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	// Publish must never block, even past the subscriber buffer.
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(Notification{Kind: NoteProgress, Value: int64(i)})
	}

	if got := len(ch); got != subscriberBufferSize {
		t.Errorf("buffered notifications = %d, want %d", got, subscriberBufferSize)
	}
}

func TestBrokerCloseClosesSubscribers(t *testing.T) {
	b := NewBroker()
	ch, _ := b.Subscribe()
	b.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel not closed after broker Close")
	}

	// Subscribing after Close yields an already-closed channel.
	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("late subscriber channel not closed")
	}

	// Publishing after Close is a no-op, not a panic.
	b.Publish(Notification{Kind: NoteTaskStarted})
	b.Close()
}
