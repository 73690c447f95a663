package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"warden/internal/protocol"
)

func TestSubscribeSendsFrameOnce(t *testing.T) {
	d, _, conn := setupDispatcher(t)

	a, err := d.Subscribe("srv-1", "metrics")
	if err != nil {
		t.Fatal(err)
	}
	if conn.sentCount() != 1 {
		t.Fatalf("frames after first subscriber = %d, want 1", conn.sentCount())
	}
	if env := conn.lastSent(); env.Type != protocol.TypeSubscribe {
		t.Errorf("frame type = %q, want subscribe", env.Type)
	}

	// A second local subscriber piggybacks on the existing agent stream.
	b, err := d.Subscribe("srv-1", "metrics")
	if err != nil {
		t.Fatal(err)
	}
	if conn.sentCount() != 1 {
		t.Errorf("frames after second subscriber = %d, want 1", conn.sentCount())
	}

	d.Unsubscribe(a)
	if conn.sentCount() != 1 {
		t.Errorf("frames after partial unsubscribe = %d, want 1", conn.sentCount())
	}

	// Last subscriber leaving tells the agent to stop.
	d.Unsubscribe(b)
	if conn.sentCount() != 2 {
		t.Fatalf("frames after last unsubscribe = %d, want 2", conn.sentCount())
	}
	if env := conn.lastSent(); env.Type != protocol.TypeUnsubscribe {
		t.Errorf("frame type = %q, want unsubscribe", env.Type)
	}
}

func TestStreamFanout(t *testing.T) {
	d, _, _ := setupDispatcher(t)

	a, _ := d.Subscribe("srv-1", "metrics")
	b, _ := d.Subscribe("srv-1", "metrics")
	other, _ := d.Subscribe("srv-1", "logs")

	d.HandleStream("srv-1", protocol.StreamData{
		Channel: "metrics",
		Data:    json.RawMessage(`{"cpu":42}`),
	})

	for _, sub := range []*Subscription{a, b} {
		select {
		case data := <-sub.C:
			if string(data.Data) != `{"cpu":42}` {
				t.Errorf("data = %s, want cpu blob", data.Data)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive frame")
		}
	}

	select {
	case <-other.C:
		t.Error("frame leaked to another channel's subscriber")
	default:
	}
}

func TestStreamDropsWhenSubscriberFull(t *testing.T) {
	d, _, _ := setupDispatcher(t)
	sub, _ := d.Subscribe("srv-1", "metrics")

	// Overfill the buffer; the fanout must not block or panic.
	for i := 0; i < 100; i++ {
		d.HandleStream("srv-1", protocol.StreamData{Channel: "metrics", Data: json.RawMessage(`1`)})
	}

	received := 0
	for {
		select {
		case <-sub.C:
			received++
			continue
		default:
		}
		break
	}
	if received != 64 {
		t.Errorf("received = %d, want buffer size 64", received)
	}
}

func TestDropSubscriptionsForServer(t *testing.T) {
	d, _, _ := setupDispatcher(t)

	a, _ := d.Subscribe("srv-1", "metrics")
	b, _ := d.Subscribe("srv-1", "logs")

	d.DropSubscriptionsForServer("srv-1")

	for _, sub := range []*Subscription{a, b} {
		select {
		case _, ok := <-sub.C:
			if ok {
				t.Error("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Fatal("channel not closed")
		}
	}

	// Frames arriving after the drop go nowhere, quietly.
	d.HandleStream("srv-1", protocol.StreamData{Channel: "metrics", Data: json.RawMessage(`1`)})
}

func TestUnsubscribeIdempotent(t *testing.T) {
	d, _, _ := setupDispatcher(t)
	sub, _ := d.Subscribe("srv-1", "metrics")
	d.Unsubscribe(sub)
	d.Unsubscribe(sub)
}

func TestSubscribeNoSession(t *testing.T) {
	d, _, _ := setupDispatcher(t)
	if _, err := d.Subscribe("srv-offline", "metrics"); err != protocol.ErrNoActiveSession {
		t.Errorf("err = %v, want ErrNoActiveSession", err)
	}
}
