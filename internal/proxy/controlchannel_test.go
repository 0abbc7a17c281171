package proxy

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestControlChannel_LatestReturnsInitialValue(t *testing.T) {
	dest := Destination{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	c := NewControlChannel(ControlMessage{Kind: Open, Destination: dest})

	version, msg := c.Latest()
	if version == 0 {
		t.Fatal("expected a non-zero initial version")
	}
	if msg.Kind != Open || msg.Destination.String() != dest.String() {
		t.Fatalf("Latest() = %+v, want Open{%v}", msg, dest)
	}
}

func TestControlChannel_AwaitWakesOnPublish(t *testing.T) {
	c := NewControlChannel(ControlMessage{Kind: Close})
	version, _ := c.Latest()

	resultCh := make(chan ControlMessage, 1)
	go func() {
		_, msg, ok := c.Await(context.Background(), version)
		if !ok {
			t.Error("expected Await to observe a real change")
		}
		resultCh <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	dest := Destination{IP: net.ParseIP("10.0.0.1"), Port: 1234}
	c.Publish(ControlMessage{Kind: Open, Destination: dest})

	select {
	case msg := <-resultCh:
		if msg.Kind != Open || msg.Destination.String() != dest.String() {
			t.Fatalf("Await() = %+v, want Open{%v}", msg, dest)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not wake up after Publish")
	}
}

func TestControlChannel_AwaitRacesMultipleSubscribers(t *testing.T) {
	c := NewControlChannel(ControlMessage{Kind: Close})
	version, _ := c.Latest()

	const n = 8
	resultCh := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _, ok := c.Await(context.Background(), version)
			resultCh <- ok
		}()
	}

	time.Sleep(10 * time.Millisecond)
	c.Publish(ControlMessage{Kind: Close})

	for i := 0; i < n; i++ {
		select {
		case ok := <-resultCh:
			if !ok {
				t.Fatal("expected every racing subscriber to observe the change")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("not all subscribers woke up")
		}
	}
}

func TestControlChannel_CancelledAwaitIsNonDestructive(t *testing.T) {
	c := NewControlChannel(ControlMessage{Kind: Close})
	version, _ := c.Latest()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, ok := c.Await(ctx, version)
	if ok {
		t.Fatal("expected Await to report cancellation, not a real change")
	}

	// The value must still be observable and publishable afterward.
	gotVersion, msg := c.Latest()
	if gotVersion != version || msg.Kind != Close {
		t.Fatal("cancelling an Await must not disturb the channel's value")
	}

	dest := Destination{IP: net.ParseIP("127.0.0.1"), Port: 80}
	c.Publish(ControlMessage{Kind: Open, Destination: dest})
	newVersion, newMsg := c.Latest()
	if newVersion == gotVersion || newMsg.Destination.String() != dest.String() {
		t.Fatal("channel must remain publishable after a cancelled Await")
	}
}
