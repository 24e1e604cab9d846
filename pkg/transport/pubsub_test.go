package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
)

func TestEventPublisherSubscriberRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := NewPortAllocator(42)

	pub, err := NewEventPublisher(ctx, pool)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewEventSubscriber(ctx, "tcp://localhost:"+itoaPort(pub.Port()), []string{"weather"})
	require.NoError(t, err)
	defer sub.Close()

	// zmq PUB/SUB needs a moment for the subscription to propagate
	// before the publisher's first send; the original tolerates this
	// with its own sleep_period, so tests do the same.
	time.Sleep(100 * time.Millisecond)

	want := pstypes.Event{Publisher: "pub-1", Topic: "weather"}
	go func() {
		for i := 0; i < 20; i++ {
			_ = pub.Publish("weather", want)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	var got pstypes.Event
	done := make(chan struct{})
	go func() {
		topic, err := sub.Receive(&got)
		assert.NoError(t, err)
		assert.Equal(t, "weather", topic)
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, want.Publisher, got.Publisher)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func itoaPort(p int) string {
	if p == 0 {
		return "0"
	}
	digits := []byte{}
	for p > 0 {
		digits = append([]byte{byte('0' + p%10)}, digits...)
		p /= 10
	}
	return string(digits)
}
