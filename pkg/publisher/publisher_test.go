package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pubsub-overlay/pkg/coord/coordtest"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

func newTestPublisher(t *testing.T, offered int) (*Publisher, *coordtest.Fake) {
	t.Helper()
	fake := coordtest.New()
	cfg := Config{Host: "127.0.0.1", Topics: []string{"A", "B"}, Offered: offered, SleepPeriod: time.Millisecond}
	return New(cfg, fake, transport.NewPortAllocator(11)), fake
}

func TestAssignZonePicksFromChildren(t *testing.T) {
	p, fake := newTestPublisher(t, 2)
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), nil, true))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(2), nil, true))

	zone, err := p.assignZone()
	require.NoError(t, err)
	assert.Contains(t, []pstypes.Zone{1, 2}, zone)
}

func TestAssignZoneErrorsWhenNoZones(t *testing.T) {
	p, fake := newTestPublisher(t, 2)
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))

	_, err := p.assignZone()
	assert.Error(t, err)
}

func TestAppendHistorySlidesWindow(t *testing.T) {
	p, _ := newTestPublisher(t, 2)

	p.appendHistory(pstypes.Event{Topic: "A"})
	p.appendHistory(pstypes.Event{Topic: "B"})
	p.appendHistory(pstypes.Event{Topic: "C"})

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.history, 2)
	assert.Equal(t, "B", p.history[0].Topic)
	assert.Equal(t, "C", p.history[1].Topic)
}

func TestRegisterSendsRequestAndStoresPrimary(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPublisher(t, 2)
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))

	pool := transport.NewPortAllocator(99)
	reg, err := transport.NewRepServer(ctx, pool)
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), []byte(pstypes.PrimaryInfo{Host: "127.0.0.1", PubRegPort: reg.Port(), SubRegPort: reg.Port() + 1}.Encode()), true))

	eventPub, err := transport.NewEventPublisher(ctx, transport.NewPortAllocator(100))
	require.NoError(t, err)
	defer eventPub.Close()
	p.mu.Lock()
	p.zone = 1
	p.eventPub = eventPub
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var raw map[string]interface{}
		if err := reg.ReceiveRequest(&raw); err != nil {
			return
		}
		assert.Equal(t, p.id, raw["id"])
		_ = reg.SendReply(regResponse{Success: "registered"})
	}()

	require.NoError(t, p.register(ctx))
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, reg.Port(), p.primary.PubRegPort)
}

func TestRegisterPropagatesRejection(t *testing.T) {
	ctx := context.Background()
	p, fake := newTestPublisher(t, 2)
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))

	pool := transport.NewPortAllocator(77)
	reg, err := transport.NewRepServer(ctx, pool)
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), []byte(pstypes.PrimaryInfo{Host: "127.0.0.1", PubRegPort: reg.Port(), SubRegPort: reg.Port() + 1}.Encode()), true))

	eventPub, err := transport.NewEventPublisher(ctx, transport.NewPortAllocator(78))
	require.NoError(t, err)
	defer eventPub.Close()
	p.mu.Lock()
	p.zone = 1
	p.eventPub = eventPub
	p.mu.Unlock()

	go func() {
		var raw map[string]interface{}
		if err := reg.ReceiveRequest(&raw); err != nil {
			return
		}
		_ = reg.SendReply(regResponse{Error: "malformed topic list or missing id"})
	}()

	err = p.register(ctx)
	assert.Error(t, err)
}
