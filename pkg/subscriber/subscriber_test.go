package subscriber

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pubsub-overlay/pkg/coord/coordtest"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

func newTestSubscriber(t *testing.T, requested int) (*Subscriber, *coordtest.Fake) {
	t.Helper()
	fake := coordtest.New()
	cfg := Config{Host: "127.0.0.1", Topics: []string{"A", "B"}, Requested: requested, SleepPeriod: time.Millisecond}
	return New(cfg, fake, transport.NewPortAllocator(21)), fake
}

func TestAssignZonePicksFromChildren(t *testing.T) {
	s, fake := newTestSubscriber(t, 1)
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), nil, true))

	zone, err := s.assignZone()
	require.NoError(t, err)
	assert.Equal(t, pstypes.Zone(1), zone)
}

// TestRegisterDecentralizedConnectsNotifySocket simulates the broker's
// side of the notify channel as a bound ReqServer, matching
// original_source/src/lib/broker.py binding notify_sub_sockets and
// subscriber.py connecting to them (spec.md §4.4): the subscriber must
// connect its notify REP socket to the broker's advertised endpoint,
// not bind one of its own.
func TestRegisterDecentralizedConnectsNotifySocket(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSubscriber(t, 1)
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))

	pool := transport.NewPortAllocator(201)
	reg, err := transport.NewRepServer(ctx, pool)
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), []byte(pstypes.PrimaryInfo{Host: "127.0.0.1", PubRegPort: reg.Port() + 1, SubRegPort: reg.Port()}.Encode()), true))

	s.mu.Lock()
	s.zone = 1
	s.mu.Unlock()

	notifyPool := transport.NewPortAllocator(202)
	notifySrv, err := transport.NewReqServer(ctx, notifyPool)
	require.NoError(t, err)
	defer notifySrv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var raw map[string]interface{}
		if err := reg.ReceiveRequest(&raw); err != nil {
			return
		}
		assert.Equal(t, s.id, raw["id"])
		_ = reg.SendReply(map[string]interface{}{"register_sub": map[string]int{"notify_port": notifySrv.Port()}})
	}()

	require.NoError(t, s.register(ctx))
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.False(t, s.centralized)
	assert.NotNil(t, s.notifySock)
	assert.Equal(t, notifySrv.Port(), s.notifyPort)
}

func TestRegisterCentralizedOpensTopicSockets(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSubscriber(t, 1)
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))

	pool := transport.NewPortAllocator(301)
	reg, err := transport.NewRepServer(ctx, pool)
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), []byte(pstypes.PrimaryInfo{Host: "127.0.0.1", PubRegPort: reg.Port() + 1, SubRegPort: reg.Port()}.Encode()), true))

	forwardPool := transport.NewPortAllocator(302)
	forwardA, err := transport.NewEventPublisher(ctx, forwardPool)
	require.NoError(t, err)
	defer forwardA.Close()

	s.mu.Lock()
	s.zone = 1
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var raw map[string]interface{}
		if err := reg.ReceiveRequest(&raw); err != nil {
			return
		}
		_ = reg.SendReply(map[string]int{"A": forwardA.Port()})
	}()

	require.NoError(t, s.register(ctx))
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.centralized)
	assert.Contains(t, s.topicSocks, "topic:A")
}

func TestWriteCSVWritesHeaderAndRows(t *testing.T) {
	s, _ := newTestSubscriber(t, 1)
	s.mu.Lock()
	s.received = []pstypes.ReceivedRecord{{Publisher: "p1", Topic: "A", TotalTimeSeconds: 0.5}}
	s.mu.Unlock()

	path := t.TempDir() + "/out.csv"
	require.NoError(t, s.WriteCSV(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "publisher,topic,total_time_seconds")
	assert.Contains(t, string(data), "p1,A,0.5")
}
