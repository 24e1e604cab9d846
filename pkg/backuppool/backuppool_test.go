package backuppool

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

func TestSpinUpNewBrokerComputesNextZone(t *testing.T) {
	fake := coordtest.New()
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), nil, true))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(3), nil, true))

	bp := New(Config{Host: "127.0.0.1", Threshold: 3, PollTimeout: 50 * time.Millisecond}, fake, transport.NewPortAllocator(31))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp.spinUpNewBroker(ctx)

	// The spun-up broker wins its election immediately in an empty
	// zone and publishes its own primary node.
	require.Eventually(t, func() bool {
		_, err := fake.Get(pstypes.PrimaryNodePath(4))
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestSpinUpNewBrokerDedupesConcurrentTriggers(t *testing.T) {
	fake := coordtest.New()
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))

	bp := New(Config{Host: "127.0.0.1", Threshold: 1}, fake, transport.NewPortAllocator(32))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bp.spinUpNewBroker(ctx)
	bp.spinUpNewBroker(ctx)

	assert.Len(t, bp.spawned, 1)
}
