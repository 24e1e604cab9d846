package loadbalancer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pubsub-overlay/pkg/coord"
	"github.com/cuemby/pubsub-overlay/pkg/coord/coordtest"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
)

func newTestLoadBalancer(t *testing.T, threshold float64) (*LoadBalancer, *coordtest.Fake) {
	t.Helper()
	fake := coordtest.New()
	require.NoError(t, fake.Create(pstypes.PrimariesRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.PublishersRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.SubscribersRoot, nil, false))
	return New(Config{Threshold: threshold}, fake), fake
}

func TestRebuildGroupsRecordsByZone(t *testing.T) {
	lb, fake := newTestLoadBalancer(t, 3)
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), []byte("127.0.0.1,1,2"), true))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(2), []byte("127.0.0.1,3,4"), true))

	pub1, _ := json.Marshal(pstypes.PublisherRecord{ID: "p1", Zone: 1})
	pub2, _ := json.Marshal(pstypes.PublisherRecord{ID: "p2", Zone: 2})
	sub1, _ := json.Marshal(pstypes.SubscriberRecord{ID: "s1", Zone: 1})
	require.NoError(t, fake.Create(pstypes.PublisherPath("p1"), pub1, true))
	require.NoError(t, fake.Create(pstypes.PublisherPath("p2"), pub2, true))
	require.NoError(t, fake.Create(pstypes.SubscriberPath("s1"), sub1, true))

	lb.rebuild()

	zones := lb.Zones()
	require.Contains(t, zones, pstypes.Zone(1))
	require.Contains(t, zones, pstypes.Zone(2))
	assert.ElementsMatch(t, []string{"p1"}, zones[1].Publishers)
	assert.ElementsMatch(t, []string{"s1"}, zones[1].Subscribers)
	assert.ElementsMatch(t, []string{"p2"}, zones[2].Publishers)
	assert.Empty(t, zones[2].Subscribers)
}

func TestZoneRecordRatio(t *testing.T) {
	rec := ZoneRecord{Publishers: []string{"p1", "p2"}, Subscribers: []string{"s1"}}
	assert.Equal(t, 1.5, rec.Ratio(2))
}

func TestCurrentPrimaryNodePicksLowestSequence(t *testing.T) {
	lb, fake := newTestLoadBalancer(t, 1)
	require.NoError(t, fake.Create(pstypes.ElectionsRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.ElectionPath(1), nil, false))
	first := fake.CreateSequential(pstypes.ElectionPath(1), []byte("broker-a"))
	_ = fake.CreateSequential(pstypes.ElectionPath(1), []byte("broker-b"))

	node, ok := lb.currentPrimaryNode(1)
	require.True(t, ok)
	assert.Equal(t, first[len(pstypes.ElectionPath(1))+1:], node)
}

func TestOnLoadChangedDemotesOnlyThePrimaryNode(t *testing.T) {
	lb, fake := newTestLoadBalancer(t, 1)
	require.NoError(t, fake.Create(pstypes.ElectionsRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.ElectionPath(1), nil, false))
	require.NoError(t, fake.Create(pstypes.ElectionPath(2), nil, false))
	primaryNode := fake.CreateSequential(pstypes.ElectionPath(1), []byte("broker-a"))
	backupNode := fake.CreateSequential(pstypes.ElectionPath(1), []byte("broker-b"))

	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), []byte("h,1,2"), true))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(2), []byte("h,3,4"), true))
	pub2, _ := json.Marshal(pstypes.PublisherRecord{ID: "p2", Zone: 2})
	require.NoError(t, fake.Create(pstypes.PublisherPath("p2"), pub2, true))
	lb.rebuild()

	lb.onLoadChanged([]byte("0.4"), nil)

	_, err := fake.Get(primaryNode)
	assert.ErrorIs(t, err, coord.ErrNotFound)
	_, err = fake.Get(backupNode)
	assert.NoError(t, err)
}

func TestLightestZonePicksSmallestZone(t *testing.T) {
	lb, fake := newTestLoadBalancer(t, 1)
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(1), []byte("h,1,2"), true))
	require.NoError(t, fake.Create(pstypes.PrimaryNodePath(2), []byte("h,3,4"), true))

	pub1, _ := json.Marshal(pstypes.PublisherRecord{ID: "p1", Zone: 1})
	pub2a, _ := json.Marshal(pstypes.PublisherRecord{ID: "p2", Zone: 2})
	pub2b, _ := json.Marshal(pstypes.PublisherRecord{ID: "p3", Zone: 2})
	require.NoError(t, fake.Create(pstypes.PublisherPath("p1"), pub1, true))
	require.NoError(t, fake.Create(pstypes.PublisherPath("p2"), pub2a, true))
	require.NoError(t, fake.Create(pstypes.PublisherPath("p3"), pub2b, true))

	lb.rebuild()

	assert.Equal(t, pstypes.Zone(1), lb.lightestZone())
}
