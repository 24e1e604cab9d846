package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pubsub-overlay/pkg/coord/coordtest"
	"github.com/cuemby/pubsub-overlay/pkg/pstypes"
	"github.com/cuemby/pubsub-overlay/pkg/transport"
)

func newTestBroker(t *testing.T, centralized bool) (*Broker, *coordtest.Fake) {
	t.Helper()
	fake := coordtest.New()
	b := New(Config{Zone: 1, Host: "127.0.0.1", Centralized: centralized}, fake, transport.NewPortAllocator(7))
	require.NoError(t, fake.Create(pstypes.PublishersRoot, nil, false))
	require.NoError(t, fake.Create(pstypes.SubscribersRoot, nil, false))
	return b, fake
}

func TestRegisterPublisherWritesSharedStateAndRegistry(t *testing.T) {
	b, fake := newTestBroker(t, false)

	raw, _ := json.Marshal(PublisherRegisterRequest{Address: "10.0.0.1:6000", Topics: []string{"A", "B"}, Offered: 3, ID: "pub-1"})
	resp := b.registerPublisher(PublisherRegisterRequest{}, raw)

	assert.Equal(t, "registered", resp.Success)
	assert.True(t, b.reg.hasPublisher("pub-1"))

	data, err := fake.Get(pstypes.PublisherPath("pub-1"))
	require.NoError(t, err)
	var stored pstypes.PublisherRecord
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, 3, stored.Offered)
	assert.ElementsMatch(t, []string{"A", "B"}, stored.Topics)
}

func TestRegisterPublisherRejectsMissingID(t *testing.T) {
	b, _ := newTestBroker(t, false)
	raw, _ := json.Marshal(PublisherRegisterRequest{Address: "a", Topics: []string{"A"}})
	resp := b.registerPublisher(PublisherRegisterRequest{}, raw)
	assert.NotEmpty(t, resp.Error)
}

func TestRegisterSubscriberDecentralizedReturnsNotifyPort(t *testing.T) {
	b, _ := newTestBroker(t, false)
	raw, _ := json.Marshal(SubscriberRegisterRequest{Address: "10.0.0.2", Topics: []string{"A"}, Requested: 1, ID: "sub-1"})
	resp := b.registerSubscriber(SubscriberRegisterRequest{}, raw)

	require.NotNil(t, resp.RegisterSub)
	assert.Greater(t, resp.RegisterSub.NotifyPort, 0)
	assert.True(t, b.reg.hasSubscriber("sub-1"))
}

func TestRegisterSubscriberCentralizedReturnsTopicPorts(t *testing.T) {
	b, _ := newTestBroker(t, true)
	raw, _ := json.Marshal(SubscriberRegisterRequest{Address: "10.0.0.3", Topics: []string{"A", "B"}, Requested: 1, ID: "sub-2"})
	resp := b.registerSubscriber(SubscriberRegisterRequest{}, raw)

	require.Nil(t, resp.RegisterSub)
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	var ports map[string]int
	require.NoError(t, json.Unmarshal(body, &ports))
	assert.Contains(t, ports, "A")
	assert.Contains(t, ports, "B")
}

func TestDominanceFiltersPublishersBelowRequested(t *testing.T) {
	b, _ := newTestBroker(t, false)
	b.reg.addPublisher(pstypes.PublisherRecord{ID: "p1", Topics: []string{"A"}, Offered: 1, Address: "h:1"})

	matches := b.reg.dominatingPublishers("A", 3)
	assert.Empty(t, matches, "offered=1 must not satisfy requested=3")

	matches = b.reg.dominatingPublishers("A", 1)
	assert.Len(t, matches, 1)
}

func TestDisconnectPublisherRemovesSharedStateNode(t *testing.T) {
	b, fake := newTestBroker(t, false)
	raw, _ := json.Marshal(PublisherRegisterRequest{Address: "a", Topics: []string{"A"}, Offered: 1, ID: "pub-x"})
	b.registerPublisher(PublisherRegisterRequest{}, raw)

	b.handlePublisherDisconnect(publisherDisconnectBody{ID: "pub-x", Address: "a", Topics: []string{"A"}})

	assert.False(t, b.reg.hasPublisher("pub-x"))
	_, err := fake.Get(pstypes.PublisherPath("pub-x"))
	assert.Error(t, err)
}
