package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/message"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (s *recordingSink) SendThreadsafe(m *message.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func (s *recordingSink) count(typeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Header.MessageType == typeName {
			n++
		}
	}
	return n
}

func (s *recordingSink) payloads(typeName string) []message.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Payload
	for _, m := range s.msgs {
		if m.Header.MessageType == typeName {
			out = append(out, m.Payload)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPool(t *testing.T, broker *FakeBroker, prefix string) (*Clients, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	c := NewClients(sink, broker.Dialer(prefix), config.Reconnect{Initial: time.Millisecond, Max: 4 * time.Millisecond}, quietLogger())
	t.Cleanup(c.Stop)
	return c, sink
}

func TestAddClientConstraints(t *testing.T) {
	c, _ := newPool(t, NewFakeBroker(), "")
	require.NoError(t, c.AddClient("upstream", config.MQTTClient{}, true, false))
	require.NoError(t, c.AddClient("local", config.MQTTClient{}, false, true))

	err := c.AddClient("upstream", config.MQTTClient{}, false, false)
	assert.ErrorIs(t, err, ErrDuplicateClient)
	assert.Error(t, c.AddClient("other", config.MQTTClient{}, true, false))
	assert.Error(t, c.AddClient("other", config.MQTTClient{}, false, true))

	assert.Equal(t, []string{"upstream", "local"}, c.Names())
	assert.Equal(t, "upstream", c.Upstream())
	assert.Equal(t, "local", c.PrimaryPeer())
	assert.ErrorIs(t, c.Subscribe("missing", "a/b", AtMostOnce), ErrUnknownClient)
}

func TestStartConnectsAndSubscribes(t *testing.T) {
	broker := NewFakeBroker()
	c, sink := newPool(t, broker, "")
	require.NoError(t, c.AddClient("upstream", config.MQTTClient{}, true, false))
	require.NoError(t, c.Subscribe("upstream", "gw/a/#", AtMostOnce))
	require.NoError(t, c.Subscribe("upstream", "gw/b/#", AtLeastOnce))

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return sink.count((&message.MQTTConnect{}).TypeName()) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, c.Connected("upstream"))

	pending, err := c.SubscribeAll("upstream")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	require.Eventually(t, func() bool {
		return sink.count((&message.MQTTSuback{}).TypeName()) == 2
	}, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []Subscription{
		{Topic: "gw/a/#", QoS: AtMostOnce},
		{Topic: "gw/b/#", QoS: AtLeastOnce},
	}, broker.Conn("upstream").Subscribed())
}

func TestRejectedSubscriptionPostsProblems(t *testing.T) {
	broker := NewFakeBroker()
	c, sink := newPool(t, broker, "")
	require.NoError(t, c.AddClient("upstream", config.MQTTClient{}, true, false))
	require.NoError(t, c.Subscribe("upstream", "gw/a/#", AtMostOnce))
	broker.Conn("upstream").SetSubscribeError(errors.New("rejected by broker"))

	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.Connected("upstream") }, time.Second, time.Millisecond)
	_, err := c.SubscribeAll("upstream")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return sink.count((&message.MQTTProblems{}).TypeName()) == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, sink.count((&message.MQTTSuback{}).TypeName()))
}

func TestConnectFailuresRetry(t *testing.T) {
	broker := NewFakeBroker()
	c, sink := newPool(t, broker, "")
	require.NoError(t, c.AddClient("upstream", config.MQTTClient{Host: "broker", Port: 1883}, true, false))
	conn := broker.Conn("upstream")
	conn.SetConnectError(errors.New("connection refused"))

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		return sink.count((&message.MQTTConnectFail{}).TypeName()) >= 3
	}, time.Second, time.Millisecond)
	fail := sink.payloads((&message.MQTTConnectFail{}).TypeName())[0].(*message.MQTTConnectFail)
	assert.Equal(t, "upstream", fail.ClientName)
	assert.Equal(t, "connection refused", fail.Reason)

	conn.SetConnectError(nil)
	require.Eventually(t, func() bool { return c.Connected("upstream") }, time.Second, time.Millisecond)
	assert.Equal(t, 1, conn.Connects())
}

func TestPublishRequiresConnection(t *testing.T) {
	broker := NewFakeBroker()
	c, _ := newPool(t, broker, "")
	require.NoError(t, c.AddClient("upstream", config.MQTTClient{}, true, false))

	err := c.Publish("upstream", "gw/a/b", []byte("x"), AtMostOnce)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Publish("nope", "gw/a/b", nil, AtMostOnce), ErrUnknownClient)
}

func TestBrokerRoutesBetweenPools(t *testing.T) {
	broker := NewFakeBroker()
	child, _ := newPool(t, broker, "child/")
	parent, parentSink := newPool(t, broker, "parent/")
	require.NoError(t, child.AddClient("upstream", config.MQTTClient{}, true, false))
	require.NoError(t, parent.AddClient("downstream", config.MQTTClient{}, false, true))
	require.NoError(t, parent.Subscribe("downstream", "gw/child/#", AtMostOnce))

	child.Start(context.Background())
	parent.Start(context.Background())
	require.Eventually(t, func() bool {
		return child.Connected("upstream") && parent.Connected("downstream")
	}, time.Second, time.Millisecond)
	_, err := parent.SubscribeAll("downstream")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(broker.Conn("parent/downstream").Subscribed()) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, child.Publish("upstream", "gw/child/gridworks-ping", []byte("{}"), AtMostOnce))
	require.NoError(t, child.Publish("upstream", "gw/other/gridworks-ping", []byte("{}"), AtMostOnce))

	receipts := parentSink.payloads((&message.MQTTReceipt{}).TypeName())
	require.Len(t, receipts, 1)
	r := receipts[0].(*message.MQTTReceipt)
	assert.Equal(t, "downstream", r.ClientName)
	assert.Equal(t, "gw/child/gridworks-ping", r.Topic)
}

func TestDropPostsDisconnect(t *testing.T) {
	broker := NewFakeBroker()
	c, sink := newPool(t, broker, "")
	require.NoError(t, c.AddClient("upstream", config.MQTTClient{}, true, false))
	c.Start(context.Background())
	require.Eventually(t, func() bool { return c.Connected("upstream") }, time.Second, time.Millisecond)

	broker.Conn("upstream").Drop(errors.New("MQTT_ERR_CONN_LOST"))
	assert.False(t, c.Connected("upstream"))
	d := sink.payloads((&message.MQTTDisconnect{}).TypeName())
	require.Len(t, d, 1)
	assert.Equal(t, "MQTT_ERR_CONN_LOST", d[0].(*message.MQTTDisconnect).Reason)

	broker.Conn("upstream").Restore()
	assert.Equal(t, 2, sink.count((&message.MQTTConnect{}).TypeName()))
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"gw/a/#", "gw/a/b", true},
		{"gw/a/#", "gw/a", true},
		{"gw/a/#", "gw/b/c", false},
		{"gw/+/ping", "gw/x/ping", true},
		{"gw/+/ping", "gw/x/pong", false},
		{"gw/a/b", "gw/a/b", true},
		{"gw/a/b", "gw/a/b/c", false},
		{"gw/a/b/c", "gw/a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}
