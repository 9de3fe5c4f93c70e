package message

import (
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scadaName = "hw1.isone.me.beech.scada"
	atnName   = "hw1.isone.me.beech"
)

func TestTopicsGolden(t *testing.T) {
	topics := []string{
		Topic(scadaName, (&Ping{}).TypeName()),
		Topic(scadaName, (&Ack{}).TypeName()),
		Topic(atnName, (&PeerActiveEvent{}).TypeName()),
		Topic(atnName, (&ProblemEvent{}).TypeName()),
		SubscriptionFor(scadaName),
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "topics", []byte(strings.Join(topics, "\n")+"\n"))
}

func TestParseTopic(t *testing.T) {
	src, typeName, err := ParseTopic("gw/hw1-isone-me-beech-scada/gridworks-event-problem")
	require.NoError(t, err)
	assert.Equal(t, "hw1-isone-me-beech-scada", src)
	assert.Equal(t, "gridworks.event.problem", typeName)

	for _, bad := range []string{"", "gw", "gw/x", "xx/a/b", "gw//b", "gw/a/b/c"} {
		_, _, err := ParseTopic(bad)
		assert.ErrorIs(t, err, ErrBadTopic, bad)
	}
}

func TestNewMessage(t *testing.T) {
	m := New(scadaName, atnName, &Ping{}, WithAckRequired())
	assert.Equal(t, "gridworks.ping", m.Header.MessageType)
	assert.Equal(t, HeaderTypeName, m.Header.TypeName)
	assert.True(t, m.Header.AckRequired)
	assert.Len(t, m.Header.MessageID, 36)

	ev := &StartupEvent{}
	Stamp(ev, scadaName, time.UnixMilli(1_700_000_000_000))
	em := New(scadaName, atnName, ev)
	assert.Equal(t, ev.MessageID, em.Header.MessageID)
	assert.Equal(t, int64(1_700_000_000_000), ev.TimeCreatedMs)
	assert.Equal(t, "gridworks.event.startup", ev.Type)

	fixed := New(scadaName, atnName, &Ping{}, WithMessageID("abc"))
	assert.Equal(t, "abc", fixed.Header.MessageID)
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewJSONCodec(NewRegistry())
	now := time.UnixMilli(1_700_000_000_123)

	problem := NewProblemEvent(ProblemWarning, "disk", "nearly full")
	Stamp(problem, scadaName, now)
	active := &PeerActiveEvent{CommEvent{PeerName: atnName}}
	Stamp(active, scadaName, now)

	msgs := []*Message{
		New(scadaName, atnName, &Ping{}, WithAckRequired()),
		New(atnName, scadaName, &Ack{AckMessageID: "123"}),
		New(atnName, scadaName, &Shutdown{Reason: "test"}),
		New(scadaName, atnName, problem, WithAckRequired()),
		New(scadaName, atnName, active, WithAckRequired()),
	}
	for _, m := range msgs {
		t.Run(m.Header.MessageType, func(t *testing.T) {
			data, err := codec.Encode(m)
			require.NoError(t, err)
			got, err := codec.Decode(TopicFor(m), data)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestCodecDecodeErrors(t *testing.T) {
	codec := NewJSONCodec(NewRegistry())
	m := New(scadaName, atnName, &Ping{})
	data, err := codec.Encode(m)
	require.NoError(t, err)

	_, err = codec.Decode(Topic(scadaName, "gridworks.ack"), data)
	assert.ErrorIs(t, err, ErrBadTopic)

	_, err = codec.Decode("", []byte("not json"))
	assert.Error(t, err)

	unknown := New(scadaName, atnName, &MQTTConnect{ClientName: "x"})
	data, err = codec.Encode(unknown)
	require.NoError(t, err)
	_, err = codec.Decode("", data)
	assert.ErrorIs(t, err, ErrUnknownType)
}
