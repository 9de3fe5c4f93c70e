package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrUnknownType is returned when decoding a payload type that is not
	// registered.
	ErrUnknownType = errors.New("unknown message type")

	// ErrBadTopic is returned for topics outside the gw/<src>/<type> scheme.
	ErrBadTopic = errors.New("bad topic")
)

// EnvelopeTypeName identifies the envelope shape on the wire.
const EnvelopeTypeName = "gw"

// Factory returns a fresh, empty payload of one type.
type Factory func() Payload

// Registry maps message type names to payload factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Builtins are the payloads every proactor can decode.
func Builtins() []Factory {
	return []Factory{
		func() Payload { return &Ping{} },
		func() Payload { return &Ack{} },
		func() Payload { return &Shutdown{} },
		func() Payload { return &PeerActiveEvent{} },
		func() Payload { return &MQTTConnectEvent{} },
		func() Payload { return &MQTTDisconnectEvent{} },
		func() Payload { return &MQTTConnectFailedEvent{} },
		func() Payload { return &MQTTFullySubscribedEvent{} },
		func() Payload { return &ResponseTimeoutEvent{} },
		func() Payload { return &ProblemEvent{} },
		func() Payload { return &StartupEvent{} },
		func() Payload { return &ShutdownEvent{} },
	}
}

// NewRegistry returns a registry holding the builtins plus factories.
func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(Builtins()...)
	r.Register(factories...)
	return r
}

// Register adds factories, replacing any existing entry of the same type.
func (r *Registry) Register(factories ...Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range factories {
		r.factories[f().TypeName()] = f
	}
}

// New returns an empty payload for typeName.
func (r *Registry) New(typeName string) (Payload, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return f(), nil
}

// Codec turns messages into MQTT payloads and back.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(topic string, data []byte) (*Message, error)
}

type envelope struct {
	Header   Header          `json:"Header"`
	Payload  json.RawMessage `json:"Payload"`
	TypeName string          `json:"TypeName"`
}

// JSONCodec is the JSON envelope codec.
type JSONCodec struct {
	registry *Registry
}

// NewJSONCodec returns a codec that decodes payload types known to registry.
func NewJSONCodec(registry *Registry) *JSONCodec {
	return &JSONCodec{registry: registry}
}

// Encode implements Codec.
func (c *JSONCodec) Encode(m *Message) ([]byte, error) {
	body, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Header.MessageType, err)
	}
	data, err := json.Marshal(envelope{Header: m.Header, Payload: body, TypeName: EnvelopeTypeName})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode implements Codec. The topic's type segment must agree with the
// header's MessageType.
func (c *JSONCodec) Decode(topic string, data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope on %s: %w", topic, err)
	}
	if env.TypeName != EnvelopeTypeName {
		return nil, fmt.Errorf("decode envelope on %s: type name %q", topic, env.TypeName)
	}
	if topic != "" {
		_, typeName, err := ParseTopic(topic)
		if err != nil {
			return nil, err
		}
		if typeName != env.Header.MessageType {
			return nil, fmt.Errorf("%w: topic type %q, header type %q", ErrBadTopic, typeName, env.Header.MessageType)
		}
	}
	payload, err := c.registry.New(env.Header.MessageType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Header.MessageType, err)
	}
	return &Message{Header: env.Header, Payload: payload}, nil
}

// TopicPrefix starts every topic.
const TopicPrefix = "gw"

func encodeSegment(s string) string {
	return strings.ReplaceAll(s, ".", "-")
}

// Topic returns gw/<src>/<type> with dots replaced by '-'.
func Topic(src, typeName string) string {
	return TopicPrefix + "/" + encodeSegment(src) + "/" + encodeSegment(typeName)
}

// TopicFor is Topic for a message.
func TopicFor(m *Message) string {
	return Topic(m.Header.Src, m.Header.MessageType)
}

// SubscriptionFor returns the wildcard topic matching everything src sends.
func SubscriptionFor(src string) string {
	return TopicPrefix + "/" + encodeSegment(src) + "/#"
}

// ParseTopic splits a topic into its encoded source segment and decoded
// type name.
func ParseTopic(topic string) (srcSegment, typeName string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadTopic, topic)
	}
	return parts[1], strings.ReplaceAll(parts[2], "-", "."), nil
}
