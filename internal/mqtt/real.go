package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/thegridelectric/gwproactor/internal/config"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
	publishTimeout   = 5 * time.Second

	// subackFailure is the suback return code for a rejected subscription.
	subackFailure byte = 0x80
)

// RealConn talks to an actual MQTT broker through paho.
type RealConn struct {
	client paho.Client
}

// DialPaho is the production Dialer. Paho reconnects on its own after a
// lost connection and calls OnConnect again; the first connection is
// driven by the pool so failures can be reported.
func DialPaho(name string, cfg config.MQTTClient, h Handlers) (Conn, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.Config()
		if err != nil {
			return nil, fmt.Errorf("client %s tls: %w", name, err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		if h.OnConnect != nil {
			h.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		if h.OnConnectionLost != nil {
			h.OnConnectionLost(err)
		}
	})
	opts.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) {
		if h.OnMessage != nil {
			h.OnMessage(m.Topic(), m.Payload())
		}
	})
	return &RealConn{client: paho.NewClient(opts)}, nil
}

// Connect implements Conn.
func (c *RealConn) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Disconnect implements Conn.
func (c *RealConn) Disconnect() {
	c.client.Disconnect(1000) // 1 second quiesce
}

// Subscribe implements Conn.
func (c *RealConn) Subscribe(topic string, qos byte) error {
	token := c.client.Subscribe(topic, qos, nil)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscribe %s timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == subackFailure {
			return fmt.Errorf("subscribe %s: rejected by broker", topic)
		}
	}
	return nil
}

// Publish implements Conn.
func (c *RealConn) Publish(topic string, qos byte, payload []byte) error {
	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// IsConnected implements Conn.
func (c *RealConn) IsConnected() bool {
	return c.client.IsConnected()
}
