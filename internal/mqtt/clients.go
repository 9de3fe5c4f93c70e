package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thegridelectric/gwproactor/internal/config"
	"github.com/thegridelectric/gwproactor/internal/message"
)

// Client is one named session in the pool.
type Client struct {
	name          string
	cfg           config.MQTTClient
	conn          Conn
	subscriptions []Subscription
}

// Name returns the client name.
func (c *Client) Name() string { return c.name }

// Subscriptions returns the recorded subscriptions.
func (c *Client) Subscriptions() []Subscription {
	return append([]Subscription(nil), c.subscriptions...)
}

// Clients is a pool of named MQTT sessions. At most one client is the
// upstream (it receives events) and at most one is the primary peer (it
// receives direct commands).
type Clients struct {
	sink        Sink
	dial        Dialer
	reconnect   config.Reconnect
	logger      *slog.Logger
	mu          sync.RWMutex
	clients     map[string]*Client
	order       []string
	upstream    string
	primaryPeer string
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewClients returns an empty pool that posts callbacks to sink.
func NewClients(sink Sink, dial Dialer, reconnect config.Reconnect, logger *slog.Logger) *Clients {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnect.Initial <= 0 {
		reconnect.Initial = config.DefaultReconnectInitial
	}
	if reconnect.Max < reconnect.Initial {
		reconnect.Max = reconnect.Initial
	}
	return &Clients{
		sink:      sink,
		dial:      dial,
		reconnect: reconnect,
		logger:    logger,
		clients:   make(map[string]*Client),
	}
}

// AddClient dials (but does not connect) a named session.
func (c *Clients) AddClient(name string, cfg config.MQTTClient, upstream, primaryPeer bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClient, name)
	}
	if upstream && c.upstream != "" {
		return fmt.Errorf("client %s: upstream already set to %s", name, c.upstream)
	}
	if primaryPeer && c.primaryPeer != "" {
		return fmt.Errorf("client %s: primary peer already set to %s", name, c.primaryPeer)
	}
	conn, err := c.dial(name, cfg, c.handlers(name))
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	c.clients[name] = &Client{name: name, cfg: cfg, conn: conn}
	c.order = append(c.order, name)
	if upstream {
		c.upstream = name
	}
	if primaryPeer {
		c.primaryPeer = name
	}
	return nil
}

func (c *Clients) handlers(name string) Handlers {
	return Handlers{
		OnConnect: func() {
			c.sink.SendThreadsafe(message.New(name, name, &message.MQTTConnect{ClientName: name}))
		},
		OnConnectionLost: func(err error) {
			reason := "connection lost"
			if err != nil {
				reason = err.Error()
			}
			c.sink.SendThreadsafe(message.New(name, name, &message.MQTTDisconnect{ClientName: name, Reason: reason}))
		},
		OnMessage: func(topic string, payload []byte) {
			c.sink.SendThreadsafe(message.New(name, name, &message.MQTTReceipt{
				ClientName: name,
				Topic:      topic,
				Payload:    append([]byte(nil), payload...),
			}))
		},
	}
}

func (c *Clients) client(name string) (*Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, name)
	}
	return cl, nil
}

// Client returns the named client.
func (c *Clients) Client(name string) (*Client, bool) {
	cl, err := c.client(name)
	return cl, err == nil
}

// Names returns client names in the order they were added.
func (c *Clients) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Upstream returns the upstream client name, or "".
func (c *Clients) Upstream() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.upstream
}

// PrimaryPeer returns the primary peer client name, or "".
func (c *Clients) PrimaryPeer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primaryPeer
}

// Subscribe records a subscription; it is sent by SubscribeAll on connect.
func (c *Clients) Subscribe(name, topic string, qos byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.clients[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, name)
	}
	cl.subscriptions = append(cl.subscriptions, Subscription{Topic: topic, QoS: qos})
	return nil
}

// SubscribeAll sends every recorded subscription and returns the set of
// topics whose subacks are pending. Each suback arrives at the sink as an
// MQTTSuback; a rejected subscription arrives as MQTTProblems.
func (c *Clients) SubscribeAll(name string) (map[string]struct{}, error) {
	cl, err := c.client(name)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	subs := cl.Subscriptions()
	c.mu.RUnlock()
	pending := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		pending[sub.Topic] = struct{}{}
	}
	for _, sub := range subs {
		c.wg.Add(1)
		go func(sub Subscription) {
			defer c.wg.Done()
			if err := cl.conn.Subscribe(sub.Topic, sub.QoS); err != nil {
				c.sink.SendThreadsafe(message.New(name, name, &message.MQTTProblems{ClientName: name, Problem: err.Error()}))
				return
			}
			c.sink.SendThreadsafe(message.New(name, name, &message.MQTTSuback{ClientName: name, Topic: sub.Topic}))
		}(sub)
	}
	return pending, nil
}

// Publish sends payload on topic through the named client.
func (c *Clients) Publish(name, topic string, payload []byte, qos byte) error {
	cl, err := c.client(name)
	if err != nil {
		return err
	}
	if !cl.conn.IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, name)
	}
	return cl.conn.Publish(topic, qos, payload)
}

// Connected reports whether the named client is up.
func (c *Clients) Connected(name string) bool {
	cl, err := c.client(name)
	return err == nil && cl.conn.IsConnected()
}

// Start launches one connect loop per client. Each failed attempt posts an
// MQTTConnectFail and backs off before retrying.
func (c *Clients) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	clients := make([]*Client, 0, len(c.order))
	for _, name := range c.order {
		clients = append(clients, c.clients[name])
	}
	c.mu.Unlock()

	for _, cl := range clients {
		c.wg.Add(1)
		go func(cl *Client) {
			defer c.wg.Done()
			c.connectLoop(ctx, cl)
		}(cl)
	}
}

func (c *Clients) connectLoop(ctx context.Context, cl *Client) {
	delay := c.reconnect.Initial
	for {
		err := cl.conn.Connect()
		if err == nil {
			return
		}
		c.logger.Warn("mqtt connect failed", "client", cl.name, "broker", cl.cfg.BrokerURL(), "err", err, "retry_in", delay)
		c.sink.SendThreadsafe(message.New(cl.name, cl.name, &message.MQTTConnectFail{ClientName: cl.name, Reason: err.Error()}))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > c.reconnect.Max {
			delay = c.reconnect.Max
		}
	}
}

// Stop cancels connect loops, disconnects every client and waits for
// outstanding subscribe goroutines.
func (c *Clients) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	clients := make([]*Client, 0, len(c.order))
	for _, name := range c.order {
		clients = append(clients, c.clients[name])
	}
	c.mu.Unlock()

	for _, cl := range clients {
		cl.conn.Disconnect()
	}
	c.wg.Wait()
}
