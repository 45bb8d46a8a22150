// Package messaging wraps the NATS connection shared by chat server nodes.
// It carries two subject families: room.<roomID> for cross-node message
// fan-out and mention.ai for asynchronous mention side effects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject patterns.
const (
	SubjectRoom      = "room"       // + .<roomID>
	SubjectMentionAI = "mention.ai" // AI-mention side effects
)

// RoomSubject returns the fan-out subject for a room.
func RoomSubject(roomID string) string {
	return SubjectRoom + "." + roomID
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 for infinite
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chatapp",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with tracked subscriptions so shutdown
// can drain everything.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS and returns a ready client. The initial
// connection failing is fatal; later disconnects reconnect automatically.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishRoom publishes a broadcast payload to the room's subject.
func (c *Client) PublishRoom(roomID string, data []byte) error {
	return c.conn.Publish(RoomSubject(roomID), data)
}

// SubscribeRoom subscribes this node to a room's fan-out subject. One
// subscription per room per node; re-subscribing replaces nothing and
// returns an error.
func (c *Client) SubscribeRoom(roomID string, handler func(data []byte)) error {
	subject := RoomSubject(roomID)

	c.mu.Lock()
	if _, exists := c.subs[subject]; exists {
		c.mu.Unlock()
		return fmt.Errorf("nats: already subscribed to %s", subject)
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom drops this node's subscription to a room's subject.
func (c *Client) UnsubscribeRoom(roomID string) error {
	return c.unsubscribe(RoomSubject(roomID))
}

// PublishMention publishes an AI-mention notification for asynchronous
// processing by the mention worker.
func (c *Client) PublishMention(data []byte) error {
	return c.conn.Publish(SubjectMentionAI, data)
}

// SubscribeMentions subscribes to AI-mention notifications (mention worker
// side).
func (c *Client) SubscribeMentions(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectMentionAI, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectMentionAI, err)
	}

	c.mu.Lock()
	c.subs[SubjectMentionAI] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *Client) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
