package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentcell/types"
)

// BusIdentity is the transport-level pseudo-sender stamped on every inbound
// frame after normalization.
const BusIdentity types.AgentID = "bus"

// Transport is the capability contract both messaging clients satisfy.
// Publish and Subscribe are bounded by the configured request timeout; on
// timeout the caller receives an error and decides whether to retry. The
// transport only retries reconnection of the underlying channel itself.
type Transport interface {
	// Publish sends data on subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers interest in subject and returns the delivery
	// stream. Messages on the stream are already normalized envelopes.
	Subscribe(ctx context.Context, subject string) (<-chan types.Message, error)

	// Unsubscribe cancels a subscription and closes its stream.
	Unsubscribe(ctx context.Context, subject string) error

	// IsConnected reports whether the underlying channel is up.
	IsConnected() bool

	// Stats returns a snapshot of this instance's counters.
	Stats() ConnectionStats

	// Close tears the connection down. Publish after Close fails.
	Close() error
}

// ConnectionStats is a snapshot of a transport instance's counters. Counters
// increase monotonically and reset only when the owning process restarts.
type ConnectionStats struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	Reconnects       uint64 `json:"reconnects"`
}

// connStats holds the live counters. Owned by one transport instance; there
// is deliberately no package-level state here.
type connStats struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	reconnects       atomic.Uint64
}

func (s *connStats) sent(bytes int) {
	s.messagesSent.Add(1)
	s.bytesSent.Add(uint64(bytes))
}

func (s *connStats) received(bytes int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(uint64(bytes))
}

func (s *connStats) snapshot() ConnectionStats {
	return ConnectionStats{
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		Reconnects:       s.reconnects.Load(),
	}
}

// Config configures either transport client.
type Config struct {
	// URL is the server address: "nats://host:port" or "host:port" for the
	// native client, "ws://host:port/path" for the WebSocket client.
	URL string `json:"url" yaml:"url"`

	// Timeout bounds individual publish/subscribe operations.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxReconnects bounds reconnection attempts after a disconnect.
	MaxReconnects int `json:"max_reconnects" yaml:"max_reconnects"`

	// ReconnectDelay is the fixed delay between reconnection attempts.
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`

	// SubscribeBuffer is the per-subscription delivery buffer size.
	SubscribeBuffer int `json:"subscribe_buffer" yaml:"subscribe_buffer"`
}

// DefaultConfig returns defaults matching a local development bus. The
// retry constants are configurable defaults, not normative values.
func DefaultConfig() Config {
	return Config{
		URL:             "nats://localhost:4222",
		Timeout:         10 * time.Second,
		MaxReconnects:   10,
		ReconnectDelay:  time.Second,
		SubscribeBuffer: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.SubscribeBuffer == 0 {
		c.SubscribeBuffer = d.SubscribeBuffer
	}
	return c
}

// subscription is one live subject registration.
type subscription struct {
	sid     string
	subject string
	ch      chan types.Message
}

// subTable tracks live subscriptions and routes inbound MSG frames to them.
// Shared by both transport implementations so delivery behavior cannot
// diverge.
type subTable struct {
	mu     sync.Mutex
	nextID uint64
	bySID  map[string]*subscription
	bySubj map[string]*subscription
}

func newSubTable() *subTable {
	return &subTable{
		bySID:  make(map[string]*subscription),
		bySubj: make(map[string]*subscription),
	}
}

// add registers a subscription for subject, returning the existing one when
// the subject is already subscribed.
func (t *subTable) add(subject string, buffer int) (*subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.bySubj[subject]; ok {
		return sub, false
	}
	t.nextID++
	sub := &subscription{
		sid:     formatSID(t.nextID),
		subject: subject,
		ch:      make(chan types.Message, buffer),
	}
	t.bySID[sub.sid] = sub
	t.bySubj[subject] = sub
	return sub, true
}

// remove drops the subscription for subject and closes its stream.
func (t *subTable) remove(subject string) (*subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.bySubj[subject]
	if !ok {
		return nil, false
	}
	delete(t.bySubj, subject)
	delete(t.bySID, sub.sid)
	close(sub.ch)
	return sub, true
}

// all returns every live subscription, for re-subscribing after a reconnect.
func (t *subTable) all() []*subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := make([]*subscription, 0, len(t.bySID))
	for _, sub := range t.bySID {
		subs = append(subs, sub)
	}
	return subs
}

// deliver normalizes an inbound MSG frame and hands it to the matching
// subscription. A full delivery buffer drops the message rather than block
// the read loop.
func (t *subTable) deliver(op Operation, stats *connStats) bool {
	t.mu.Lock()
	sub, ok := t.bySID[op.SID]
	if !ok {
		// Fall back to subject match for buses that assign their own sids.
		sub, ok = t.bySubj[op.Subject]
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	stats.received(len(op.Payload))
	msg := Normalize(op.Subject, op.Payload)
	select {
	case sub.ch <- msg:
		return true
	default:
		return false
	}
}

// closeAll closes every subscription stream, for terminal shutdown.
func (t *subTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for subj, sub := range t.bySubj {
		close(sub.ch)
		delete(t.bySubj, subj)
		delete(t.bySID, sub.sid)
	}
}
