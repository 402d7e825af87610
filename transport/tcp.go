package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentcell/types"
)

// TCPTransport is the native binary-socket client. It keeps one persistent
// outbound connection, pumps inbound frames on a background goroutine and
// reconnects with a fixed delay up to the configured attempt limit.
type TCPTransport struct {
	cfg   Config
	log   *zap.Logger
	stats connStats
	subs  *subTable

	writeMu sync.Mutex
	conn    net.Conn

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// DialTCP connects to the bus at cfg.URL and starts the read pump. The
// initial dial is synchronous so a bad address fails fast.
func DialTCP(cfg Config, log *zap.Logger) (*TCPTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	t := &TCPTransport{
		cfg:  cfg,
		log:  log.With(zap.String("component", "transport.tcp")),
		subs: newSubTable(),
		done: make(chan struct{}),
	}

	conn, err := t.dial()
	if err != nil {
		return nil, types.NewError(types.ErrTransportConnect, "dial "+cfg.URL).
			WithRetryable(true).WithCause(err)
	}
	t.setConn(conn)

	t.wg.Add(1)
	go t.readPump(conn)
	return t, nil
}

func (t *TCPTransport) dial() (net.Conn, error) {
	addr := strings.TrimPrefix(t.cfg.URL, "nats://")
	addr = strings.TrimPrefix(addr, "tcp://")
	return net.DialTimeout("tcp", addr, t.cfg.Timeout)
}

func (t *TCPTransport) setConn(conn net.Conn) {
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	t.connected.Store(true)
}

// Publish frames data as a PUB and writes it to the socket.
func (t *TCPTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	frame := AppendPub(nil, subject, data)
	if err := t.write(ctx, frame); err != nil {
		return err
	}
	t.stats.sent(len(data))
	return nil
}

// Subscribe registers subject and returns its delivery stream. Subscribing
// to the same subject twice returns the same stream.
func (t *TCPTransport) Subscribe(ctx context.Context, subject string) (<-chan types.Message, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	sub, fresh := t.subs.add(subject, t.cfg.SubscribeBuffer)
	if !fresh {
		return sub.ch, nil
	}
	if err := t.write(ctx, AppendSub(nil, subject, sub.sid)); err != nil {
		t.subs.remove(subject)
		return nil, err
	}
	return sub.ch, nil
}

// Unsubscribe cancels the subject's subscription and closes its stream.
func (t *TCPTransport) Unsubscribe(ctx context.Context, subject string) error {
	sub, ok := t.subs.remove(subject)
	if !ok {
		return nil
	}
	return t.write(ctx, AppendUnsub(nil, sub.sid))
}

// IsConnected reports whether the socket is currently up.
func (t *TCPTransport) IsConnected() bool { return t.connected.Load() }

// Stats returns a snapshot of the connection counters.
func (t *TCPTransport) Stats() ConnectionStats { return t.stats.snapshot() }

// Close shuts the connection down and closes every subscription stream.
func (t *TCPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	t.connected.Store(false)

	t.writeMu.Lock()
	conn := t.conn
	t.conn = nil
	t.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	t.subs.closeAll()
	return nil
}

func (t *TCPTransport) write(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return types.NewError(types.ErrTransportClosed, "transport closed")
	}
	if !t.connected.Load() {
		return types.NewError(types.ErrTransportConnect, "not connected").WithRetryable(true)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return types.NewError(types.ErrTransportConnect, "not connected").WithRetryable(true)
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if _, err := t.conn.Write(frame); err != nil {
		return types.NewError(types.ErrTransportPublish, "write frame").
			WithRetryable(true).WithCause(err)
	}
	return nil
}

// readPump decodes frames until the connection drops, then hands off to the
// reconnect loop. Runs for the lifetime of the transport.
func (t *TCPTransport) readPump(conn net.Conn) {
	defer t.wg.Done()

	for {
		parser := NewParser(conn)
		for {
			op, err := parser.ReadOperation()
			if err != nil {
				break
			}
			t.handle(op)
		}

		t.connected.Store(false)
		conn.Close()
		if t.closed.Load() {
			return
		}

		next, ok := t.reconnect()
		if !ok {
			t.log.Warn("reconnect attempts exhausted, transport is down",
				zap.Int("max_reconnects", t.cfg.MaxReconnects))
			t.subs.closeAll()
			return
		}
		conn = next
	}
}

func (t *TCPTransport) handle(op Operation) {
	switch op.Verb {
	case VerbMsg:
		if !t.subs.deliver(op, &t.stats) {
			t.log.Debug("dropped message with no matching subscription",
				zap.String("subject", op.Subject))
		}
	case VerbPing:
		t.write(context.Background(), AppendPong(nil))
	case VerbErr:
		t.log.Warn("server error frame", zap.String("error", op.Err))
	case VerbPong, VerbOK, VerbInfo:
		// Keepalive and handshake chatter.
	}
}

// reconnect retries the dial with a fixed delay. On success it replays every
// live subscription so subscribers keep their streams across the outage.
func (t *TCPTransport) reconnect() (net.Conn, bool) {
	for attempt := 1; attempt <= t.cfg.MaxReconnects; attempt++ {
		select {
		case <-t.done:
			return nil, false
		case <-time.After(t.cfg.ReconnectDelay):
		}

		conn, err := t.dial()
		if err != nil {
			t.log.Debug("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		var frame []byte
		for _, sub := range t.subs.all() {
			frame = AppendSub(frame, sub.subject, sub.sid)
		}
		if len(frame) > 0 {
			conn.SetWriteDeadline(time.Now().Add(t.cfg.Timeout))
			if _, err := conn.Write(frame); err != nil {
				conn.Close()
				continue
			}
			conn.SetWriteDeadline(time.Time{})
		}

		t.setConn(conn)
		t.stats.reconnects.Add(1)
		t.log.Info("reconnected", zap.Int("attempt", attempt))
		return conn, true
	}
	return nil, false
}

func validateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \r\n") {
		return types.NewError(types.ErrInvalidConfig, "invalid subject")
	}
	return nil
}
