package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcell/types"
)

// WSTransport frames the same wire protocol into WebSocket messages, one
// protocol frame per binary message. It is wire-compatible with
// [TCPTransport]: a frame published here is received there unchanged.
type WSTransport struct {
	cfg   Config
	log   *zap.Logger
	stats connStats
	subs  *subTable

	writeMu sync.Mutex
	conn    *websocket.Conn

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// DialWS connects to the bus over WebSocket at cfg.URL and starts the read
// pump.
func DialWS(ctx context.Context, cfg Config, log *zap.Logger) (*WSTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	t := &WSTransport{
		cfg:  cfg,
		log:  log.With(zap.String("component", "transport.ws")),
		subs: newSubTable(),
		done: make(chan struct{}),
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrTransportConnect, "dial "+cfg.URL).
			WithRetryable(true).WithCause(err)
	}
	t.setConn(conn)

	t.wg.Add(1)
	go t.readPump(conn)
	return t, nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	// Frames carry length-prefixed payloads, not WebSocket fragmentation.
	conn.SetReadLimit(maxPayloadSize + 256)
	return conn, nil
}

func (t *WSTransport) setConn(conn *websocket.Conn) {
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
	t.connected.Store(true)
}

// Publish frames data as a PUB and sends it as one binary message.
func (t *WSTransport) Publish(ctx context.Context, subject string, data []byte) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	if err := t.write(ctx, AppendPub(nil, subject, data)); err != nil {
		return err
	}
	t.stats.sent(len(data))
	return nil
}

// Subscribe registers subject and returns its delivery stream.
func (t *WSTransport) Subscribe(ctx context.Context, subject string) (<-chan types.Message, error) {
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
func (t *WSTransport) Unsubscribe(ctx context.Context, subject string) error {
	sub, ok := t.subs.remove(subject)
	if !ok {
		return nil
	}
	return t.write(ctx, AppendUnsub(nil, sub.sid))
}

// IsConnected reports whether the WebSocket is currently up.
func (t *WSTransport) IsConnected() bool { return t.connected.Load() }

// Stats returns a snapshot of the connection counters.
func (t *WSTransport) Stats() ConnectionStats { return t.stats.snapshot() }

// Close performs a normal WebSocket closure and closes every subscription
// stream.
func (t *WSTransport) Close() error {
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
		conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	t.wg.Wait()
	t.subs.closeAll()
	return nil
}

func (t *WSTransport) write(ctx context.Context, frame []byte) error {
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

	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()
	if err := t.conn.Write(writeCtx, websocket.MessageBinary, frame); err != nil {
		return types.NewError(types.ErrTransportPublish, "write frame").
			WithRetryable(true).WithCause(err)
	}
	return nil
}

// readPump decodes one protocol frame per WebSocket message until the
// connection drops, then hands off to the reconnect loop.
func (t *WSTransport) readPump(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				break
			}
			op, err := ParseFrame(data)
			if err != nil {
				t.log.Warn("discarding malformed frame", zap.Error(err))
				continue
			}
			t.handle(op)
		}

		t.connected.Store(false)
		conn.Close(websocket.StatusAbnormalClosure, "read failed")
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

func (t *WSTransport) handle(op Operation) {
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
	}
}

func (t *WSTransport) reconnect() (*websocket.Conn, bool) {
	for attempt := 1; attempt <= t.cfg.MaxReconnects; attempt++ {
		select {
		case <-t.done:
			return nil, false
		case <-time.After(t.cfg.ReconnectDelay):
		}

		conn, err := t.dial(context.Background())
		if err != nil {
			t.log.Debug("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		resubFailed := false
		for _, sub := range t.subs.all() {
			writeCtx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
			err := conn.Write(writeCtx, websocket.MessageBinary, AppendSub(nil, sub.subject, sub.sid))
			cancel()
			if err != nil {
				resubFailed = true
				break
			}
		}
		if resubFailed {
			conn.Close(websocket.StatusAbnormalClosure, "resubscribe failed")
			continue
		}

		t.setConn(conn)
		t.stats.reconnects.Add(1)
		t.log.Info("reconnected", zap.Int("attempt", attempt))
		return conn, true
	}
	return nil, false
}
