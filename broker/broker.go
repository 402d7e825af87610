package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentcell/transport"
)

// writeTimeout bounds a single frame write to a slow session.
const writeTimeout = 5 * time.Second

// Broker routes published frames to every matching subscription across all
// connected sessions, whatever transport they arrived on.
type Broker struct {
	log *zap.Logger

	mu       sync.RWMutex
	sessions map[*session]struct{}
	closed   bool

	ln net.Listener
	g  errgroup.Group
}

// New creates an idle broker. Attach listening surfaces with ListenTCP and
// WSHandler.
func New(log *zap.Logger) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		log:      log.With(zap.String("component", "broker")),
		sessions: make(map[*session]struct{}),
	}
}

// session is one connected client, independent of its carrier. Frame writes
// are serialized per session.
type session struct {
	mu    sync.Mutex
	write func(frame []byte) error
	stop  func()
	subs  map[string]string // sid -> subject pattern
}

func (s *session) send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(frame)
}

// ListenTCP binds addr and serves socket clients until Close. It returns
// the bound address so tests can listen on port 0.
func (b *Broker) ListenTCP(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()

	b.g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return err
			}
			b.g.Go(func() error {
				b.serveTCP(conn)
				return nil
			})
		}
	})
	return ln.Addr().String(), nil
}

func (b *Broker) serveTCP(conn net.Conn) {
	defer conn.Close()

	sess := &session{
		subs: make(map[string]string),
		stop: func() { conn.Close() },
		write: func(frame []byte) error {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, err := conn.Write(frame)
			return err
		},
	}
	if !b.attach(sess) {
		return
	}
	defer b.detach(sess)

	p := transport.NewParser(conn)
	for {
		op, err := p.ReadOperation()
		if err != nil {
			return
		}
		b.handle(sess, op)
	}
}

// WSHandler returns the WebSocket listening surface, mountable on any mux.
func (b *Broker) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			b.log.Debug("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		sess := &session{
			subs: make(map[string]string),
			stop: func() { conn.Close(websocket.StatusGoingAway, "broker shutdown") },
			write: func(frame []byte) error {
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				defer cancel()
				return conn.Write(ctx, websocket.MessageBinary, frame)
			},
		}
		if !b.attach(sess) {
			return
		}
		defer b.detach(sess)

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			op, err := transport.ParseFrame(data)
			if err != nil {
				b.log.Debug("discarding malformed frame", zap.Error(err))
				continue
			}
			b.handle(sess, op)
		}
	})
}

func (b *Broker) attach(s *session) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.sessions[s] = struct{}{}
	return true
}

func (b *Broker) detach(s *session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

func (b *Broker) handle(s *session, op transport.Operation) {
	switch op.Verb {
	case transport.VerbPub:
		b.Publish(op.Subject, op.Payload)
	case transport.VerbSub:
		s.mu.Lock()
		s.subs[op.SID] = op.Subject
		s.mu.Unlock()
	case transport.VerbUnsub:
		s.mu.Lock()
		delete(s.subs, op.SID)
		s.mu.Unlock()
	case transport.VerbPing:
		s.send(transport.AppendPong(nil))
	case transport.VerbPong:
		// Keepalive reply, nothing to do.
	default:
		s.send([]byte("-ERR 'Unknown Protocol Operation'\r\n"))
	}
}

// Publish fans payload out to every subscription matching subject, across
// both listening surfaces. Slow or broken sessions lose the frame; the bus
// never blocks on one subscriber.
func (b *Broker) Publish(subject string, payload []byte) {
	b.mu.RLock()
	targets := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.mu.Lock()
		var frames []byte
		for sid, pattern := range s.subs {
			if SubjectMatch(pattern, subject) {
				frames = transport.AppendMsg(frames, subject, sid, "", payload)
			}
		}
		s.mu.Unlock()
		if len(frames) == 0 {
			continue
		}
		if err := s.send(frames); err != nil {
			b.log.Debug("dropping frame for broken session", zap.Error(err))
		}
	}
}

// Close stops the TCP listener, disconnects every session and waits for the
// session goroutines it owns.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ln := b.ln
	for s := range b.sessions {
		s.stop()
	}
	b.mu.Unlock()

	if ln != nil {
		ln.Close()
		return b.g.Wait()
	}
	return nil
}

// SubjectMatch reports whether a dot-separated subject matches a pattern.
// "*" matches exactly one token and ">" matches one or more trailing tokens.
func SubjectMatch(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
