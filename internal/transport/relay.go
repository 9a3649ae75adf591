package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"pairlink/internal/debuglog"
	"pairlink/internal/envelope"
)

// Relay routes envelope frames between registered identities. It
// never inspects payloads; it only reads the register frame and the
// routing fields. Undeliverable frames are dropped — the sender's
// push fallback covers offline peers.
type Relay struct {
	mu    sync.Mutex
	conns map[string]*relayConn
}

type relayConn struct {
	rwc     io.ReadWriteCloser
	writeMu sync.Mutex
}

func (rc *relayConn) write(env envelope.Envelope) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return envelope.WriteEnvelope(rc.rwc, env)
}

func NewRelay() *Relay {
	return &Relay{conns: make(map[string]*relayConn)}
}

// ServeConn drives one client connection until it drops. The first
// frame must be a registration; the ack completes the client's
// connect sequence.
func (r *Relay) ServeConn(rwc io.ReadWriteCloser) {
	defer rwc.Close()

	reg, err := envelope.ReadEnvelope(rwc)
	if err != nil {
		return
	}
	if reg.Type != envelope.EventRegister || reg.From == "" {
		debuglog.Debugf("relay rejecting conn: first frame %s", reg.Type)
		return
	}
	identity := reg.From
	rc := &relayConn{rwc: rwc}

	ack := envelope.Envelope{
		Type:    envelope.EventRegisterAck,
		EventID: reg.EventID,
		TS:      time.Now().Unix(),
	}
	if err := rc.write(ack); err != nil {
		return
	}

	r.mu.Lock()
	if prev, ok := r.conns[identity]; ok {
		_ = prev.rwc.Close()
	}
	r.conns[identity] = rc
	r.mu.Unlock()
	debuglog.Debugf("relay registered %s", identity)

	defer func() {
		r.mu.Lock()
		if cur, ok := r.conns[identity]; ok && cur == rc {
			delete(r.conns, identity)
		}
		r.mu.Unlock()
	}()

	for {
		env, err := envelope.ReadEnvelope(rwc)
		if err != nil {
			return
		}
		switch env.Type {
		case envelope.EventPing:
			pong := envelope.Envelope{
				Type:    envelope.EventPong,
				EventID: env.EventID,
				TS:      time.Now().Unix(),
			}
			if err := rc.write(pong); err != nil {
				return
			}
		case envelope.EventRegister:
			// Duplicate registration on a live connection is benign.
			_ = rc.write(envelope.Envelope{
				Type:    envelope.EventRegisterAck,
				EventID: env.EventID,
				TS:      time.Now().Unix(),
			})
		default:
			if env.From != identity {
				debuglog.RateLimitedf("relay-spoof:"+identity, 10*time.Second, "relay dropping frame with forged sender from %s", identity)
				continue
			}
			r.route(env)
		}
	}
}

func (r *Relay) route(env envelope.Envelope) {
	if env.To == "" {
		debuglog.RateLimitedf("relay-noto", 10*time.Second, "relay dropping unaddressed %s frame", env.Type)
		return
	}
	r.mu.Lock()
	dst, ok := r.conns[env.To]
	r.mu.Unlock()
	if !ok {
		debuglog.RateLimitedf("relay-offline:"+env.To, 10*time.Second, "relay peer offline: %s", env.To)
		return
	}
	if err := dst.write(env); err != nil {
		debuglog.Debugf("relay route write err=%v", err)
	}
}

// Registered reports whether an identity currently holds a live
// connection.
func (r *Relay) Registered(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[identity]
	return ok
}

// ListenAndServe accepts QUIC connections and serves one
// bidirectional stream per connection.
func (r *Relay) ListenAndServe(ctx context.Context, addr string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	defer listener.Close()
	debuglog.Logf("relay listening on %s", addr)
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func(qc *quic.Conn) {
			stream, err := qc.AcceptStream(ctx)
			if err != nil {
				_ = qc.CloseWithError(0, "")
				return
			}
			r.ServeConn(&quicStreamConn{stream: stream, conn: qc})
		}(conn)
	}
}
