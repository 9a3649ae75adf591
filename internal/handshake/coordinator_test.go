package handshake

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pairlink/internal/crypto"
	"pairlink/internal/envelope"
	"pairlink/internal/identity"
	"pairlink/internal/ledger"
	"pairlink/internal/metrics"
)

// testNet queues envelopes between parties and delivers them from the
// test goroutine, so handlers never reenter the sender's call stack.
type testNet struct {
	mu       sync.Mutex
	queue    []envelope.Envelope
	channels map[string]*testChannel
	sent     []envelope.Envelope
}

func newTestNet() *testNet {
	return &testNet{channels: make(map[string]*testChannel)}
}

// pump delivers queued envelopes until the network is quiet, including
// any envelopes enqueued by the handlers it invokes.
func (n *testNet) pump() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		ch := n.channels[env.To]
		n.mu.Unlock()
		if ch != nil {
			ch.dispatch(env)
		}
	}
}

// replay re-delivers an already-sent envelope, simulating duplicate
// delivery across the live and push paths.
func (n *testNet) replay(env envelope.Envelope) {
	n.mu.Lock()
	n.queue = append(n.queue, env)
	n.mu.Unlock()
	n.pump()
}

type testChannel struct {
	net      *testNet
	identity string
	ready    bool
	sendErr  error

	mu       sync.Mutex
	handlers map[string][]func(env envelope.Envelope)
}

func (c *testChannel) Send(env envelope.Envelope) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.net.mu.Lock()
	c.net.queue = append(c.net.queue, env)
	c.net.sent = append(c.net.sent, env)
	c.net.mu.Unlock()
	return nil
}

func (c *testChannel) Ready() bool { return c.ready }

func (c *testChannel) On(eventName string, fn func(env envelope.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventName] = append(c.handlers[eventName], fn)
}

func (c *testChannel) dispatch(env envelope.Envelope) {
	c.mu.Lock()
	fns := append(([]func(envelope.Envelope))(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

type sinkCall struct {
	peerID         string
	conversationID string
	displayName    string
}

func (s *recordingSink) OnEstablished(peerID, conversationID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{peerID, conversationID, displayName})
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []envelope.Envelope
}

func (r *recordingNotifier) Deliver(ctx context.Context, peerID string, env envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, env)
	return nil
}

type testIdentity struct {
	id   string
	name string
	pub  []byte
}

func (t *testIdentity) LocalIdentity() string { return t.id }
func (t *testIdentity) DisplayName() string   { return t.name }
func (t *testIdentity) PublicKey() []byte     { return t.pub }
func (t *testIdentity) KeyVersion() int       { return 1 }

type party struct {
	id      string
	coord   *Coordinator
	channel *testChannel
	sink    *recordingSink
	records *Store
	pending *ledger.Pending
	metrics *metrics.Metrics
}

func newParty(t *testing.T, net *testNet, name string) *party {
	t.Helper()
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	id := identity.Derive(pub)

	db, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	processed, err := db.Processed()
	if err != nil {
		t.Fatalf("processed store failed: %v", err)
	}

	ch := &testChannel{net: net, identity: id, ready: true, handlers: make(map[string][]func(envelope.Envelope))}
	net.mu.Lock()
	net.channels[id] = ch
	net.mu.Unlock()

	keys := db.PeerKeys()
	sink := &recordingSink{}
	records := NewStore(db.Handshakes())
	m := metrics.New()
	coord, err := New(Config{
		Identity:  &testIdentity{id: id, name: name, pub: pub},
		Codec:     envelope.NewCodec(id, priv, keys),
		Channel:   ch,
		Keys:      keys,
		Pending:   db.Pending(),
		Processed: processed,
		Records:   records,
		Sink:      sink,
		Metrics:   m,
	})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	coord.Bind()
	return &party{id: id, coord: coord, channel: ch, sink: sink, records: records, pending: db.Pending(), metrics: m}
}

func (p *party) state(t *testing.T, peerID string) State {
	t.Helper()
	rec, found, err := p.records.Load(peerID)
	if err != nil {
		t.Fatalf("load record failed: %v", err)
	}
	if !found {
		return StateNone
	}
	return rec.State
}

func runToAccept(t *testing.T, net *testNet, a, b *party) {
	t.Helper()
	if _, err := a.coord.Initiate(context.Background(), b.id, "hello"); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	net.pump()
	if err := b.coord.Accept(context.Background(), a.id); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	net.pump()
}

func TestFullHandshakeConvergesOnConversationID(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	var gotRequest []string
	b.coord.OnRequestReceived(func(peerID, requestID, phrase string) {
		gotRequest = append(gotRequest, peerID+"/"+phrase)
	})

	requestID, err := a.coord.Initiate(context.Background(), b.id, "coffee?")
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if requestID == "" {
		t.Fatalf("empty request id")
	}
	net.pump()

	if len(gotRequest) != 1 || gotRequest[0] != a.id+"/coffee?" {
		t.Fatalf("unexpected request events: %v", gotRequest)
	}
	if got := b.state(t, a.id); got != StateRequestReceived {
		t.Fatalf("expected request_received, got %s", got)
	}

	if err := b.coord.Accept(context.Background(), a.id); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	net.pump()

	if len(a.sink.calls) != 1 || len(b.sink.calls) != 1 {
		t.Fatalf("expected one establishment per side, got a=%d b=%d", len(a.sink.calls), len(b.sink.calls))
	}
	if a.sink.calls[0].conversationID != b.sink.calls[0].conversationID {
		t.Fatalf("conversation ids diverged: %s vs %s", a.sink.calls[0].conversationID, b.sink.calls[0].conversationID)
	}
	if a.sink.calls[0].conversationID == "" {
		t.Fatalf("empty conversation id")
	}
	if a.sink.calls[0].displayName != "Bob" || b.sink.calls[0].displayName != "Alice" {
		t.Fatalf("display names wrong: %+v %+v", a.sink.calls[0], b.sink.calls[0])
	}
	if got := a.state(t, b.id); got != StateEstablished {
		t.Fatalf("initiator state %s", got)
	}
	if got := b.state(t, a.id); got != StateEstablished {
		t.Fatalf("accepter state %s", got)
	}
	if _, found, _ := a.pending.Get(b.id); found {
		t.Fatalf("pending record survived establishment")
	}
	if a.metrics.Snapshot().Handshake.Established != 1 {
		t.Fatalf("establishment not counted")
	}
}

func TestInitiateTwiceIsAlreadyPending(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := a.coord.Initiate(context.Background(), b.id, ""); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected already pending, got %v", err)
	}
	list, err := a.pending.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one pending record, got %d", len(list))
	}
}

func TestInitiateRejectsBadPeerID(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	if _, err := a.coord.Initiate(context.Background(), "not-an-identity", ""); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestFailedSendLeavesNoPending(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	a.channel.sendErr = fmt.Errorf("wire broke")
	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err == nil {
		t.Fatalf("expected initiate failure")
	}
	if _, found, _ := a.pending.Get(b.id); found {
		t.Fatalf("orphaned pending record after failed send")
	}
	if got := a.state(t, b.id); got != StateNone {
		t.Fatalf("orphaned handshake record in state %s", got)
	}
}

func TestPushFallbackWhenChannelNotReady(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	notifier := &recordingNotifier{}
	a.coord.cfg.Push = notifier
	a.channel.ready = false

	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if len(notifier.calls) != 1 || notifier.calls[0].Type != envelope.EventHandshakeRequest {
		t.Fatalf("expected one push delivery, got %+v", notifier.calls)
	}
	if _, found, _ := a.pending.Get(b.id); !found {
		t.Fatalf("pending record missing after push delivery")
	}
	if a.metrics.Snapshot().Handshake.PushFallbacks != 1 {
		t.Fatalf("push fallback not counted")
	}
}

func TestPushFallbackWhenSendFails(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	notifier := &recordingNotifier{}
	a.coord.cfg.Push = notifier
	a.channel.sendErr = fmt.Errorf("wire broke")

	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected push fallback after send failure")
	}
}

func TestDeclineFlow(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	var declined []string
	a.coord.OnDeclined(func(peerID string) { declined = append(declined, peerID) })

	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	net.pump()
	if err := b.coord.Decline(context.Background(), a.id); err != nil {
		t.Fatalf("decline failed: %v", err)
	}
	net.pump()

	if len(declined) != 1 || declined[0] != b.id {
		t.Fatalf("unexpected decline events: %v", declined)
	}
	if got := a.state(t, b.id); got != StateDeclined {
		t.Fatalf("initiator state %s", got)
	}
	if _, found, _ := a.pending.Get(b.id); found {
		t.Fatalf("pending record survived decline")
	}
	// Peer key learned from the request stays stored.
	if _, ok := b.coord.cfg.Keys.PeerPublicKey(a.id); !ok {
		t.Fatalf("decline dropped the learned peer key")
	}

	// A fresh request after the terminal state mints a new request id.
	second, err := a.coord.Initiate(context.Background(), b.id, "")
	if err != nil {
		t.Fatalf("re-initiate failed: %v", err)
	}
	if second == "" {
		t.Fatalf("empty second request id")
	}
}

func TestRevokeWithdrawsRequest(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	var revoked []string
	b.coord.OnRevoked(func(peerID string) { revoked = append(revoked, peerID) })

	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	net.pump()
	if err := a.coord.Revoke(context.Background(), b.id); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	net.pump()

	if len(revoked) != 1 || revoked[0] != a.id {
		t.Fatalf("unexpected revoke events: %v", revoked)
	}
	if got := b.state(t, a.id); got != StateNone {
		t.Fatalf("peer kept state %s after revoke", got)
	}
	if got := a.state(t, b.id); got != StateRevoked {
		t.Fatalf("local state %s", got)
	}
	if _, found, _ := a.pending.Get(b.id); found {
		t.Fatalf("pending record survived revoke")
	}
}

func TestRevokeAfterResponseRejected(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	runToAccept(t, net, a, b)

	err := a.coord.Revoke(context.Background(), b.id)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := b.state(t, a.id); got != StateEstablished {
		t.Fatalf("peer state disturbed: %s", got)
	}
}

func TestDuplicateEnvelopeHasNoSideEffects(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	requests := 0
	b.coord.OnRequestReceived(func(peerID, requestID, phrase string) { requests++ })

	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	net.pump()
	if requests != 1 {
		t.Fatalf("expected one request event, got %d", requests)
	}

	net.mu.Lock()
	request := net.sent[0]
	net.mu.Unlock()
	net.replay(request)

	if requests != 1 {
		t.Fatalf("duplicate request produced a side effect")
	}
	if b.metrics.Snapshot().Handshake.DedupDrops != 1 {
		t.Fatalf("dedup drop not counted")
	}
}

func TestDuplicateClosingLegEstablishesOnce(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	runToAccept(t, net, a, b)
	if len(a.sink.calls) != 1 {
		t.Fatalf("expected one establishment, got %d", len(a.sink.calls))
	}

	// Replay the closing user-data leg (the last sealed envelope B
	// sent to A).
	net.mu.Lock()
	var closing envelope.Envelope
	for _, env := range net.sent {
		if env.Type == envelope.EventUserData && env.To == a.id {
			closing = env
		}
	}
	net.mu.Unlock()
	net.replay(closing)

	if len(a.sink.calls) != 1 {
		t.Fatalf("duplicate closing leg re-established: %d calls", len(a.sink.calls))
	}
}

func TestResendMintsNewRequestID(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	first, err := a.coord.Initiate(context.Background(), b.id, "")
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	second, err := a.coord.Resend(context.Background(), b.id, "")
	if err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if second == first {
		t.Fatalf("resend reused request id")
	}
	requestID, found, err := a.pending.Get(b.id)
	if err != nil || !found {
		t.Fatalf("pending record missing after resend: %v", err)
	}
	if requestID != second {
		t.Fatalf("pending holds %s, want %s", requestID, second)
	}
}

func TestAcceptWithoutRequestFails(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	if err := a.coord.Accept(context.Background(), b.id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRevokeForUnknownRequestIsBenign(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	body := envelope.RevokeBody{RequestID: "ghost"}
	env, err := a.coord.cfg.Codec.SealPlain(b.id, envelope.EventHandshakeRevoked, body)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if err := b.coord.HandleRevoke(env); err != nil {
		t.Fatalf("unknown revoke should be a no-op, got %v", err)
	}
}

func TestExpireStaleTimesOutAndNotifies(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	var timedOut []string
	a.coord.OnTimedOut(func(peerID string) { timedOut = append(timedOut, peerID) })

	if _, err := a.coord.Initiate(context.Background(), b.id, ""); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	// A negative max age puts the cutoff in the future, so even the
	// fresh record counts as stale.
	n, err := a.coord.ExpireStale(-time.Second, 24*time.Hour)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	if len(timedOut) != 1 || timedOut[0] != b.id {
		t.Fatalf("unexpected timeout events: %v", timedOut)
	}
	if _, found, _ := a.pending.Get(b.id); found {
		t.Fatalf("pending record survived expiry")
	}
	if a.metrics.Snapshot().Handshake.TimedOut != 1 {
		t.Fatalf("timeout not counted")
	}
}

func TestTamperedRequestRejected(t *testing.T) {
	net := newTestNet()
	a := newParty(t, net, "Alice")
	b := newParty(t, net, "Bob")

	body := envelope.RequestBody{RequestID: "r1", PublicKey: "00", KeyVersion: 1}
	env, err := a.coord.cfg.Codec.SealPlain(b.id, envelope.EventHandshakeRequest, body)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	env.Checksum = "deadbeef"
	if err := b.coord.HandleRequest(env); !errors.Is(err, envelope.ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	if got := b.state(t, a.id); got != StateNone {
		t.Fatalf("tampered request left state %s", got)
	}
}
