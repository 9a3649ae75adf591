// Package handshake drives the pairwise session-establishment state
// machine: request, response, the two user-data legs that converge on
// a shared conversation id, plus decline, revoke and expiry.
package handshake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pairlink/internal/debuglog"
	"pairlink/internal/envelope"
	"pairlink/internal/identity"
	"pairlink/internal/ledger"
	"pairlink/internal/metrics"
	"pairlink/internal/push"
)

var (
	ErrAlreadyPending    = errors.New("handshake already pending for peer")
	ErrMalformed         = errors.New("malformed handshake payload")
	ErrNotFound          = errors.New("no handshake for peer")
	ErrInvalidTransition = errors.New("invalid handshake state transition")
	ErrUnreachable       = errors.New("peer unreachable on channel and push")
)

// Channel is the slice of the transport the coordinator needs. Sends
// enqueue and return; Ready gates the push fallback decision.
type Channel interface {
	Send(env envelope.Envelope) error
	Ready() bool
	On(eventName string, fn func(env envelope.Envelope))
}

// KeyStore persists learned peer public keys. The coordinator is the
// only writer; the envelope codec reads through the same store.
type KeyStore interface {
	PeerPublicKey(peerID string) ([]byte, bool)
	StorePeerPublicKey(peerID string, key []byte) error
}

type Config struct {
	Identity  identity.Provider
	Codec     *envelope.Codec
	Channel   Channel
	Push      push.Notifier
	Keys      KeyStore
	Pending   *ledger.Pending
	Processed *ledger.Processed
	Records   *Store
	Sink      Sink
	Metrics   *metrics.Metrics
}

// Coordinator owns all mutable handshake state for one local
// identity. Methods may be called from any goroutine; the mutex is
// never held across a send or a callback.
type Coordinator struct {
	cfg    Config
	events events

	// mu serializes read-modify-write of per-peer records and the
	// pending set.
	mu sync.Mutex
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Identity == nil || cfg.Codec == nil || cfg.Keys == nil {
		return nil, fmt.Errorf("missing identity, codec or key store")
	}
	if cfg.Pending == nil || cfg.Processed == nil || cfg.Records == nil {
		return nil, fmt.Errorf("missing ledger stores")
	}
	return &Coordinator{cfg: cfg}, nil
}

// Bind subscribes the coordinator to the channel's handshake events.
// Every inbound envelope passes the dedup ledger before its handler
// runs, so duplicate delivery across the live and push paths has no
// side effects.
func (c *Coordinator) Bind() {
	if c.cfg.Channel == nil {
		return
	}
	c.cfg.Channel.On(envelope.EventHandshakeRequest, c.inbound(c.HandleRequest))
	c.cfg.Channel.On(envelope.EventHandshakeResponse, c.inbound(c.HandleResponse))
	c.cfg.Channel.On(envelope.EventHandshakeRevoked, c.inbound(c.HandleRevoke))
	c.cfg.Channel.On(envelope.EventUserData, c.inbound(c.HandleUserData))
}

func (c *Coordinator) inbound(handler func(env envelope.Envelope) error) func(env envelope.Envelope) {
	return func(env envelope.Envelope) {
		fresh, err := c.cfg.Processed.MarkIfNew(envelope.Fingerprint(env))
		if err != nil {
			debuglog.Logf("handshake dedup check failed: %v", err)
			return
		}
		if !fresh {
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.IncDedupDrops()
			}
			debuglog.Debugf("handshake dropping duplicate %s from=%s", env.Type, env.From)
			return
		}
		if err := handler(env); err != nil {
			debuglog.Logf("handshake %s from=%s: %v", env.Type, env.From, err)
		}
	}
}

// Initiate opens a handshake with peerID. The pending record is
// persisted only after the request leaves, so a failed send leaves no
// orphaned pending state.
func (c *Coordinator) Initiate(ctx context.Context, peerID, phrase string) (string, error) {
	if !identity.Validate(peerID) {
		return "", fmt.Errorf("%w: bad peer id", ErrMalformed)
	}

	c.mu.Lock()
	if _, found, err := c.cfg.Pending.Get(peerID); err != nil {
		c.mu.Unlock()
		return "", err
	} else if found {
		c.mu.Unlock()
		return "", ErrAlreadyPending
	}
	c.mu.Unlock()

	requestID := uuid.NewString()
	body := envelope.RequestBody{
		RequestID:  requestID,
		PublicKey:  hex.EncodeToString(c.cfg.Identity.PublicKey()),
		KeyVersion: c.cfg.Identity.KeyVersion(),
		Phrase:     phrase,
	}
	env, err := c.cfg.Codec.SealPlain(peerID, envelope.EventHandshakeRequest, body)
	if err != nil {
		return "", err
	}
	if err := c.deliver(ctx, peerID, env); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cfg.Pending.Add(peerID, requestID); err != nil {
		return "", err
	}
	if err := c.cfg.Records.Save(Record{
		PeerID:    peerID,
		State:     StateRequestSent,
		RequestID: requestID,
		Initiator: true,
	}); err != nil {
		return "", err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncInitiated()
	}
	return requestID, nil
}

// Resend clears any pending state for peerID and initiates afresh
// with a new request id. This is an explicit user action, never an
// automatic retry.
func (c *Coordinator) Resend(ctx context.Context, peerID, phrase string) (string, error) {
	c.mu.Lock()
	if err := c.cfg.Pending.Remove(peerID); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if rec, found, err := c.cfg.Records.Load(peerID); err != nil {
		c.mu.Unlock()
		return "", err
	} else if found && !rec.State.Terminal() {
		if err := c.cfg.Records.Delete(peerID); err != nil {
			c.mu.Unlock()
			return "", err
		}
	}
	c.mu.Unlock()
	return c.Initiate(ctx, peerID, phrase)
}

// Accept answers a received request with the local public key. The
// conversation id is not chosen here: that happens on the user-data
// legs that follow.
func (c *Coordinator) Accept(ctx context.Context, peerID string) error {
	c.mu.Lock()
	rec, found, err := c.cfg.Records.Load(peerID)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if rec.State != StateRequestReceived || rec.Accepted {
		return fmt.Errorf("%w: accept in state %s", ErrInvalidTransition, rec.State)
	}

	body := envelope.ResponseBody{
		RequestID:  rec.RequestID,
		Decision:   envelope.DecisionAccepted,
		PublicKey:  hex.EncodeToString(c.cfg.Identity.PublicKey()),
		KeyVersion: c.cfg.Identity.KeyVersion(),
	}
	env, err := c.cfg.Codec.SealPlain(peerID, envelope.EventHandshakeResponse, body)
	if err != nil {
		return err
	}
	if err := c.deliver(ctx, peerID, env); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec.Accepted = true
	return c.cfg.Records.Save(rec)
}

// Decline answers a received request without key material. The
// peer's public key stays stored so a later re-request needs no
// re-discovery; trust is still withheld.
func (c *Coordinator) Decline(ctx context.Context, peerID string) error {
	c.mu.Lock()
	rec, found, err := c.cfg.Records.Load(peerID)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if rec.State != StateRequestReceived {
		return fmt.Errorf("%w: decline in state %s", ErrInvalidTransition, rec.State)
	}

	body := envelope.ResponseBody{RequestID: rec.RequestID, Decision: envelope.DecisionDeclined}
	env, err := c.cfg.Codec.SealPlain(peerID, envelope.EventHandshakeResponse, body)
	if err != nil {
		return err
	}
	if err := c.deliver(ctx, peerID, env); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec.State = StateDeclined
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncDeclined()
	}
	return c.cfg.Records.Save(rec)
}

// Revoke withdraws an outstanding request. Valid only while the
// request is unanswered; once the peer has responded there is nothing
// left to withdraw.
func (c *Coordinator) Revoke(ctx context.Context, peerID string) error {
	c.mu.Lock()
	rec, found, err := c.cfg.Records.Load(peerID)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if rec.State != StateRequestSent {
		return fmt.Errorf("%w: revoke in state %s", ErrInvalidTransition, rec.State)
	}

	body := envelope.RevokeBody{RequestID: rec.RequestID}
	env, err := c.cfg.Codec.SealPlain(peerID, envelope.EventHandshakeRevoked, body)
	if err != nil {
		return err
	}
	if err := c.deliver(ctx, peerID, env); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cfg.Pending.Remove(peerID); err != nil {
		return err
	}
	rec.State = StateRevoked
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncRevoked()
	}
	return c.cfg.Records.Save(rec)
}

// HandleRequest learns the sender's public key and surfaces the
// request. It never auto-responds: learning a key and granting trust
// are separate steps.
func (c *Coordinator) HandleRequest(env envelope.Envelope) error {
	raw, err := envelope.VerifyPlain(env)
	if err != nil {
		return err
	}
	body, err := envelope.DecodeRequestBody(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !identity.Validate(env.From) {
		return fmt.Errorf("%w: bad sender id", ErrMalformed)
	}
	pub, err := hex.DecodeString(body.PublicKey)
	if err != nil || len(pub) != 32 {
		return fmt.Errorf("%w: bad public key", ErrMalformed)
	}
	if err := c.cfg.Keys.StorePeerPublicKey(env.From, pub); err != nil {
		return err
	}

	c.mu.Lock()
	err = c.cfg.Records.Save(Record{
		PeerID:         env.From,
		State:          StateRequestReceived,
		RequestID:      body.RequestID,
		PeerKeyVersion: body.KeyVersion,
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.events.fireRequestReceived(env.From, body.RequestID, body.Phrase)
	return nil
}

// HandleResponse resolves the pending record. An accepted response
// triggers the opening user-data leg, now possible because both
// public keys are known; a declined one terminates the handshake.
func (c *Coordinator) HandleResponse(env envelope.Envelope) error {
	raw, err := envelope.VerifyPlain(env)
	if err != nil {
		return err
	}
	body, err := envelope.DecodeResponseBody(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c.mu.Lock()
	rec, found, err := c.cfg.Records.Load(env.From)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !found || rec.State != StateRequestSent || rec.RequestID != body.RequestID {
		// Stale or duplicate response for a resolved request.
		c.mu.Unlock()
		debuglog.Debugf("handshake ignoring response for %s request=%s", env.From, body.RequestID)
		return nil
	}
	if err := c.cfg.Pending.Remove(env.From); err != nil {
		c.mu.Unlock()
		return err
	}

	if body.Decision == envelope.DecisionDeclined {
		rec.State = StateDeclined
		err := c.cfg.Records.Save(rec)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncDeclined()
		}
		c.events.fireDeclined(env.From)
		return nil
	}

	pub, decErr := hex.DecodeString(body.PublicKey)
	if decErr != nil || len(pub) != 32 {
		c.mu.Unlock()
		return fmt.Errorf("%w: bad public key", ErrMalformed)
	}
	if err := c.cfg.Keys.StorePeerPublicKey(env.From, pub); err != nil {
		c.mu.Unlock()
		return err
	}
	rec.State = StateResponseReceived
	rec.PeerKeyVersion = body.KeyVersion
	if err := c.cfg.Records.Save(rec); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	return c.sendUserData(context.Background(), env.From, "")
}

// HandleUserData processes either user-data leg. A payload without a
// conversation id is the opening leg: the receiver is the seed
// chooser, mints the id and echoes it on the closing leg. A payload
// carrying one is the closing leg and establishes the session with
// the id as sent.
func (c *Coordinator) HandleUserData(env envelope.Envelope) error {
	plaintext, err := c.cfg.Codec.Open(env)
	if err != nil {
		return err
	}
	body, err := envelope.DecodeUserDataBody(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c.mu.Lock()
	rec, found, err := c.cfg.Records.Load(env.From)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !found {
		c.mu.Unlock()
		return ErrNotFound
	}
	if rec.State == StateEstablished {
		c.mu.Unlock()
		debuglog.Debugf("handshake ignoring user data for established %s", env.From)
		return nil
	}

	if body.ConversationID != "" {
		rec.State = StateEstablished
		rec.ConversationID = body.ConversationID
		if err := c.cfg.Records.Save(rec); err != nil {
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
		c.established(env.From, body.ConversationID, body.DisplayName)
		return nil
	}

	// Opening leg: this side is the seed chooser.
	convID := uuid.NewString()
	rec.State = StateDataExchanged
	rec.ConversationID = convID
	if err := c.cfg.Records.Save(rec); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := c.sendUserData(context.Background(), env.From, convID); err != nil {
		return err
	}

	c.mu.Lock()
	rec.State = StateEstablished
	err = c.cfg.Records.Save(rec)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.established(env.From, convID, body.DisplayName)
	return nil
}

// HandleRevoke withdraws the peer's unanswered request. Revokes for
// unknown or already-resolved requests are benign duplicates.
func (c *Coordinator) HandleRevoke(env envelope.Envelope) error {
	raw, err := envelope.VerifyPlain(env)
	if err != nil {
		return err
	}
	body, err := envelope.DecodeRevokeBody(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c.mu.Lock()
	rec, found, err := c.cfg.Records.Load(env.From)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !found || rec.State != StateRequestReceived || rec.RequestID != body.RequestID {
		c.mu.Unlock()
		return nil
	}
	if err := c.cfg.Records.Delete(env.From); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.events.fireRevoked(env.From)
	return nil
}

// ExpireStale times out non-terminal handshakes older than maxAge and
// drops terminal records older than retention. Returns how many
// handshakes timed out.
func (c *Coordinator) ExpireStale(maxAge, retention time.Duration) (int, error) {
	staleCutoff := time.Now().Add(-maxAge).Unix()
	dropCutoff := time.Now().Add(-retention).Unix()

	var stale, drop []string
	c.mu.Lock()
	err := c.cfg.Records.ForEach(func(rec Record) error {
		if rec.State.Terminal() {
			if rec.UpdatedAt < dropCutoff {
				drop = append(drop, rec.PeerID)
			}
			return nil
		}
		if rec.UpdatedAt < staleCutoff {
			stale = append(stale, rec.PeerID)
		}
		return nil
	})
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	for _, peerID := range stale {
		if err := c.cfg.Pending.Remove(peerID); err != nil {
			c.mu.Unlock()
			return 0, err
		}
		if err := c.cfg.Records.Delete(peerID); err != nil {
			c.mu.Unlock()
			return 0, err
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncTimedOut()
		}
	}
	for _, peerID := range drop {
		if err := c.cfg.Records.Delete(peerID); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	c.mu.Unlock()

	for _, peerID := range stale {
		c.events.fireTimedOut(peerID)
	}
	return len(stale), nil
}

func (c *Coordinator) sendUserData(ctx context.Context, peerID, conversationID string) error {
	body := envelope.UserDataBody{
		Identity:       c.cfg.Identity.LocalIdentity(),
		DisplayName:    c.cfg.Identity.DisplayName(),
		ConversationID: conversationID,
	}
	env, err := c.cfg.Codec.Seal(peerID, envelope.EventUserData, body)
	if err != nil {
		return err
	}
	return c.deliver(ctx, peerID, env)
}

// deliver sends on the live channel when it is ready and falls back
// to the push notifier otherwise, treating both paths' results the
// same way.
func (c *Coordinator) deliver(ctx context.Context, peerID string, env envelope.Envelope) error {
	var sendErr error
	if c.cfg.Channel != nil && c.cfg.Channel.Ready() {
		sendErr = c.cfg.Channel.Send(env)
		if sendErr == nil {
			return nil
		}
	}
	if c.cfg.Push == nil {
		if sendErr != nil {
			return sendErr
		}
		return ErrUnreachable
	}
	if err := c.cfg.Push.Deliver(ctx, peerID, env); err != nil {
		return err
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncPushFallbacks()
	}
	debuglog.Debugf("handshake push fallback %s to=%s", env.Type, peerID)
	return nil
}

func (c *Coordinator) established(peerID, conversationID, displayName string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncEstablished()
	}
	if c.cfg.Sink != nil {
		c.cfg.Sink.OnEstablished(peerID, conversationID, displayName)
	}
}
