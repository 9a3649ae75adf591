package handshake

import "sync"

// Sink receives the one-shot establishment signal for a peer. The
// embedding application hangs conversation creation off it.
type Sink interface {
	OnEstablished(peerID, conversationID, displayName string)
}

// events fans inbound handshake signals out to any number of
// subscribers, so a late subscriber never silently replaces an
// earlier one.
type events struct {
	mu              sync.Mutex
	requestReceived []func(peerID, requestID, phrase string)
	declined        []func(peerID string)
	revoked         []func(peerID string)
	timedOut        []func(peerID string)
}

func (e *events) fireRequestReceived(peerID, requestID, phrase string) {
	e.mu.Lock()
	fns := append(([]func(string, string, string))(nil), e.requestReceived...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(peerID, requestID, phrase)
	}
}

func (e *events) fireDeclined(peerID string) {
	e.mu.Lock()
	fns := append(([]func(string))(nil), e.declined...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(peerID)
	}
}

func (e *events) fireRevoked(peerID string) {
	e.mu.Lock()
	fns := append(([]func(string))(nil), e.revoked...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(peerID)
	}
}

func (e *events) fireTimedOut(peerID string) {
	e.mu.Lock()
	fns := append(([]func(string))(nil), e.timedOut...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(peerID)
	}
}

// OnRequestReceived subscribes to inbound handshake requests. The
// subscriber decides whether to call Accept or Decline; nothing is
// answered automatically.
func (c *Coordinator) OnRequestReceived(fn func(peerID, requestID, phrase string)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.requestReceived = append(c.events.requestReceived, fn)
}

func (c *Coordinator) OnDeclined(fn func(peerID string)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.declined = append(c.events.declined, fn)
}

func (c *Coordinator) OnRevoked(fn func(peerID string)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.revoked = append(c.events.revoked, fn)
}

func (c *Coordinator) OnTimedOut(fn func(peerID string)) {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.timedOut = append(c.events.timedOut, fn)
}
