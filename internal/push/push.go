// Package push is the fallback delivery path used when the live
// channel cannot reach the peer.
package push

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"pairlink/internal/envelope"
)

// Notifier delivers an envelope out of band. The caller treats the
// result exactly like a live-channel send result.
type Notifier interface {
	Deliver(ctx context.Context, peerID string, env envelope.Envelope) error
}

// Spool appends envelopes to per-peer JSONL files for an out-of-band
// agent to forward.
type Spool struct {
	dir string
}

func NewSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) path(peerID string) string {
	return filepath.Join(s.dir, peerID+".jsonl")
}

func (s *Spool) Deliver(ctx context.Context, peerID string, env envelope.Envelope) error {
	if peerID == "" {
		return fmt.Errorf("missing peer id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(peerID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(env); err != nil {
		return err
	}
	return f.Sync()
}

// Spooled returns the queued envelopes for a peer in append order.
func (s *Spool) Spooled(peerID string) ([]envelope.Envelope, error) {
	f, err := os.Open(s.path(peerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []envelope.Envelope
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*envelope.MaxFrameSize)
	for sc.Scan() {
		var env envelope.Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err == nil {
			out = append(out, env)
		}
	}
	return out, sc.Err()
}

// Drain removes a peer's spool once the agent has forwarded it.
func (s *Spool) Drain(peerID string) error {
	err := os.Remove(s.path(peerID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
