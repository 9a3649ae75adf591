package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Handshake   HandshakeMetrics `json:"handshake"`
	Transport   TransportMetrics `json:"transport"`
}

type HandshakeMetrics struct {
	Initiated   uint64 `json:"initiated"`
	Established uint64 `json:"established"`
	Declined    uint64 `json:"declined"`
	Revoked     uint64 `json:"revoked"`
	TimedOut    uint64 `json:"timed_out"`
	DedupDrops  uint64 `json:"dedup_drops"`
	PushFallbacks uint64 `json:"push_fallbacks"`
}

type TransportMetrics struct {
	Reconnects       uint64 `json:"reconnects"`
	HeartbeatMisses  uint64 `json:"heartbeat_misses"`
	RegisterTimeouts uint64 `json:"register_timeouts"`
	OutboxFlushed    uint64 `json:"outbox_flushed"`
	OutboxOverflows  uint64 `json:"outbox_overflows"`
}

type Metrics struct {
	initiated        atomic.Uint64
	established      atomic.Uint64
	declined         atomic.Uint64
	revoked          atomic.Uint64
	timedOut         atomic.Uint64
	dedupDrops       atomic.Uint64
	pushFallbacks    atomic.Uint64
	reconnects       atomic.Uint64
	heartbeatMisses  atomic.Uint64
	registerTimeouts atomic.Uint64
	outboxFlushed    atomic.Uint64
	outboxOverflows  atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncInitiated()        { m.initiated.Add(1) }
func (m *Metrics) IncEstablished()      { m.established.Add(1) }
func (m *Metrics) IncDeclined()         { m.declined.Add(1) }
func (m *Metrics) IncRevoked()          { m.revoked.Add(1) }
func (m *Metrics) IncTimedOut()         { m.timedOut.Add(1) }
func (m *Metrics) IncDedupDrops()       { m.dedupDrops.Add(1) }
func (m *Metrics) IncPushFallbacks()    { m.pushFallbacks.Add(1) }
func (m *Metrics) IncReconnects()       { m.reconnects.Add(1) }
func (m *Metrics) IncHeartbeatMisses()  { m.heartbeatMisses.Add(1) }
func (m *Metrics) IncRegisterTimeouts() { m.registerTimeouts.Add(1) }
func (m *Metrics) IncOutboxFlushed()    { m.outboxFlushed.Add(1) }
func (m *Metrics) IncOutboxOverflows()  { m.outboxOverflows.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now(),
		Handshake: HandshakeMetrics{
			Initiated:     m.initiated.Load(),
			Established:   m.established.Load(),
			Declined:      m.declined.Load(),
			Revoked:       m.revoked.Load(),
			TimedOut:      m.timedOut.Load(),
			DedupDrops:    m.dedupDrops.Load(),
			PushFallbacks: m.pushFallbacks.Load(),
		},
		Transport: TransportMetrics{
			Reconnects:       m.reconnects.Load(),
			HeartbeatMisses:  m.heartbeatMisses.Load(),
			RegisterTimeouts: m.registerTimeouts.Load(),
			OutboxFlushed:    m.outboxFlushed.Load(),
			OutboxOverflows:  m.outboxOverflows.Load(),
		},
	}
}

// WriteFile snapshots to path via tmp+rename so readers never see a
// partial file.
func (m *Metrics) WriteFile(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
