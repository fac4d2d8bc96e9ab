package ts3full

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/rs/zerolog/log"
)

// PingResult is the outcome of an explicit Ping.
type PingResult struct {
	// RTT is the round trip time of the ping.
	RTT time.Duration
	// Err is any error that occurred while waiting for the pong.
	Err error
}

// pendingPing tracks a sent ping awaiting its pong.
type pendingPing struct {
	sentAt   time.Time
	resultCh chan<- PingResult // nil for pings of the resend loop
}

// pingTracker holds the ping state shared by the resend loop, Ping and the
// receive path. Guarded by the handler mutex.
type pingTracker struct {
	lastSentID uint16
	lastSent   time.Time
	pending    map[uint16]*pendingPing

	lastReceivedID uint16 // receive path only
}

func (t *pingTracker) reset() {
	t.failAllLocked(ErrClosed)
	*t = pingTracker{pending: make(map[uint16]*pendingPing)}
}

// sentLocked records an outgoing ping.
func (t *pingTracker) sentLocked(id uint16, now time.Time) {
	if t.pending == nil {
		t.pending = make(map[uint16]*pendingPing)
	}
	t.lastSentID = id
	t.lastSent = now
	if p, ok := t.pending[id]; ok {
		p.sentAt = now
		return
	}
	t.pending[id] = &pendingPing{sentAt: now}
}

// expireLocked forgets pings whose pong never came.
func (t *pingTracker) expireLocked(now time.Time, timeout time.Duration) {
	for id, p := range t.pending {
		if now.Sub(p.sentAt) <= timeout {
			continue
		}
		if p.resultCh != nil {
			p.resultCh <- PingResult{Err: context.DeadlineExceeded}
		}
		delete(t.pending, id)
	}
}

func (t *pingTracker) failAllLocked(err error) {
	for id, p := range t.pending {
		if p.resultCh != nil {
			p.resultCh <- PingResult{Err: err}
		}
		delete(t.pending, id)
	}
}

// Ping sends a ping and waits for its pong. The resend loop pings on its
// own; this is for callers that want a fresh sample.
func (h *PacketHandler) Ping(ctx context.Context) PingResult {
	if !h.crypt.CryptoInitComplete() {
		return PingResult{Err: ErrCryptoNotReady}
	}

	resultCh := make(chan PingResult, 1)

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return PingResult{Err: ErrClosed}
	}
	if err := h.addOutgoingLocked([]byte{}, PacketTypePing, FlagNone); err != nil {
		h.mu.Unlock()
		return PingResult{Err: err}
	}
	id := h.pings.lastSentID
	h.pings.pending[id].resultCh = resultCh
	h.mu.Unlock()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		h.mu.Lock()
		if p, ok := h.pings.pending[id]; ok && p.resultCh == resultCh {
			delete(h.pings.pending, id)
		}
		h.mu.Unlock()
		return PingResult{Err: ctx.Err()}
	}
}

// receivePing answers a server ping with a pong carrying its id and
// counts the pings missing between it and the last one.
func (h *PacketHandler) receivePing(p *Packet) {
	id := p.PacketID
	diff := id - h.pings.lastReceivedID
	if diff > 1 && int(diff) < h.cfg.ReceiveWindow {
		lost := int(diff) - 1
		h.stats.logLostPings(lost)
		log.Debug().
			Uint16("id", id).
			Int("lost", lost).
			Msg("server pings lost")
	}
	if diff != 0 && int(diff) < idSpace-h.cfg.ReceiveWindow {
		h.pings.lastReceivedID = id
	}

	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, id)
	if err := h.AddOutgoingPacket(data, PacketTypePong, FlagNone); err != nil {
		log.Debug().Err(err).Uint16("id", id).Msg("failed to send pong")
	}
}

// receivePong completes the RTT sample of the ping it answers. Only the
// most recent ping feeds the RTO estimator.
func (h *PacketHandler) receivePong(p *Packet) {
	if len(p.Data) < 2 {
		return
	}
	id := binary.BigEndian.Uint16(p.Data)

	h.mu.Lock()
	defer h.mu.Unlock()

	pending, ok := h.pings.pending[id]
	if !ok {
		log.Trace().Uint16("id", id).Msg("pong for unknown ping")
		return
	}
	delete(h.pings.pending, id)

	rtt := time.Since(pending.sentAt)
	if id == h.pings.lastSentID {
		h.rto.update(rtt)
	}
	h.stats.addRTT(rtt)

	if pending.resultCh != nil {
		pending.resultCh <- PingResult{RTT: rtt}
	}
	log.Trace().Uint16("id", id).Dur("rtt", rtt).Msg("pong received")
}
