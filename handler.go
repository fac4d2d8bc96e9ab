// Package ts3full implements the client side of the TeamSpeak 3 voice
// protocol: the UDP packet layer with its handshake, encryption, reliable
// command channels and pings, plus a FullClient that logs into a server.
//
// It uses github.com/ProtonMail/go-crypto for AES-EAX and the standard
// library for ECDH on P-256 and the UDP socket.
//
// Architecture:
//   - PacketHandler owns the socket, numbering, acks and retransmission
//   - Crypt owns the Init1 handshake state and the per-packet keys
//   - Commands over 487 bytes are QuickLZ compressed and split into fragments
//   - Ids are 16 bit and wrap; a 32 bit generation counter disambiguates keys
package ts3full

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	errSocket        = errors.New("socket failure")
	errPacketTimeout = errors.New("packet not acknowledged in time")
	errAlreadyActive = errors.New("handler already connected")
)

// ackKey identifies an outgoing packet awaiting its acknowledgement.
// Command and CommandLow count ids independently, so the type is part of the key.
type ackKey struct {
	typ PacketType
	id  uint16
}

// PacketHandler is the reliable transport of one connection.
//
// It numbers, splits, compresses, encrypts and sends outgoing packets,
// retransmits Command, CommandLow and Init1 packets until they are acked,
// and turns received datagrams back into ordered, reassembled packets.
//
// Design rationale:
//   - Two goroutines per connection: the caller's FetchPacket loop and resendLoop
//   - Everything both of them touch (socket writes, counters, ack table, RTO)
//     sits behind mu; helpers that need it carry a Locked suffix
//   - Reorder queues and ping accounting belong to the FetchPacket caller only
//   - Stop closes the socket, which ends a blocked FetchPacket, and closes done,
//     which ends resendLoop
type PacketHandler struct {
	crypt    *Crypt
	cfg      Config
	rttCache *RTTCache

	mu                sync.Mutex
	conn              *net.UDPConn
	remote            *net.UDPAddr
	running           bool
	done              chan struct{}
	packetCounter     [packetTypeKinds]uint16
	generationCounter [packetTypeKinds]uint32
	ackTable          map[ackKey]*OutgoingPacket
	rto               *rtoEstimator
	clientID          uint16
	exitReason        *MoveReason
	stats             *NetworkStats
	pings             pingTracker

	// owned by the FetchPacket caller
	receiveQueue    *RingQueue[*Packet]
	receiveQueueLow *RingQueue[*Packet]
	lastIncoming    [packetTypeKinds]IDTuple
	readBuf         []byte
}

// NewPacketHandler creates a transport that uses crypt for all packets.
// rttCache may be nil. cfg is validated first; start from DefaultConfig.
func NewPacketHandler(crypt *Crypt, cfg Config, rttCache *RTTCache) (*PacketHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	crypt.SetMaxPuzzleLevel(cfg.MaxPuzzleLevel)
	return &PacketHandler{
		crypt:           crypt,
		cfg:             cfg,
		rttCache:        rttCache,
		ackTable:        make(map[ackKey]*OutgoingPacket),
		rto:             newRTOEstimator(cfg.ClockResolution, cfg.MaxRetryInterval),
		stats:           NewNetworkStats(cfg.TraceSize),
		receiveQueue:    NewRingQueue[*Packet](cfg.ReceiveWindow),
		receiveQueueLow: NewRingQueue[*Packet](cfg.ReceiveWindow),
		readBuf:         make([]byte, 64*1024),
	}, nil
}

// Connect opens a socket towards addr, resets all per-connection state,
// starts the resend loop and sends the first Init1 packet.
// The handshake then continues from FetchPacket results.
func (h *PacketHandler) Connect(addr *net.UDPAddr) error {
	if addr == nil || addr.IP == nil {
		return fmt.Errorf("connect: unresolved address")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return errAlreadyActive
	}

	network := "udp6"
	if addr.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return fmt.Errorf("failed to open socket: %w", err)
	}

	h.crypt.Reset()
	h.conn = conn
	h.remote = addr
	h.packetCounter = [packetTypeKinds]uint16{}
	h.generationCounter = [packetTypeKinds]uint32{}
	h.ackTable = make(map[ackKey]*OutgoingPacket)
	h.rto = newRTOEstimator(h.cfg.ClockResolution, h.cfg.MaxRetryInterval)
	if srtt, rttVar, ok := h.rttCache.Get(addr.String()); ok {
		h.rto.seed(srtt, rttVar)
	}
	h.stats = NewNetworkStats(h.cfg.TraceSize)
	h.clientID = 0
	h.exitReason = nil
	h.pings.reset()
	h.receiveQueue.Clear()
	h.receiveQueueLow.Clear()
	h.lastIncoming = [packetTypeKinds]IDTuple{}
	h.done = make(chan struct{})
	h.running = true

	init, err := h.crypt.ProcessInit1(nil)
	if err == nil {
		err = h.addOutgoingLocked(init, PacketTypeInit1, FlagNone)
	}
	if err != nil {
		h.running = false
		close(h.done)
		conn.Close()
		return fmt.Errorf("failed to start handshake: %w", err)
	}

	go h.resendLoop(h.done)

	log.Debug().
		Str("server", addr.String()).
		Str("local", conn.LocalAddr().String()).
		Msg("connecting")
	return nil
}

// AddOutgoingPacket sends data as one logical packet of type typ.
// Oversized Command and CommandLow payloads are compressed and split.
// It is a no-op once the connection is closing.
//
// Returns ErrPacketTooLarge for oversized packets of any other type,
// voice included, which is dropped rather than fragmented.
func (h *PacketHandler) AddOutgoingPacket(data []byte, typ PacketType, flags PacketFlags) error {
	h.mu.Lock()
	var err error
	if h.running {
		err = h.addOutgoingLocked(data, typ, flags)
	}
	h.mu.Unlock()

	if errors.Is(err, errSocket) {
		h.Stop(MoveReasonConnectionLost)
	}
	return err
}

// needsSplitting reports whether a payload exceeds one datagram.
func needsSplitting(dataLen int) bool {
	return dataLen+maxOutHeaderSize > MaxPacketSize
}

// Caller must hold h.mu.
func (h *PacketHandler) addOutgoingLocked(data []byte, typ PacketType, flags PacketFlags) error {
	if !typ.IsValid() {
		return fmt.Errorf("invalid packet type %d", uint8(typ))
	}
	if !needsSplitting(len(data)) {
		return h.sendOutgoingLocked(newOutgoingPacket(data, typ), flags)
	}

	if typ != PacketTypeCommand && typ != PacketTypeCommandLow {
		log.Warn().
			Stringer("type", typ).
			Int("size", len(data)).
			Msg("dropping oversized packet")
		h.stats.logDropped()
		return fmt.Errorf("%w: %s of %d bytes", ErrPacketTooLarge, typ, len(data))
	}

	data = qlzCompress(data)
	flags |= FlagCompressed

	if !needsSplitting(len(data)) {
		return h.sendOutgoingLocked(newOutgoingPacket(data, typ), flags)
	}

	fragments := splitPayload(data)
	log.Trace().
		Stringer("type", typ).
		Int("size", len(data)).
		Int("fragments", len(fragments)).
		Msg("splitting packet")
	for i, chunk := range fragments {
		first, last := i == 0, i == len(fragments)-1
		f := FlagNone
		if first {
			f = flags
		}
		if first != last {
			f |= FlagFragmented
		}
		if err := h.sendOutgoingLocked(newOutgoingPacket(chunk, typ), f); err != nil {
			return err
		}
	}
	return nil
}

// splitPayload cuts data into chunks that each fit one datagram.
func splitPayload(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := min(len(data), maxFragmentContent)
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// nextIDLocked returns the id for the next packet of typ. Counters only
// advance once the key exchange is complete; Init1 always uses a fixed id.
// Caller must hold h.mu.
func (h *PacketHandler) nextIDLocked(typ PacketType) IDTuple {
	if typ == PacketTypeInit1 {
		return init1PacketID
	}
	cur := IDTuple{ID: h.packetCounter[typ], Generation: h.generationCounter[typ]}
	if h.crypt.CryptoInitComplete() {
		h.incPacketCounterLocked(typ)
	}
	return cur
}

// Caller must hold h.mu.
func (h *PacketHandler) incPacketCounterLocked(typ PacketType) {
	next := IDTuple{ID: h.packetCounter[typ], Generation: h.generationCounter[typ]}.Next()
	h.packetCounter[typ] = next.ID
	h.generationCounter[typ] = next.Generation
}

// Caller must hold h.mu.
func (h *PacketHandler) sendOutgoingLocked(p *OutgoingPacket, flags PacketFlags) error {
	ids := h.nextIDLocked(p.Type)
	p.PacketID = ids.ID
	p.GenerationID = ids.Generation
	p.ClientID = h.clientID
	p.Flags |= flags

	switch p.Type {
	case PacketTypeVoice, PacketTypeVoiceWhisper:
		if len(p.Data) < 2 {
			return fmt.Errorf("voice payload of %d bytes has no room for its id", len(p.Data))
		}
		p.Flags |= FlagUnencrypted
		binary.BigEndian.PutUint16(p.Data[0:2], p.PacketID)

	case PacketTypeCommand, PacketTypeCommandLow:
		p.Flags |= FlagNewProtocol
		h.ackTable[ackKey{p.Type, p.PacketID}] = p

	case PacketTypePing:
		h.pings.sentLocked(p.PacketID, time.Now())
		p.Flags |= FlagUnencrypted

	case PacketTypePong:
		p.Flags |= FlagUnencrypted

	case PacketTypeAck, PacketTypeAckLow:
		// encrypted like commands

	case PacketTypeInit1:
		p.Flags |= FlagUnencrypted
		h.ackTable[ackKey{p.Type, p.PacketID}] = p
	}

	if err := h.crypt.Encrypt(&p.Packet); err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", p.Type, err)
	}
	return h.sendRawLocked(p)
}

// sendRawLocked writes an already encrypted packet to the socket.
// FirstSendTime is set on the first transmission only, so the absolute
// packet timeout counts from there.
// Caller must hold h.mu.
func (h *PacketHandler) sendRawLocked(p *OutgoingPacket) error {
	now := time.Now()
	if p.FirstSendTime.IsZero() {
		p.FirstSendTime = now
	}
	p.LastSendTime = now

	h.stats.logOutgoing(&p.Packet)
	log.Trace().
		Stringer("packet", &p.Packet).
		Int("resend", p.ResendCount).
		Msg("send")

	if _, err := h.conn.WriteToUDP(p.Raw, h.remote); err != nil {
		return fmt.Errorf("%w: %w", errSocket, err)
	}
	return nil
}

// FetchPacket blocks until the next complete packet arrives and returns it.
//
// Command and CommandLow packets are returned in order and reassembled,
// voice and Init1 packets as they arrive. Acks, pings and pongs are handled
// internally. Malformed, foreign, duplicate and unauthentic datagrams are
// dropped. Returns ErrClosed once the connection has ended.
func (h *PacketHandler) FetchPacket() (*Packet, error) {
	h.mu.Lock()
	conn, remote := h.conn, h.remote
	h.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	for {
		if p := h.tryFetchCommand(h.receiveQueue); p != nil {
			return p, nil
		}
		if p := h.tryFetchCommand(h.receiveQueueLow); p != nil {
			return p, nil
		}

		n, from, err := conn.ReadFromUDP(h.readBuf)
		if err != nil {
			if h.isRunning() {
				log.Error().Err(err).Msg("socket read failed")
				h.Stop(MoveReasonConnectionLost)
			}
			return nil, ErrClosed
		}
		if !from.IP.Equal(remote.IP) || from.Port != remote.Port {
			log.Trace().Str("from", from.String()).Msg("dropping datagram from foreign peer")
			h.stats.logDropped()
			continue
		}

		raw := make([]byte, n)
		copy(raw, h.readBuf[:n])
		p, err := ParsePacket(raw, true)
		if err != nil {
			log.Trace().Err(err).Msg("dropping malformed datagram")
			h.stats.logDropped()
			continue
		}

		if p := h.handleIncoming(p); p != nil {
			return p, nil
		}
	}
}

// handleIncoming decrypts and dispatches one received packet. It returns
// the packet if it should be handed to the caller right away.
func (h *PacketHandler) handleIncoming(p *Packet) *Packet {
	var queue *RingQueue[*Packet]
	switch p.Type {
	case PacketTypeCommand:
		queue = h.receiveQueue
	case PacketTypeCommandLow:
		queue = h.receiveQueueLow
	}

	if queue != nil {
		p.GenerationID = queue.GetGeneration(p.PacketID)
	} else {
		p.GenerationID = h.incomingGeneration(p.Type, p.PacketID)
	}

	if !h.crypt.Decrypt(p) {
		log.Warn().Stringer("packet", p).Msg("dropping packet that failed authentication")
		h.stats.logDecryptFail()
		return nil
	}
	h.stats.logIncoming(p)
	log.Trace().Stringer("packet", p).Msg("receive")

	if queue == nil {
		h.trackIncoming(p)
	}

	switch p.Type {
	case PacketTypeCommand, PacketTypeCommandLow:
		if queue.IsSet(p.PacketID) {
			// our ack may have been lost
			h.sendAck(p)
			h.stats.logDropped()
			return nil
		}
		if !queue.InWindow(p.PacketID) {
			log.Debug().
				Stringer("type", p.Type).
				Uint16("id", p.PacketID).
				Uint16("head", queue.Head().ID).
				Msg("dropping packet outside receive window")
			h.stats.logDropped()
			return nil
		}
		h.sendAck(p)
		if err := queue.Set(p.PacketID, p); err != nil {
			h.stats.logDropped()
		}
		return nil

	case PacketTypePing:
		h.receivePing(p)
		return nil

	case PacketTypePong:
		h.receivePong(p)
		return nil

	case PacketTypeAck, PacketTypeAckLow:
		h.receiveAck(p)
		return nil

	case PacketTypeInit1:
		h.ReceiveInitAck()
		return p

	default:
		return p
	}
}

// incomingGeneration estimates the generation of a packet type that has
// no reorder queue from the last id seen of that type.
func (h *PacketHandler) incomingGeneration(typ PacketType, id uint16) uint32 {
	last := h.lastIncoming[typ]
	switch {
	case id < last.ID && last.ID-id >= halfIDSpace:
		return last.Generation + 1
	case id > last.ID && id-last.ID >= halfIDSpace && last.Generation > 0:
		return last.Generation - 1
	default:
		return last.Generation
	}
}

func (h *PacketHandler) trackIncoming(p *Packet) {
	last := &h.lastIncoming[p.Type]
	if p.PacketID-last.ID < halfIDSpace {
		*last = IDTuple{ID: p.PacketID, Generation: p.GenerationID}
	}
}

// sendAck acknowledges a Command or CommandLow packet.
func (h *PacketHandler) sendAck(p *Packet) {
	ackType := PacketTypeAck
	if p.Type == PacketTypeCommandLow {
		ackType = PacketTypeAckLow
	}
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, p.PacketID)
	if err := h.AddOutgoingPacket(data, ackType, FlagNone); err != nil {
		log.Debug().Err(err).Uint16("id", p.PacketID).Msg("failed to send ack")
	}
}

// receiveAck removes the acked packet from the ack table and feeds its
// round trip into the RTO estimator. Retransmitted packets give no sample.
func (h *PacketHandler) receiveAck(p *Packet) {
	if len(p.Data) < 2 {
		return
	}
	id := binary.BigEndian.Uint16(p.Data)
	typ := PacketTypeCommand
	if p.Type == PacketTypeAckLow {
		typ = PacketTypeCommandLow
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := ackKey{typ, id}
	op, ok := h.ackTable[key]
	if !ok {
		return
	}
	delete(h.ackTable, key)
	if op.ResendCount == 0 {
		h.rto.update(time.Since(op.LastSendTime))
	}
}

// tryFetchCommand dequeues the next complete message from queue.
//
// A message is either one non-fragmented packet at the head, or a run
// from a Fragmented packet through the next Fragmented packet. Compressed
// messages are decompressed; a message that fails to decompress is dropped.
func (h *PacketHandler) tryFetchCommand(queue *RingQueue[*Packet]) *Packet {
	for {
		take, takeLen, ok := scanMessage(queue)
		if !ok {
			return nil
		}

		first, _ := queue.TryDequeue()
		data := first.Data
		if take > 1 {
			data = make([]byte, 0, takeLen)
			data = append(data, first.Data...)
			for i := 1; i < take; i++ {
				next, _ := queue.TryDequeue()
				data = append(data, next.Data...)
			}
		}

		if first.IsCompressed() {
			plain, err := qlzDecompress(data, h.cfg.MaxDecompressedSize)
			if err != nil {
				log.Warn().
					Err(err).
					Stringer("type", first.Type).
					Uint16("id", first.PacketID).
					Msg("dropping message that failed to decompress")
				h.stats.logDropped()
				continue
			}
			data = plain
		}

		msg := *first
		msg.Data = data
		return &msg
	}
}

// scanMessage looks for a complete message at the head of queue and
// returns how many packets and payload bytes it spans.
func scanMessage(queue *RingQueue[*Packet]) (take, takeLen int, ok bool) {
	inFragment := false
	for {
		p, found := queue.TryPeekStart(take)
		if !found {
			return 0, 0, false
		}
		take++
		takeLen += len(p.Data)
		if p.IsFragmented() {
			if inFragment {
				return take, takeLen, true
			}
			inFragment = true
		} else if !inFragment {
			return take, takeLen, true
		}
	}
}

// CryptoInitDone is called after the key exchange has completed. The
// clientinitiv inside Init1 counted as Command id 0, so the command
// counter moves on and pending Init1 packets are dropped.
func (h *PacketHandler) CryptoInitDone() error {
	if !h.crypt.CryptoInitComplete() {
		return ErrCryptoNotReady
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incPacketCounterLocked(PacketTypeCommand)
	h.removeInit1Locked()
	return nil
}

// ReceiveInitAck stops retransmitting Init1 packets.
func (h *PacketHandler) ReceiveInitAck() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeInit1Locked()
}

// Caller must hold h.mu.
func (h *PacketHandler) removeInit1Locked() {
	for key := range h.ackTable {
		if key.typ == PacketTypeInit1 {
			delete(h.ackTable, key)
		}
	}
}

// resendLoop retransmits unacked packets, enforces the absolute packet
// timeout and sends periodic pings until done is closed.
func (h *PacketHandler) resendLoop(done <-chan struct{}) {
	log.Debug().Msg("resend loop started")
	defer log.Debug().Msg("resend loop stopped")

	ticker := time.NewTicker(h.cfg.ClockResolution)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		if err := h.checkResends(); err != nil {
			reason := MoveReasonConnectionLost
			if errors.Is(err, errPacketTimeout) {
				reason = MoveReasonTimeout
			}
			log.Error().Err(err).Stringer("reason", reason).Msg("closing connection")
			h.Stop(reason)
			return
		}
	}
}

// checkResends runs one pass of the resend loop.
func (h *PacketHandler) checkResends() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}

	now := time.Now()
	for key, op := range h.ackTable {
		if now.Sub(op.FirstSendTime) > h.cfg.PacketTimeout {
			return fmt.Errorf("%w: %s id=%d", errPacketTimeout, key.typ, key.id)
		}
		if now.Sub(op.LastSendTime) > h.rto.RTO() {
			h.rto.backoff()
			op.ResendCount++
			h.stats.logResend()
			if err := h.sendRawLocked(op); err != nil {
				return err
			}
		}
	}

	h.pings.expireLocked(now, h.cfg.PacketTimeout)
	if h.crypt.CryptoInitComplete() && now.Sub(h.pings.lastSent) >= h.cfg.PingInterval {
		if err := h.addOutgoingLocked([]byte{}, PacketTypePing, FlagNone); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends the connection. The first reason given is kept as ExitReason.
// Safe to call more than once and from any goroutine.
func (h *PacketHandler) Stop(reason MoveReason) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	if h.exitReason == nil {
		h.exitReason = &reason
	}
	conn, remote := h.conn, h.remote
	srtt, rttVar := h.rto.SRTT(), h.rto.RTTVariance()
	pending := len(h.ackTable)
	h.pings.failAllLocked(ErrClosed)
	close(h.done)
	h.mu.Unlock()

	conn.Close()
	h.rttCache.Put(remote.String(), srtt, rttVar)

	log.Debug().
		Stringer("reason", reason).
		Int("unacked", pending).
		Msg("connection stopped")
}

func (h *PacketHandler) isRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Done is closed when the current connection stops.
func (h *PacketHandler) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// ExitReason returns why the connection ended; ok is false while it is running.
func (h *PacketHandler) ExitReason() (reason MoveReason, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitReason == nil {
		return 0, false
	}
	return *h.exitReason, true
}

// SetClientID sets the id assigned by the server, sent in every later header.
func (h *PacketHandler) SetClientID(id uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clientID = id
}

// ClientID returns the id assigned by the server.
func (h *PacketHandler) ClientID() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientID
}

// CurrentRTO returns the retransmission timeout in effect.
func (h *PacketHandler) CurrentRTO() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rto.RTO()
}

// PendingAcks returns how many packets wait for an acknowledgement.
func (h *PacketHandler) PendingAcks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ackTable)
}

// LocalAddr returns the socket address, nil before Connect.
func (h *PacketHandler) LocalAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	return h.conn.LocalAddr()
}

// NetworkStats returns the counters of the current connection.
func (h *PacketHandler) NetworkStats() *NetworkStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
