package ts3full

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns a configuration with fast timers and no automatic pings.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ClockResolution = 10 * time.Millisecond
	cfg.MaxRetryInterval = 200 * time.Millisecond
	cfg.PacketTimeout = 5 * time.Second
	cfg.PingInterval = time.Hour
	cfg.TraceSize = 4096
	return cfg
}

func newTestHandler(t *testing.T, crypt *Crypt, cfg Config, rttCache *RTTCache) *PacketHandler {
	t.Helper()
	h, err := NewPacketHandler(crypt, cfg, rttCache)
	require.NoError(t, err)
	return h
}

func newTestFullClient(t *testing.T, cfg Config, rttCache *RTTCache) *FullClient {
	t.Helper()
	c, err := NewFullClient(cfg, rttCache)
	require.NoError(t, err)
	return c
}

// newTestIdentity creates a level 0 identity.
func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := GenerateIdentity(context.Background(), 0)
	require.NoError(t, err)
	return id
}

// fakeServer is a loopback UDP peer that speaks the server side of the
// protocol with its own Crypt.
type fakeServer struct {
	t        *testing.T
	conn     *net.UDPConn
	identity *Identity
	crypt    *Crypt

	mu       sync.Mutex
	client   *net.UDPAddr
	counters [packetTypeKinds]uint16
	autoAck  bool

	in chan *Packet
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	id := newTestIdentity(t)
	s := &fakeServer{
		t:        t,
		conn:     conn,
		identity: id,
		crypt:    NewCrypt(id),
		in:       make(chan *Packet, 256),
	}
	go s.readLoop()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *fakeServer) addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *fakeServer) setAutoAck(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoAck = on
}

// readLoop decrypts client packets into s.in. Packets that fail
// authentication, e.g. acks sent with the pre-handshake keys, are skipped.
func (s *fakeServer) readLoop() {
	defer close(s.in)
	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		p, err := ParsePacket(raw, false)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.client = from
		autoAck := s.autoAck
		s.mu.Unlock()

		if !s.crypt.Decrypt(p) {
			continue
		}
		if autoAck && (p.Type == PacketTypeCommand || p.Type == PacketTypeCommandLow) {
			ackType := PacketTypeAck
			if p.Type == PacketTypeCommandLow {
				ackType = PacketTypeAckLow
			}
			data := make([]byte, 2)
			binary.BigEndian.PutUint16(data, p.PacketID)
			s.mu.Lock()
			ack := &Packet{PacketID: s.counters[ackType], Type: ackType, FromServer: true, Data: data}
			s.counters[ackType]++
			s.mu.Unlock()
			if s.crypt.Encrypt(ack) == nil {
				s.conn.WriteToUDP(ack.Raw, from)
			}
		}
		s.in <- p
	}
}

// next returns the next client packet of type typ, skipping others.
func (s *fakeServer) next(typ PacketType) *Packet {
	s.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case p, ok := <-s.in:
			require.True(s.t, ok, "server socket closed")
			if p.Type == typ {
				return p
			}
		case <-timeout:
			s.t.Fatalf("timed out waiting for %s packet", typ)
			return nil
		}
	}
}

// expectNone asserts that no packet of type typ arrives within d.
func (s *fakeServer) expectNone(typ PacketType, d time.Duration) {
	s.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case p, ok := <-s.in:
			if !ok {
				return
			}
			require.NotEqual(s.t, typ, p.Type, "unexpected %s packet", typ)
		case <-timeout:
			return
		}
	}
}

// build encrypts a server->client packet with the next id of typ.
func (s *fakeServer) build(typ PacketType, flags PacketFlags, data []byte) *Packet {
	s.mu.Lock()
	id := s.counters[typ]
	s.counters[typ]++
	s.mu.Unlock()
	return s.buildWithID(typ, flags, id, data)
}

func (s *fakeServer) buildWithID(typ PacketType, flags PacketFlags, id uint16, data []byte) *Packet {
	p := &Packet{
		PacketID:   id,
		Type:       typ,
		Flags:      flags,
		FromServer: true,
		Data:       data,
	}
	require.NoError(s.t, s.crypt.Encrypt(p))
	return p
}

func (s *fakeServer) writeRaw(raw []byte) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	require.NotNil(s.t, client, "client address unknown")
	_, err := s.conn.WriteToUDP(raw, client)
	require.NoError(s.t, err)
}

func (s *fakeServer) send(typ PacketType, flags PacketFlags, data []byte) *Packet {
	p := s.build(typ, flags, data)
	s.writeRaw(p.Raw)
	return p
}

func (s *fakeServer) sendWithID(typ PacketType, flags PacketFlags, id uint16, data []byte) *Packet {
	p := s.buildWithID(typ, flags, id, data)
	s.writeRaw(p.Raw)
	return p
}

// completeKeyExchange puts both sides into the encrypted state with the
// same alpha and beta, without the Init1 round trips.
func completeKeyExchange(t *testing.T, client *Crypt, server *fakeServer) {
	t.Helper()
	alpha := make([]byte, alphaLen)
	beta := make([]byte, alphaLen)
	_, err := rand.Read(alpha)
	require.NoError(t, err)
	_, err = rand.Read(beta)
	require.NoError(t, err)
	a := base64.StdEncoding.EncodeToString(alpha)
	b := base64.StdEncoding.EncodeToString(beta)

	require.NoError(t, client.CryptoInit(a, b, server.identity.PublicKeyString()))
	require.NoError(t, server.crypt.CryptoInit(a, b, client.Identity().PublicKeyString()))
}

// newConnectedHandler connects a handler to a fresh fake server and
// completes the key exchange, so commands are numbered from 1.
func newConnectedHandler(t *testing.T, cfg Config) (*PacketHandler, *fakeServer) {
	t.Helper()
	server := newFakeServer(t)
	crypt := NewCrypt(newTestIdentity(t))
	h := newTestHandler(t, crypt, cfg, nil)
	require.NoError(t, h.Connect(server.addr()))
	t.Cleanup(func() { h.Stop(MoveReasonLeftServer) })

	init := server.next(PacketTypeInit1)
	require.Equal(t, byte(0x00), init.Data[init1VersionLen])

	completeKeyExchange(t, crypt, server)
	require.NoError(t, h.CryptoInitDone())
	return h, server
}

// fetchResult is one FetchPacket outcome.
type fetchResult struct {
	p   *Packet
	err error
}

// startFetching runs FetchPacket in a loop and forwards the results.
func startFetching(h *PacketHandler) <-chan fetchResult {
	out := make(chan fetchResult, 64)
	go func() {
		defer close(out)
		for {
			p, err := h.FetchPacket()
			out <- fetchResult{p, err}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func nextFetched(t *testing.T, results <-chan fetchResult) *Packet {
	t.Helper()
	select {
	case r, ok := <-results:
		require.True(t, ok, "fetch loop ended")
		require.NoError(t, r.err)
		return r.p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func expectFetchClosed(t *testing.T, results <-chan fetchResult) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return
			}
			if r.err != nil {
				require.True(t, errors.Is(r.err, ErrClosed), "unexpected error %v", r.err)
				return
			}
		case <-deadline:
			t.Fatal("fetch loop did not end")
			return
		}
	}
}
