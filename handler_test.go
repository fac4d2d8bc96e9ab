package ts3full

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestNeedsSplitting(t *testing.T) {
	assert.False(t, needsSplitting(0))
	assert.False(t, needsSplitting(MaxPacketSize-maxOutHeaderSize))
	assert.True(t, needsSplitting(MaxPacketSize-maxOutHeaderSize+1))
}

func TestSplitPayload(t *testing.T) {
	data := make([]byte, 2*maxFragmentContent+10)
	chunks := splitPayload(data)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], maxFragmentContent)
	assert.Len(t, chunks[1], maxFragmentContent)
	assert.Len(t, chunks[2], 10)
	assert.Empty(t, splitPayload(nil))
}

func TestScanMessage(t *testing.T) {
	q := NewRingQueue[*Packet](10)
	frag := func(id uint16, flags PacketFlags, data string) {
		require.NoError(t, q.Set(id, &Packet{PacketID: id, Flags: flags, Data: []byte(data)}))
	}

	_, _, ok := scanMessage(q)
	assert.False(t, ok, "empty queue")

	frag(0, FlagFragmented, "ab")
	frag(2, FlagFragmented, "ef")
	_, _, ok = scanMessage(q)
	assert.False(t, ok, "gap in fragment run")

	frag(1, FlagNone, "cd")
	take, takeLen, ok := scanMessage(q)
	require.True(t, ok)
	assert.Equal(t, 3, take)
	assert.Equal(t, 6, takeLen)
}

func TestTryFetchCommandReassembles(t *testing.T) {
	h := newTestHandler(t, NewCrypt(nil), testConfig(), nil)
	q := h.receiveQueue

	plain := bytes.Repeat([]byte("clientlist -uid -away -voice "), 40)
	compressed := qlzCompress(plain)
	require.Less(t, len(compressed), len(plain))

	half := len(compressed) / 2
	require.NoError(t, q.Set(1, &Packet{PacketID: 1, Type: PacketTypeCommand, Data: compressed[half:], Flags: FlagFragmented}))
	assert.Nil(t, h.tryFetchCommand(q), "head missing")

	require.NoError(t, q.Set(0, &Packet{PacketID: 0, Type: PacketTypeCommand, Data: compressed[:half], Flags: FlagFragmented | FlagCompressed}))
	require.NoError(t, q.Set(2, &Packet{PacketID: 2, Type: PacketTypeCommand, Data: []byte("single")}))

	msg := h.tryFetchCommand(q)
	require.NotNil(t, msg)
	assert.Equal(t, plain, msg.Data)
	assert.Equal(t, uint16(0), msg.PacketID)

	msg = h.tryFetchCommand(q)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("single"), msg.Data)

	assert.Nil(t, h.tryFetchCommand(q))
	assert.Equal(t, uint16(3), q.Head().ID)
}

func TestTryFetchCommandDropsBadCompression(t *testing.T) {
	h := newTestHandler(t, NewCrypt(nil), testConfig(), nil)
	q := h.receiveQueue

	require.NoError(t, q.Set(0, &Packet{PacketID: 0, Data: []byte{0xFF, 0x00}, Flags: FlagCompressed}))
	require.NoError(t, q.Set(1, &Packet{PacketID: 1, Data: []byte("next")}))

	msg := h.tryFetchCommand(q)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("next"), msg.Data)
	assert.Equal(t, uint64(1), h.stats.Snapshot().Dropped)
}

func TestIncomingGeneration(t *testing.T) {
	h := newTestHandler(t, NewCrypt(nil), testConfig(), nil)

	assert.Equal(t, uint32(0), h.incomingGeneration(PacketTypeAck, 10))

	h.trackIncoming(&Packet{Type: PacketTypeAck, PacketID: 65530, GenerationID: 0})
	assert.Equal(t, uint32(1), h.incomingGeneration(PacketTypeAck, 3), "wrapped id")
	assert.Equal(t, uint32(0), h.incomingGeneration(PacketTypeAck, 65000))

	h.trackIncoming(&Packet{Type: PacketTypeAck, PacketID: 3, GenerationID: 1})
	assert.Equal(t, uint32(0), h.incomingGeneration(PacketTypeAck, 65534), "late packet of the previous lap")
	assert.Equal(t, uint32(1), h.incomingGeneration(PacketTypeAck, 4))
}

// TestNewPacketHandlerRejectsInvalidConfig verifies that a zero Config is
// refused instead of building a zero-sized receive window.
func TestNewPacketHandlerRejectsInvalidConfig(t *testing.T) {
	h, err := NewPacketHandler(NewCrypt(nil), Config{}, nil)
	assert.Error(t, err)
	assert.Nil(t, h)

	c, err := NewFullClient(Config{}, nil)
	assert.Error(t, err)
	assert.Nil(t, c)

	cfg := DefaultConfig()
	cfg.ReceiveWindow = 0
	_, err = NewFullClient(cfg, nil)
	assert.Error(t, err)
}

func TestHandlerAddOutgoingBeforeConnect(t *testing.T) {
	h := newTestHandler(t, NewCrypt(nil), testConfig(), nil)
	assert.NoError(t, h.AddOutgoingPacket([]byte("ignored"), PacketTypeCommand, FlagNone))
	_, err := h.FetchPacket()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandlerConnectSendsInit1(t *testing.T) {
	server := newFakeServer(t)
	h := newTestHandler(t, NewCrypt(newTestIdentity(t)), testConfig(), nil)
	require.NoError(t, h.Connect(server.addr()))
	defer h.Stop(MoveReasonLeftServer)

	p := server.next(PacketTypeInit1)
	assert.Equal(t, init1PacketID.ID, p.PacketID)
	assert.Equal(t, init1Mac, p.Mac())
	assert.Equal(t, init1Version, p.Data[:init1VersionLen])
	assert.Equal(t, 1, h.PendingAcks())

	assert.ErrorIs(t, h.Connect(server.addr()), errAlreadyActive)
}

func TestHandlerSendCommandNumbering(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())

	require.NoError(t, h.AddOutgoingPacket([]byte("first"), PacketTypeCommand, FlagNone))
	require.NoError(t, h.AddOutgoingPacket([]byte("second"), PacketTypeCommand, FlagNone))
	require.NoError(t, h.AddOutgoingPacket([]byte("low"), PacketTypeCommandLow, FlagNone))

	p := server.next(PacketTypeCommand)
	assert.Equal(t, uint16(1), p.PacketID, "clientinitiv used id 0")
	assert.Equal(t, []byte("first"), p.Data)
	assert.NotZero(t, p.Flags&FlagNewProtocol)

	p = server.next(PacketTypeCommand)
	assert.Equal(t, uint16(2), p.PacketID)
	assert.Equal(t, []byte("second"), p.Data)

	p = server.next(PacketTypeCommandLow)
	assert.Equal(t, uint16(0), p.PacketID)
	assert.Equal(t, []byte("low"), p.Data)
}

func TestHandlerSplitsLargeCommands(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())

	first := randomBytes(t, 600)
	second := randomBytes(t, 600)
	require.NoError(t, h.AddOutgoingPacket(first, PacketTypeCommand, FlagNone))
	require.NoError(t, h.AddOutgoingPacket(second, PacketTypeCommand, FlagNone))

	for _, want := range [][]byte{first, second} {
		head := server.next(PacketTypeCommand)
		tail := server.next(PacketTypeCommand)

		assert.Equal(t, head.PacketID+1, tail.PacketID)
		assert.True(t, head.IsFragmented())
		assert.True(t, head.IsCompressed())
		assert.True(t, tail.IsFragmented())
		assert.False(t, tail.IsCompressed())
		assert.LessOrEqual(t, len(head.Raw), MaxPacketSize)
		assert.LessOrEqual(t, len(tail.Raw), MaxPacketSize)

		joined := append(append([]byte{}, head.Data...), tail.Data...)
		plain, err := qlzDecompress(joined, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, want, plain)
	}
}

func TestHandlerCompressesWithoutSplitting(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())

	data := []byte(strings.Repeat("channel_name=Lobby ", 40))
	require.NoError(t, h.AddOutgoingPacket(data, PacketTypeCommand, FlagNone))

	p := server.next(PacketTypeCommand)
	assert.True(t, p.IsCompressed())
	assert.False(t, p.IsFragmented())
	plain, err := qlzDecompress(p.Data, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, data, plain)
}

func TestHandlerVoice(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())

	require.NoError(t, h.AddOutgoingPacket([]byte{0, 0, byte(CodecOpusVoice), 1, 2, 3}, PacketTypeVoice, FlagNone))
	p := server.next(PacketTypeVoice)
	assert.True(t, p.IsUnencrypted())
	assert.Equal(t, p.PacketID, binary.BigEndian.Uint16(p.Data[0:2]))
	assert.Equal(t, []byte{byte(CodecOpusVoice), 1, 2, 3}, p.Data[2:])

	err := h.AddOutgoingPacket(make([]byte, MaxPacketSize), PacketTypeVoice, FlagNone)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
	err = h.AddOutgoingPacket(make([]byte, MaxPacketSize), PacketTypeVoiceWhisper, FlagNone)
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	err = h.AddOutgoingPacket([]byte{1}, PacketTypeVoice, FlagNone)
	assert.Error(t, err)
}

func TestHandlerAckClearsPending(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	server.setAutoAck(true)
	startFetching(h)

	require.NoError(t, h.AddOutgoingPacket([]byte("clientupdate"), PacketTypeCommand, FlagNone))
	require.NoError(t, h.AddOutgoingPacket([]byte("low"), PacketTypeCommandLow, FlagNone))
	server.next(PacketTypeCommand)
	server.next(PacketTypeCommandLow)

	require.Eventually(t, func() bool { return h.PendingAcks() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHandlerRetransmitsUnacked(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryInterval = 50 * time.Millisecond
	h, server := newConnectedHandler(t, cfg)

	require.NoError(t, h.AddOutgoingPacket([]byte("clientmove cid=1"), PacketTypeCommand, FlagNone))
	original := server.next(PacketTypeCommand)
	resent := server.next(PacketTypeCommand)

	assert.Equal(t, original.PacketID, resent.PacketID)
	assert.Equal(t, original.Raw, resent.Raw)
	assert.Positive(t, h.NetworkStats().Snapshot().Resends)
	assert.Equal(t, 1, h.PendingAcks())
}

func TestHandlerTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetryInterval = 50 * time.Millisecond
	cfg.PacketTimeout = 300 * time.Millisecond
	h, _ := newConnectedHandler(t, cfg)
	results := startFetching(h)

	require.NoError(t, h.AddOutgoingPacket([]byte("never acked"), PacketTypeCommand, FlagNone))

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not time out")
	}
	reason, ok := h.ExitReason()
	require.True(t, ok)
	assert.Equal(t, MoveReasonTimeout, reason)
	expectFetchClosed(t, results)
}

func TestHandlerReceivesCommandsInOrder(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	results := startFetching(h)

	server.sendWithID(PacketTypeCommand, FlagNone, 1, []byte("second"))
	server.sendWithID(PacketTypeCommand, FlagNone, 0, []byte("first"))

	assert.Equal(t, []byte("first"), nextFetched(t, results).Data)
	assert.Equal(t, []byte("second"), nextFetched(t, results).Data)

	acked := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		ack := server.next(PacketTypeAck)
		acked[binary.BigEndian.Uint16(ack.Data)] = true
	}
	assert.Equal(t, map[uint16]bool{0: true, 1: true}, acked)
}

func TestHandlerReassemblesServerFragments(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	results := startFetching(h)

	plain := randomBytes(t, 1200)
	compressed := qlzCompress(plain)
	chunks := splitPayload(compressed)
	require.Len(t, chunks, 3)

	server.sendWithID(PacketTypeCommand, FlagNone, 1, chunks[1])
	server.sendWithID(PacketTypeCommand, FlagFragmented, 2, chunks[2])
	server.sendWithID(PacketTypeCommand, FlagFragmented|FlagCompressed, 0, chunks[0])
	server.sendWithID(PacketTypeCommand, FlagNone, 3, []byte("after"))

	assert.Equal(t, plain, nextFetched(t, results).Data)
	assert.Equal(t, []byte("after"), nextFetched(t, results).Data)
}

func TestHandlerReacksDuplicates(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	results := startFetching(h)

	p := server.sendWithID(PacketTypeCommand, FlagNone, 0, []byte("once"))
	assert.Equal(t, []byte("once"), nextFetched(t, results).Data)
	server.writeRaw(p.Raw)

	for i := 0; i < 2; i++ {
		ack := server.next(PacketTypeAck)
		assert.Equal(t, uint16(0), binary.BigEndian.Uint16(ack.Data))
	}

	server.sendWithID(PacketTypeCommand, FlagNone, 1, []byte("next"))
	assert.Equal(t, []byte("next"), nextFetched(t, results).Data)
	assert.Positive(t, h.NetworkStats().Snapshot().Dropped)
}

func TestHandlerDropsOutOfWindow(t *testing.T) {
	cfg := testConfig()
	cfg.ReceiveWindow = 4
	h, server := newConnectedHandler(t, cfg)
	results := startFetching(h)

	server.sendWithID(PacketTypeCommand, FlagNone, 10, []byte("too far"))
	server.sendWithID(PacketTypeCommand, FlagNone, 0, []byte("head"))

	assert.Equal(t, []byte("head"), nextFetched(t, results).Data)
	ack := server.next(PacketTypeAck)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(ack.Data), "out of window packets are not acked")
}

func TestHandlerDropsTamperedPackets(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	results := startFetching(h)

	p := server.buildWithID(PacketTypeCommand, FlagNone, 0, []byte("tampered"))
	p.Raw[len(p.Raw)-1] ^= 0x01
	server.writeRaw(p.Raw)

	server.sendWithID(PacketTypeCommand, FlagNone, 0, []byte("genuine"))
	assert.Equal(t, []byte("genuine"), nextFetched(t, results).Data)
	assert.Equal(t, uint64(1), h.NetworkStats().Snapshot().DecryptFailed)
}

func TestHandlerDropsForeignPeer(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	results := startFetching(h)

	intruder, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer intruder.Close()

	forged := server.buildWithID(PacketTypeCommand, FlagNone, 0, []byte("forged"))
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.LocalAddr().(*net.UDPAddr).Port}
	_, err = intruder.WriteToUDP(forged.Raw, local)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.NetworkStats().Snapshot().Dropped > 0 },
		2*time.Second, 10*time.Millisecond)

	server.sendWithID(PacketTypeCommand, FlagNone, 0, []byte("genuine"))
	assert.Equal(t, []byte("genuine"), nextFetched(t, results).Data)
}

func TestHandlerDeliversVoiceAndInit1(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	results := startFetching(h)

	voice := []byte{0, 7, 0, byte(CodecOpusMusic), 0xAA}
	server.send(PacketTypeVoice, FlagNone, voice)
	p := nextFetched(t, results)
	assert.Equal(t, PacketTypeVoice, p.Type)
	assert.Equal(t, voice, p.Data)

	server.send(PacketTypeInit1, FlagNone, []byte{0x7F})
	p = nextFetched(t, results)
	assert.Equal(t, PacketTypeInit1, p.Type)
}

func TestHandlerStop(t *testing.T) {
	h, _ := newConnectedHandler(t, testConfig())
	results := startFetching(h)

	h.Stop(MoveReasonLeftServer)
	h.Stop(MoveReasonTimeout)

	reason, ok := h.ExitReason()
	require.True(t, ok)
	assert.Equal(t, MoveReasonLeftServer, reason, "first reason wins")
	expectFetchClosed(t, results)

	assert.NoError(t, h.AddOutgoingPacket([]byte("late"), PacketTypeCommand, FlagNone))
	assert.Zero(t, h.NetworkStats().Snapshot().OutPackets[PacketTypeCommand])
}

func TestHandlerReconnect(t *testing.T) {
	h, server := newConnectedHandler(t, testConfig())
	h.Stop(MoveReasonLeftServer)

	require.NoError(t, h.Connect(server.addr()))
	_, ok := h.ExitReason()
	assert.False(t, ok)
	assert.False(t, h.crypt.CryptoInitComplete())
	server.next(PacketTypeInit1)
}

func TestHandlerSeedsFromRTTCache(t *testing.T) {
	server := newFakeServer(t)
	cache := NewRTTCache(DefaultRTTCacheConfig())
	cache.Put(server.addr().String(), 20*time.Millisecond, 5*time.Millisecond)

	cfg := testConfig()
	h := newTestHandler(t, NewCrypt(newTestIdentity(t)), cfg, cache)
	require.NoError(t, h.Connect(server.addr()))
	defer h.Stop(MoveReasonLeftServer)

	assert.Less(t, h.CurrentRTO(), cfg.MaxRetryInterval)
}
