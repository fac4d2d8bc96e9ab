package ts3full

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// PacketType is the low nibble of the type/flags header byte.
type PacketType uint8

const (
	// PacketTypeVoice carries an audio frame for the current channel.
	PacketTypeVoice PacketType = 0x0
	// PacketTypeVoiceWhisper carries an audio frame for a selected target set.
	PacketTypeVoiceWhisper PacketType = 0x1
	// PacketTypeCommand carries a reliable, ordered command string.
	PacketTypeCommand PacketType = 0x2
	// PacketTypeCommandLow is the low-priority command channel.
	PacketTypeCommandLow PacketType = 0x3
	// PacketTypePing is a liveness probe.
	PacketTypePing PacketType = 0x4
	// PacketTypePong answers a ping, echoing its packet id.
	PacketTypePong PacketType = 0x5
	// PacketTypeAck acknowledges a Command packet.
	PacketTypeAck PacketType = 0x6
	// PacketTypeAckLow acknowledges a CommandLow packet.
	PacketTypeAckLow PacketType = 0x7
	// PacketTypeInit1 carries the pre-crypto handshake.
	PacketTypeInit1 PacketType = 0x8
)

// packetTypeKinds is the number of distinct packet types on the wire.
const packetTypeKinds = 9

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketTypeVoice:
		return "Voice"
	case PacketTypeVoiceWhisper:
		return "VoiceWhisper"
	case PacketTypeCommand:
		return "Command"
	case PacketTypeCommandLow:
		return "CommandLow"
	case PacketTypePing:
		return "Ping"
	case PacketTypePong:
		return "Pong"
	case PacketTypeAck:
		return "Ack"
	case PacketTypeAckLow:
		return "AckLow"
	case PacketTypeInit1:
		return "Init1"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// IsValid reports whether t is one of the nine protocol packet types.
func (t PacketType) IsValid() bool {
	return t < packetTypeKinds
}

// PacketFlags is the high nibble of the type/flags header byte.
// Values are nibble-relative; the wire byte is (flags<<4)|type.
type PacketFlags uint8

const (
	// FlagNone means no flag is set.
	FlagNone PacketFlags = 0
	// FlagFragmented marks the first and the last packet of a split message.
	FlagFragmented PacketFlags = 1 << 0
	// FlagNewProtocol is set on every outgoing Command and CommandLow packet.
	FlagNewProtocol PacketFlags = 1 << 1
	// FlagCompressed marks a QuickLZ compressed payload.
	FlagCompressed PacketFlags = 1 << 2
	// FlagUnencrypted marks a packet authenticated by a fixed MAC only.
	FlagUnencrypted PacketFlags = 1 << 3
)

// String renders the set flags, e.g. "Fragmented|Compressed".
func (f PacketFlags) String() string {
	if f == FlagNone {
		return "None"
	}
	var parts []string
	if f&FlagFragmented != 0 {
		parts = append(parts, "Fragmented")
	}
	if f&FlagNewProtocol != 0 {
		parts = append(parts, "NewProtocol")
	}
	if f&FlagCompressed != 0 {
		parts = append(parts, "Compressed")
	}
	if f&FlagUnencrypted != 0 {
		parts = append(parts, "Unencrypted")
	}
	return strings.Join(parts, "|")
}

// Wire layout constants
const (
	// MaxPacketSize is the largest datagram the server accepts, MAC and header included.
	MaxPacketSize = 500

	// MacLen is the size of the MAC that prefixes every datagram.
	MacLen = 8

	// ClientHeaderLen is the header size of client->server packets:
	// PacketId(2) ClientId(2) TypeFlags(1).
	ClientHeaderLen = 5

	// ServerHeaderLen is the header size of server->client packets:
	// PacketId(2) TypeFlags(1).
	ServerHeaderLen = 3

	// maxOutHeaderSize is the per-packet overhead counted against MaxPacketSize
	// when deciding whether an outgoing payload has to be split.
	maxOutHeaderSize = MacLen + ClientHeaderLen

	// maxFragmentContent is the largest payload of a single outgoing fragment.
	maxFragmentContent = MaxPacketSize - maxOutHeaderSize
)

// Packet is one datagram of the TeamSpeak 3 UDP protocol.
//
// Raw layout: Mac(8) || Header(HeaderLen) || CipherText.
// GenerationID is never sent; both sides derive it from wrap counting.
//
// Design rationale:
//   - One struct for both directions, FromServer selects the header layout
//   - Data is always the plaintext payload; Raw is what goes on the wire
//   - Fixed offsets with encoding/binary, big-endian like the protocol
type Packet struct {
	PacketID     uint16
	ClientID     uint16 // Only present on client->server packets
	Type         PacketType
	Flags        PacketFlags
	GenerationID uint32
	FromServer   bool

	Data []byte // Plaintext payload
	Raw  []byte // Complete datagram including MAC and header
}

// NewPacket creates a packet with a payload of the given type.
func NewPacket(data []byte, typ PacketType, fromServer bool) *Packet {
	return &Packet{
		Type:       typ,
		FromServer: fromServer,
		Data:       data,
	}
}

// HeaderLen returns the header size for the packet's direction.
func (p *Packet) HeaderLen() int {
	if p.FromServer {
		return ServerHeaderLen
	}
	return ClientHeaderLen
}

// TypeFlagged returns the combined type/flags header byte.
func (p *Packet) TypeFlagged() byte {
	return byte(p.Flags)<<4 | byte(p.Type)&0x0F
}

// SetTypeFlagged splits a type/flags header byte into Type and Flags.
func (p *Packet) SetTypeFlagged(b byte) {
	p.Type = PacketType(b & 0x0F)
	p.Flags = PacketFlags(b >> 4)
}

// IsFragmented reports whether the Fragmented flag is set.
func (p *Packet) IsFragmented() bool { return p.Flags&FlagFragmented != 0 }

// IsCompressed reports whether the Compressed flag is set.
func (p *Packet) IsCompressed() bool { return p.Flags&FlagCompressed != 0 }

// IsUnencrypted reports whether the Unencrypted flag is set.
func (p *Packet) IsUnencrypted() bool { return p.Flags&FlagUnencrypted != 0 }

// Size returns the plaintext payload length.
func (p *Packet) Size() int { return len(p.Data) }

// Header serializes the packet header.
//
// Header format (big-endian):
//   - PacketID: 2 bytes
//   - ClientID: 2 bytes (client->server only)
//   - TypeFlags: 1 byte, (flags<<4)|type
func (p *Packet) Header() []byte {
	buf := make([]byte, p.HeaderLen())
	p.putHeader(buf)
	return buf
}

func (p *Packet) putHeader(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:], p.PacketID)
	if p.FromServer {
		buf[2] = p.TypeFlagged()
		return
	}
	binary.BigEndian.PutUint16(buf[2:], p.ClientID)
	buf[4] = p.TypeFlagged()
}

// Mac returns the MAC bytes of a serialized packet.
func (p *Packet) Mac() []byte {
	if len(p.Raw) < MacLen {
		return nil
	}
	return p.Raw[:MacLen]
}

// CipherText returns the bytes following MAC and header in Raw.
func (p *Packet) CipherText() []byte {
	off := MacLen + p.HeaderLen()
	if len(p.Raw) < off {
		return nil
	}
	return p.Raw[off:]
}

// RawHeader returns the header bytes as received in Raw.
func (p *Packet) RawHeader() []byte {
	off := MacLen + p.HeaderLen()
	if len(p.Raw) < off {
		return nil
	}
	return p.Raw[MacLen:off]
}

// assembleRaw builds Raw from a MAC, the packet header and a body.
func (p *Packet) assembleRaw(mac, body []byte) {
	hl := p.HeaderLen()
	raw := make([]byte, MacLen+hl+len(body))
	copy(raw, mac[:MacLen])
	p.putHeader(raw[MacLen : MacLen+hl])
	copy(raw[MacLen+hl:], body)
	p.Raw = raw
}

// ParsePacket decodes the fixed header of a received datagram.
// fromServer selects the header layout of the sender.
//
// The payload is left encrypted in Raw; Data is filled by Crypt.Decrypt.
// Returns an error if the datagram is shorter than MAC plus header or
// carries an unknown packet type.
func ParsePacket(raw []byte, fromServer bool) (*Packet, error) {
	p := &Packet{FromServer: fromServer}
	hl := p.HeaderLen()
	if len(raw) < MacLen+hl {
		return nil, fmt.Errorf("packet too short: got %d bytes, need at least %d", len(raw), MacLen+hl)
	}

	p.PacketID = binary.BigEndian.Uint16(raw[MacLen:])
	if fromServer {
		p.SetTypeFlagged(raw[MacLen+2])
	} else {
		p.ClientID = binary.BigEndian.Uint16(raw[MacLen+2:])
		p.SetTypeFlagged(raw[MacLen+4])
	}
	if !p.Type.IsValid() {
		return nil, fmt.Errorf("unknown packet type %d", uint8(p.Type))
	}

	p.Raw = raw
	return p, nil
}

// String is used by trace logging.
func (p *Packet) String() string {
	dir := "C2S"
	if p.FromServer {
		dir = "S2C"
	}
	return fmt.Sprintf("%s %s id=%d gen=%d flags=%s len=%d",
		dir, p.Type, p.PacketID, p.GenerationID, p.Flags, len(p.Data))
}

// OutgoingPacket is a packet sent by this client, with timing for
// retransmission and absolute-timeout bookkeeping.
type OutgoingPacket struct {
	Packet

	FirstSendTime time.Time
	LastSendTime  time.Time
	ResendCount   int
}

// newOutgoingPacket wraps a client->server payload.
func newOutgoingPacket(data []byte, typ PacketType) *OutgoingPacket {
	return &OutgoingPacket{Packet: Packet{Type: typ, Data: data}}
}

// IDTuple is a packet id together with its wrap generation.
// Both values are key-derivation inputs.
type IDTuple struct {
	ID         uint16
	Generation uint32
}

// Next returns the tuple following t; the generation increments on wrap.
func (t IDTuple) Next() IDTuple {
	t.ID++
	if t.ID == 0 {
		t.Generation++
	}
	return t
}

// init1PacketID is the fixed id of every client Init1 packet.
var init1PacketID = IDTuple{ID: 101, Generation: 0}
