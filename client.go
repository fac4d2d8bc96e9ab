package ts3full

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultPort is the voice port of a TeamSpeak 3 server.
const DefaultPort = 9987

// VersionSign is a client version together with the server-verified
// signature over it.
type VersionSign struct {
	Name     string
	Platform string
	Sign     string
}

// VersionSignWindows is a released Windows build accepted by servers.
var VersionSignWindows = VersionSign{
	Name:     "3.0.19.3 [Build: 1466672534]",
	Platform: "Windows",
	Sign:     "a1OYzvM18mrmfUQBUgxYBxYz2DUU6y5k3/mEL6FurzU0y97Bd1FL7+PRpcHyPkg4R+kKAFZ1nhyzbgkGphDWDg==",
}

// Codec is the audio codec byte of a voice packet.
type Codec byte

const (
	CodecSpeexNarrowband Codec = iota
	CodecSpeexWideband
	CodecSpeexUltraWideband
	CodecCeltMono
	CodecOpusVoice
	CodecOpusMusic
)

// ConnectOptions are the clientinit values of a connection.
type ConnectOptions struct {
	Nickname               string
	ServerPassword         string // plain text, hashed before sending
	DefaultChannel         string
	DefaultChannelPassword string // plain text, hashed before sending
	HWID                   string
	VersionSign            VersionSign
	QuitMessage            string
}

// DefaultConnectOptions returns options with the default version and a
// fixed hardware id.
func DefaultConnectOptions(nickname string) ConnectOptions {
	return ConnectOptions{
		Nickname:    nickname,
		HWID:        "123,456",
		VersionSign: VersionSignWindows,
		QuitMessage: "Disconnected",
	}
}

// FullClient drives one voice connection on top of PacketHandler: it
// answers the handshake, sends clientinit and delivers notifications and
// voice to the caller.
//
// Lifecycle:
//   - Connect sends the first Init1 packet and starts the network loop
//   - WaitConnected returns once initserver arrived
//   - Notifications and Voice deliver traffic until the connection ends
//   - Done is closed at the end; Err and ExitReason tell why
type FullClient struct {
	cfg     Config
	crypt   *Crypt
	handler *PacketHandler
	limiter *floodLimiter

	mu            sync.Mutex
	opts          ConnectOptions
	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	err           error
	notifications chan *Notification
	voice         chan *Packet
}

// NewFullClient creates a client. rttCache may be shared between clients
// and may be nil. It fails if cfg does not pass Validate.
func NewFullClient(cfg Config, rttCache *RTTCache) (*FullClient, error) {
	crypt := NewCrypt(nil)
	handler, err := NewPacketHandler(crypt, cfg, rttCache)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	close(done)
	return &FullClient{
		cfg:     cfg,
		crypt:   crypt,
		handler: handler,
		limiter: newFloodLimiter(cfg.FloodLimit),
		done:    done,
	}, nil
}

// Connect starts connecting to address ("host" or "host:port") with identity.
// It returns once the first handshake packet is sent; use WaitConnected
// to wait for the server to accept the client.
func (c *FullClient) Connect(ctx context.Context, address string, identity *Identity, opts ConnectOptions) error {
	if identity == nil || identity.PrivateKey == nil {
		return ErrNoIdentity
	}
	addr, err := resolveServer(ctx, address)
	if err != nil {
		return err
	}

	c.mu.Lock()
	select {
	case <-c.done:
	default:
		c.mu.Unlock()
		return errAlreadyActive
	}
	if opts.VersionSign.Name == "" {
		opts.VersionSign = VersionSignWindows
	}
	c.opts = opts
	c.err = nil
	c.connected = make(chan struct{})
	c.connectedOnce = sync.Once{}
	c.done = make(chan struct{})
	c.notifications = make(chan *Notification, 64)
	c.voice = make(chan *Packet, 64)
	c.mu.Unlock()

	c.crypt.SetIdentity(identity)
	if err := c.handler.Connect(addr); err != nil {
		c.mu.Lock()
		c.err = err
		close(c.done)
		close(c.notifications)
		close(c.voice)
		c.mu.Unlock()
		return err
	}

	log.Info().
		Str("server", addr.String()).
		Str("nickname", opts.Nickname).
		Str("uid", identity.UID()).
		Msg("connecting to server")

	go c.networkLoop(c.done, c.notifications, c.voice)
	return nil
}

// resolveServer turns "host[:port]" into a UDP address, preferring IPv4.
func resolveServer(ctx context.Context, address string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		host, portStr = address, strconv.Itoa(DefaultPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port in %q", address)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("could not resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("could not resolve %s: no addresses", host)
	}
	ip := ips[0].IP
	for _, candidate := range ips {
		if candidate.IP.To4() != nil {
			ip = candidate.IP
			break
		}
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// networkLoop reads packets until the handler stops.
func (c *FullClient) networkLoop(done chan struct{}, notifications chan *Notification, voice chan *Packet) {
	defer func() {
		c.mu.Lock()
		if c.err == nil {
			if reason, ok := c.handler.ExitReason(); ok {
				switch reason {
				case MoveReasonTimeout:
					c.err = ErrTimeout
				case MoveReasonConnectionLost:
					c.err = ErrConnectionLost
				}
			}
		}
		close(notifications)
		close(voice)
		close(done)
		c.mu.Unlock()
		log.Info().Err(c.Err()).Msg("disconnected")
	}()

	for {
		p, err := c.handler.FetchPacket()
		if err != nil {
			return
		}

		switch p.Type {
		case PacketTypeCommand, PacketTypeCommandLow:
			c.processCommand(string(p.Data), notifications)

		case PacketTypeVoice, PacketTypeVoiceWhisper:
			select {
			case voice <- p:
			default:
				log.Trace().Uint16("id", p.PacketID).Msg("voice channel full, dropping packet")
			}

		case PacketTypeInit1:
			reply, err := c.crypt.ProcessInit1(p.Data)
			if err != nil {
				c.fail(fmt.Errorf("handshake: %w", err), MoveReasonHandshakeFailed)
				continue
			}
			if reply == nil {
				continue
			}
			if err := c.handler.AddOutgoingPacket(reply, PacketTypeInit1, FlagNone); err != nil {
				log.Warn().Err(err).Msg("failed to send Init1 reply")
			}
		}
	}
}

// fail records err as the connection error, if none is set, and stops.
func (c *FullClient) fail(err error, reason MoveReason) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	log.Error().Err(err).Msg("connection failed")
	c.handler.Stop(reason)
}

// processCommand handles the commands of the connection setup and
// forwards everything else.
func (c *FullClient) processCommand(line string, notifications chan<- *Notification) {
	n := ParseNotification(line)
	log.Debug().Str("command", n.Name).Msg("received command")

	switch n.Name {
	case "initivexpand":
		c.processInitIvExpand(n)
		return

	case "initserver":
		c.processInitServer(n)

	case "error":
		c.processError(n)

	case "notifyclientleftview":
		c.processClientLeftView(n)
	}

	// queued notifications are kept even when the connection just ended
	select {
	case notifications <- n:
		return
	default:
	}
	select {
	case notifications <- n:
	case <-c.handler.Done():
	}
}

func (c *FullClient) processInitIvExpand(n *Notification) {
	alpha, _ := n.Get("alpha")
	beta, _ := n.Get("beta")
	omega, _ := n.Get("omega")
	if err := c.crypt.CryptoInit(alpha, beta, omega); err != nil {
		c.fail(fmt.Errorf("key exchange: %w", err), MoveReasonHandshakeFailed)
		return
	}
	if err := c.handler.CryptoInitDone(); err != nil {
		c.fail(err, MoveReasonHandshakeFailed)
		return
	}
	log.Debug().Msg("key exchange complete")

	if err := c.sendCommandNow(c.clientInit()); err != nil {
		c.fail(fmt.Errorf("clientinit: %w", err), MoveReasonConnectionLost)
	}
}

// clientInit builds the clientinit command from the connect options.
func (c *FullClient) clientInit() *Command {
	c.mu.Lock()
	opts := c.opts
	c.mu.Unlock()

	var keyOffset uint64
	if id := c.crypt.Identity(); id != nil {
		keyOffset = id.ValidKeyOffset
	}
	return BuildCommand("clientinit",
		NewParam("client_nickname", opts.Nickname),
		NewParam("client_version", opts.VersionSign.Name),
		NewParam("client_platform", opts.VersionSign.Platform),
		NewParam("client_input_hardware", "1"),
		NewParam("client_output_hardware", "1"),
		NewParam("client_default_channel", opts.DefaultChannel),
		NewParam("client_default_channel_password", HashPassword(opts.DefaultChannelPassword)),
		NewParam("client_server_password", HashPassword(opts.ServerPassword)),
		NewParam("client_meta_data", ""),
		NewParam("client_version_sign", opts.VersionSign.Sign),
		NewParam("client_key_offset", strconv.FormatUint(keyOffset, 10)),
		NewParam("client_nickname_phonetic", ""),
		NewParam("client_default_token", ""),
		NewParam("hwid", opts.HWID),
	)
}

func (c *FullClient) processInitServer(n *Notification) {
	aclid, _ := n.Get("aclid")
	id, err := strconv.ParseUint(aclid, 10, 16)
	if err != nil {
		log.Warn().Str("aclid", aclid).Msg("initserver without a valid client id")
	}
	c.handler.SetClientID(uint16(id))
	c.handler.ReceiveInitAck()

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	c.connectedOnce.Do(func() { close(connected) })

	log.Info().Uint16("clientID", uint16(id)).Msg("connected")
}

// processError fails the connection attempt on a server error that
// arrives before initserver, e.g. a wrong server password.
func (c *FullClient) processError(n *Notification) {
	idStr, _ := n.Get("id")
	code, _ := strconv.ParseUint(idStr, 10, 32)
	if ServerErrorCode(code) == ErrorOK || c.IsConnected() {
		return
	}
	msg, _ := n.Get("msg")
	c.fail(&CommandError{ID: ServerErrorCode(code), Message: msg}, MoveReasonHandshakeFailed)
}

// processClientLeftView stops the connection when the server reports
// that this client left.
func (c *FullClient) processClientLeftView(n *Notification) {
	own := c.handler.ClientID()
	for _, entry := range n.Entries {
		clid, err := strconv.ParseUint(entry["clid"], 10, 16)
		if err != nil || uint16(clid) != own {
			continue
		}
		reason := MoveReasonLeftServer
		if r, err := strconv.Atoi(entry["reasonid"]); err == nil {
			reason = MoveReason(r)
		}
		log.Info().Stringer("reason", reason).Msg("left server")
		c.handler.Stop(reason)
		return
	}
}

// IsConnected reports whether initserver has arrived on the current connection.
func (c *FullClient) IsConnected() bool {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected == nil {
		return false
	}
	select {
	case <-connected:
		return true
	default:
		return false
	}
}

// WaitConnected blocks until the server accepted the client, the
// connection ended or ctx is done.
func (c *FullClient) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	connected, done := c.connected, c.done
	c.mu.Unlock()
	if connected == nil {
		return ErrNotConnected
	}

	select {
	case <-connected:
		return nil
	case <-done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand sends a command on the reliable channel. It needs a
// completed key exchange and honours the flood limit.
func (c *FullClient) SendCommand(ctx context.Context, cmd *Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.sendCommandNow(cmd)
}

// sendCommandNow sends cmd, bypassing the flood limit.
func (c *FullClient) sendCommandNow(cmd *Command) error {
	if !c.crypt.CryptoInitComplete() {
		return ErrCryptoNotReady
	}
	return c.handler.AddOutgoingPacket([]byte(cmd.String()), PacketTypeCommand, FlagNone)
}

// SendAudio sends one encoded audio frame to the current channel.
//
// Payload layout: [id(2) codec(1) data...]; the id is filled by the handler.
func (c *FullClient) SendAudio(data []byte, codec Codec) error {
	buf := make([]byte, 3+len(data))
	buf[2] = byte(codec)
	copy(buf[3:], data)
	return c.handler.AddOutgoingPacket(buf, PacketTypeVoice, FlagNone)
}

// SendAudioWhisper sends one encoded audio frame to the given channels and clients.
//
// Payload layout: [id(2) codec(1) N(1) M(1) channelIDs(8*N) clientIDs(2*M) data...],
// all integers big-endian.
func (c *FullClient) SendAudioWhisper(data []byte, codec Codec, channelIDs []uint64, clientIDs []uint16) error {
	if len(channelIDs) > 255 || len(clientIDs) > 255 {
		return errors.New("whisper: at most 255 channel and 255 client targets")
	}
	offset := 5 + 8*len(channelIDs) + 2*len(clientIDs)
	buf := make([]byte, offset+len(data))
	buf[2] = byte(codec)
	buf[3] = byte(len(channelIDs))
	buf[4] = byte(len(clientIDs))
	pos := 5
	for _, id := range channelIDs {
		binary.BigEndian.PutUint64(buf[pos:], id)
		pos += 8
	}
	for _, id := range clientIDs {
		binary.BigEndian.PutUint16(buf[pos:], id)
		pos += 2
	}
	copy(buf[offset:], data)
	return c.handler.AddOutgoingPacket(buf, PacketTypeVoiceWhisper, FlagNone)
}

// Disconnect asks the server to remove the client and waits until it has,
// or until ctx is done, after which the connection is stopped locally.
func (c *FullClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	quit := c.opts.QuitMessage
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	default:
	}

	cmd := BuildCommand("clientdisconnect",
		NewIntParam("reasonid", int64(MoveReasonLeftServer)),
		NewParam("reasonmsg", quit),
	)
	if err := c.sendCommandNow(cmd); err != nil {
		c.handler.Stop(MoveReasonLeftServer)
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.handler.Stop(MoveReasonLeftServer)
		<-done
		return ctx.Err()
	}
}

// Notifications delivers all commands received from the server, the
// handshake commands initserver and error included. Callers must drain it;
// the network loop waits while it is full. Closed when the connection ends.
func (c *FullClient) Notifications() <-chan *Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifications
}

// Voice delivers received voice packets. Packets are dropped while the
// channel is full. Closed when the connection ends.
func (c *FullClient) Voice() <-chan *Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// Done is closed when the current connection has ended.
func (c *FullClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the connection failed, nil after a regular disconnect.
func (c *FullClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ExitReason returns the reason the connection ended.
func (c *FullClient) ExitReason() (MoveReason, bool) {
	return c.handler.ExitReason()
}

// ClientID returns the id the server assigned to this client.
func (c *FullClient) ClientID() uint16 {
	return c.handler.ClientID()
}

// Ping measures one round trip to the server.
func (c *FullClient) Ping(ctx context.Context) PingResult {
	return c.handler.Ping(ctx)
}

// NetworkStats returns the traffic counters of the current connection.
func (c *FullClient) NetworkStats() *NetworkStats {
	return c.handler.NetworkStats()
}
