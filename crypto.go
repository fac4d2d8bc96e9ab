package ts3full

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ProtonMail/go-crypto/eax"
	"github.com/rs/zerolog/log"
)

const (
	// ivStructLen is the length of the shared secret all keys derive from.
	ivStructLen = 20
	// alphaLen is the length of the random client and server halves of ivStruct.
	alphaLen = 10
	// aeadKeyLen is the AES-128 key and EAX nonce length.
	aeadKeyLen = 16

	dirServerToClient byte = 0x30
	dirClientToServer byte = 0x31
)

var (
	// init1Mac is the fixed MAC of every Init1 packet.
	init1Mac = []byte("TS3INIT1")

	// Keys used before the key exchange has completed.
	dummyKey   = []byte("c:\\windows\\syste")
	dummyNonce = []byte("m\\firewall32.cpl")
)

var (
	// ErrCryptoNotReady is returned when an operation needs a completed key exchange.
	ErrCryptoNotReady = errors.New("crypto: key exchange not complete")
	// ErrDecrypt is returned when a packet fails authentication.
	ErrDecrypt = errors.New("crypto: packet authentication failed")
)

// keyNonce is one cached per-direction per-type derivation.
type keyNonce struct {
	key        [aeadKeyLen]byte
	nonce      [aeadKeyLen]byte
	generation uint32
	valid      bool
}

// Crypt is the per-connection crypto engine. It owns the identity, drives
// the Init1 handshake, derives packet keys and encrypts and decrypts packets.
//
// Design rationale:
//   - One instance per connection; never share it, keys depend on connection state
//   - All key material is guarded by mu; the send and receive paths both use it
//   - Decrypt reports success as a bool, a failed packet is simply dropped
//   - Key/nonce pairs are cached per (direction, type) and regenerated only
//     when the generation changes
type Crypt struct {
	mu sync.Mutex

	identity      *Identity
	ivStruct      [ivStructLen]byte
	fakeSignature [MacLen]byte
	alpha         []byte // own alpha sent in clientinitiv
	keyCache      [2 * packetTypeKinds]keyNonce
	handshake     HandshakeState

	maxPuzzleLevel int

	initComplete atomic.Bool
}

// NewCrypt creates a crypto engine for identity.
func NewCrypt(identity *Identity) *Crypt {
	c := &Crypt{maxPuzzleLevel: DefaultMaxPuzzleLevel}
	c.Reset()
	c.identity = identity
	return c
}

// SetMaxPuzzleLevel bounds the puzzle level accepted during Init1.
func (c *Crypt) SetMaxPuzzleLevel(level int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxPuzzleLevel = level
}

// Reset clears all session key material, keeping the identity.
// It is called before every new connection attempt.
func (c *Crypt) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initComplete.Store(false)
	c.ivStruct = [ivStructLen]byte{}
	c.fakeSignature = [MacLen]byte{}
	c.keyCache = [2 * packetTypeKinds]keyNonce{}
	c.alpha = nil
	c.handshake = HandshakeStart
}

// Identity returns the identity used for the key exchange.
func (c *Crypt) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SetIdentity replaces the identity. It only affects later handshakes.
func (c *Crypt) SetIdentity(id *Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = id
}

// CryptoInitComplete reports whether packets are really encrypted.
func (c *Crypt) CryptoInitComplete() bool {
	return c.initComplete.Load()
}

// CryptoInit completes the key exchange from the base64 values of the
// server's initivexpand notification.
//
// Steps:
//  1. Import the server public key from omega
//  2. ECDH with the own private key; the shared secret is the X coordinate
//  3. ivStruct = (alpha || beta) XOR SHA1(sharedSecret)
//  4. fakeSignature = SHA1(ivStruct)[0:8]
func (c *Crypt) CryptoInit(alpha, beta, omega string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.identity == nil || c.identity.PrivateKey == nil {
		return ErrNoIdentity
	}

	alphaBytes, err := base64.StdEncoding.DecodeString(alpha)
	if err != nil {
		return fmt.Errorf("invalid alpha: %w", err)
	}
	betaBytes, err := base64.StdEncoding.DecodeString(beta)
	if err != nil {
		return fmt.Errorf("invalid beta: %w", err)
	}
	omegaBytes, err := base64.StdEncoding.DecodeString(omega)
	if err != nil {
		return fmt.Errorf("invalid omega: %w", err)
	}
	if len(alphaBytes) != alphaLen {
		return fmt.Errorf("invalid alpha length %d", len(alphaBytes))
	}
	if len(betaBytes) < alphaLen {
		return fmt.Errorf("invalid beta length %d", len(betaBytes))
	}
	if c.alpha != nil && !bytes.Equal(c.alpha, alphaBytes) {
		return fmt.Errorf("%w: server echoed a different alpha", ErrHandshake)
	}

	serverKey, err := importPublicKey(omegaBytes)
	if err != nil {
		return fmt.Errorf("invalid server key: %w", err)
	}
	shared, err := c.identity.PrivateKey.ECDH(serverKey)
	if err != nil {
		return fmt.Errorf("key agreement failed: %w", err)
	}

	c.setSharedSecretLocked(alphaBytes, betaBytes[:alphaLen], shared)
	c.keyCache = [2 * packetTypeKinds]keyNonce{}
	c.handshake = HandshakeCryptoReady
	c.initComplete.Store(true)

	log.Debug().Msg("crypto init complete")
	return nil
}

// setSharedSecretLocked derives ivStruct and the fake signature.
// Caller must hold c.mu.
func (c *Crypt) setSharedSecretLocked(alpha, beta, shared []byte) {
	copy(c.ivStruct[:alphaLen], alpha)
	copy(c.ivStruct[alphaLen:], beta)
	sum := sha1.Sum(shared)
	subtle.XORBytes(c.ivStruct[:], c.ivStruct[:], sum[:])

	sig := sha1.Sum(c.ivStruct[:])
	copy(c.fakeSignature[:], sig[:MacLen])
}

// keyNonceLocked returns the key and nonce for one packet.
// Caller must hold c.mu.
func (c *Crypt) keyNonceLocked(fromServer bool, packetID uint16, generation uint32, typ PacketType) ([]byte, []byte) {
	if !c.initComplete.Load() {
		return dummyKey, dummyNonce
	}

	idx := int(typ)
	dir := dirServerToClient
	if !fromServer {
		idx += packetTypeKinds
		dir = dirClientToServer
	}

	slot := &c.keyCache[idx]
	if !slot.valid || slot.generation != generation {
		var buf [2 + 4 + ivStructLen]byte
		buf[0] = dir
		buf[1] = byte(typ)
		binary.BigEndian.PutUint32(buf[2:6], generation)
		copy(buf[6:], c.ivStruct[:])
		sum := sha256.Sum256(buf[:])
		copy(slot.key[:], sum[:aeadKeyLen])
		copy(slot.nonce[:], sum[aeadKeyLen:])
		slot.generation = generation
		slot.valid = true
	}

	key := slot.key
	nonce := slot.nonce
	key[0] ^= byte(packetID >> 8)
	key[1] ^= byte(packetID)
	return key[:], nonce[:]
}

func newEAX(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return eax.NewEAXWithNonceAndTagSize(block, aeadKeyLen, MacLen)
}

// Encrypt fills p.Raw from p.Data.
//
// Init1 packets carry the literal MAC "TS3INIT1" and Unencrypted packets the
// fake signature; both send the payload in clear. All other packets are
// sealed with AES-EAX using the header as associated data, and the tag is
// moved in front: Raw = tag || header || ciphertext.
func (c *Crypt) Encrypt(p *Packet) error {
	if p.Type == PacketTypeInit1 {
		p.assembleRaw(init1Mac, p.Data)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p.IsUnencrypted() {
		p.assembleRaw(c.fakeSignature[:], p.Data)
		return nil
	}

	key, nonce := c.keyNonceLocked(p.FromServer, p.PacketID, p.GenerationID, p.Type)
	aead, err := newEAX(key)
	if err != nil {
		return fmt.Errorf("failed to init cipher: %w", err)
	}
	sealed := aead.Seal(nil, nonce, p.Data, p.Header())
	ctLen := len(sealed) - MacLen
	p.assembleRaw(sealed[ctLen:], sealed[:ctLen])
	return nil
}

// Decrypt fills p.Data from p.Raw and reports whether the packet is authentic.
func (c *Crypt) Decrypt(p *Packet) bool {
	if p.Type == PacketTypeInit1 {
		return fakeDecrypt(p, init1Mac)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p.IsUnencrypted() {
		return fakeDecrypt(p, c.fakeSignature[:])
	}

	header := p.RawHeader()
	if header == nil {
		return false
	}
	key, nonce := c.keyNonceLocked(p.FromServer, p.PacketID, p.GenerationID, p.Type)
	aead, err := newEAX(key)
	if err != nil {
		return false
	}

	ct := p.CipherText()
	sealed := make([]byte, 0, len(ct)+MacLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, p.Mac()...)
	plain, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return false
	}
	if plain == nil {
		plain = []byte{}
	}
	p.Data = plain
	return true
}

func fakeDecrypt(p *Packet, mac []byte) bool {
	if len(p.Raw) < MacLen+p.HeaderLen() {
		return false
	}
	if subtle.ConstantTimeCompare(p.Mac(), mac[:MacLen]) != 1 {
		return false
	}
	ct := p.CipherText()
	p.Data = make([]byte, len(ct))
	copy(p.Data, ct)
	return true
}
