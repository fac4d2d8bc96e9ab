package ts3full

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"
)

// HandshakeState tracks the client side of the Init1 exchange.
type HandshakeState int

const (
	// HandshakeStart means nothing has been sent yet.
	HandshakeStart HandshakeState = iota
	// HandshakeSentInit0 means the initial step-0 packet is out.
	HandshakeSentInit0
	// HandshakeReceivedPuzzle means the server cookie was echoed and the
	// puzzle is expected next.
	HandshakeReceivedPuzzle
	// HandshakeSolvedPuzzle means the step-4 solution with clientinitiv is out.
	HandshakeSolvedPuzzle
	// HandshakeCryptoReady means the key exchange completed.
	HandshakeCryptoReady
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeStart:
		return "Start"
	case HandshakeSentInit0:
		return "SentInit0"
	case HandshakeReceivedPuzzle:
		return "ReceivedPuzzle"
	case HandshakeSolvedPuzzle:
		return "SolvedPuzzle"
	case HandshakeCryptoReady:
		return "CryptoReady"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// Init1 layout constants
const (
	init1VersionLen = 4
	init1TypeLen    = 1

	// init1CookieLen is the server cookie echoed in step 2.
	init1CookieLen = 20
	// init1PuzzleDataLen is the part of the step-3 payload echoed in step 4.
	init1PuzzleDataLen = 232
	// puzzleNumLen is the size of x, n and y.
	puzzleNumLen = 64
	// puzzleLevelOffset is where the big-endian level follows x and n.
	puzzleLevelOffset = init1TypeLen + 2*puzzleNumLen

	// DefaultMaxPuzzleLevel bounds the squarings a server may demand.
	DefaultMaxPuzzleLevel = 1_000_000
)

// init1Version identifies the client build to the server.
var init1Version = []byte{0x09, 0x83, 0x8C, 0xCF}

var (
	// ErrHandshake is returned for an Init1 packet that cannot be answered.
	ErrHandshake = errors.New("handshake failed")
	// ErrPuzzleLevel is returned when a server asks for an out-of-range puzzle level.
	ErrPuzzleLevel = errors.New("handshake: puzzle level out of range")
)

// Init1Error is a handshake failure reported by the server with an error code.
type Init1Error struct {
	Code ServerErrorCode
}

func (e *Init1Error) Error() string {
	return fmt.Sprintf("handshake rejected by server: %s", e.Code)
}

// Unwrap lets errors.Is(err, ErrHandshake) match server rejections.
func (e *Init1Error) Unwrap() error { return ErrHandshake }

// HandshakeState returns the current Init1 step.
func (c *Crypt) HandshakeState() HandshakeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

// ProcessInit1 computes the reply to a received Init1 payload.
// A nil data starts the handshake.
//
// Steps by the first payload byte:
//   - nil or 0x7F: send step 0 (version, 0x00, unix time, 4 random bytes, 8 zero bytes)
//   - 1 with 21 bytes: echo the 20-byte server cookie as step 2
//   - 1 with 5 bytes: the server refused us with an error code
//   - 3: solve y = x^(2^level) mod n and send step 4 with clientinitiv
//
// Any other step fails the handshake. The caller does not retry.
// Once CryptoInit completed, late Init1 packets are ignored and the
// returned reply is nil.
func (c *Crypt) ProcessInit1(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data != nil && c.initComplete.Load() {
		log.Debug().Int("len", len(data)).Msg("ignoring Init1 packet after key exchange")
		return nil, nil
	}

	if data != nil && len(data) < init1TypeLen {
		return nil, fmt.Errorf("%w: empty Init1 packet", ErrHandshake)
	}

	if data == nil || data[0] == 0x7F {
		out := make([]byte, init1VersionLen+init1TypeLen+4+4+8)
		copy(out, init1Version)
		out[init1VersionLen] = 0x00
		binary.BigEndian.PutUint32(out[init1VersionLen+init1TypeLen:], uint32(time.Now().Unix()))
		if _, err := rand.Read(out[init1VersionLen+init1TypeLen+4 : init1VersionLen+init1TypeLen+8]); err != nil {
			return nil, fmt.Errorf("failed to read random: %w", err)
		}
		c.handshake = HandshakeSentInit0
		log.Debug().Msg("sending Init1 step 0")
		return out, nil
	}

	switch data[0] {
	case 1:
		switch len(data) {
		case init1TypeLen + init1CookieLen:
			out := make([]byte, init1VersionLen+init1TypeLen+init1CookieLen)
			copy(out, init1Version)
			out[init1VersionLen] = 0x02
			copy(out[init1VersionLen+init1TypeLen:], data[init1TypeLen:])
			c.handshake = HandshakeReceivedPuzzle
			log.Debug().Msg("echoing Init1 server cookie")
			return out, nil
		case init1TypeLen + 4:
			code := ServerErrorCode(binary.BigEndian.Uint32(data[init1TypeLen:]))
			return nil, &Init1Error{Code: code}
		default:
			return nil, fmt.Errorf("%w: unrecognized Init1(1) packet of %d bytes", ErrHandshake, len(data))
		}

	case 3:
		if len(data) < init1TypeLen+init1PuzzleDataLen {
			return nil, fmt.Errorf("%w: Init1(3) packet too short (%d bytes)", ErrHandshake, len(data))
		}
		if c.identity == nil {
			return nil, ErrNoIdentity
		}

		level := int32(binary.BigEndian.Uint32(data[puzzleLevelOffset:]))
		y, err := solvePuzzle(data[init1TypeLen:], int(level), c.maxPuzzleLevel)
		if err != nil {
			return nil, err
		}

		alpha := make([]byte, alphaLen)
		if _, err := rand.Read(alpha); err != nil {
			return nil, fmt.Errorf("failed to read random: %w", err)
		}
		initiv := BuildCommand("clientinitiv",
			NewParam("alpha", base64.StdEncoding.EncodeToString(alpha)),
			NewParam("omega", c.identity.PublicKeyString()),
			NewParam("ot", "1"),
			NewParam("ip", ""),
		)
		text := []byte(initiv.String())

		out := make([]byte, init1VersionLen+init1TypeLen+init1PuzzleDataLen+puzzleNumLen+len(text))
		copy(out, init1Version)
		out[init1VersionLen] = 0x04
		off := init1VersionLen + init1TypeLen
		copy(out[off:], data[init1TypeLen:init1TypeLen+init1PuzzleDataLen])
		off += init1PuzzleDataLen
		copy(out[off:off+puzzleNumLen], y)
		off += puzzleNumLen
		copy(out[off:], text)

		c.alpha = alpha
		c.handshake = HandshakeSolvedPuzzle
		log.Debug().Int32("level", level).Msg("solved Init1 puzzle")
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unexpected Init1 step %d", ErrHandshake, data[0])
	}
}

// solvePuzzle computes y = x^(2^level) mod n for x = data[0:64] and
// n = data[64:128], both unsigned big-endian. y is returned right-aligned
// in 64 bytes.
func solvePuzzle(data []byte, level, maxLevel int) ([]byte, error) {
	if level < 0 || level > maxLevel {
		return nil, fmt.Errorf("%w: %d", ErrPuzzleLevel, level)
	}
	if len(data) < 2*puzzleNumLen {
		return nil, fmt.Errorf("%w: puzzle data too short", ErrHandshake)
	}
	x := new(big.Int).SetBytes(data[:puzzleNumLen])
	n := new(big.Int).SetBytes(data[puzzleNumLen : 2*puzzleNumLen])
	if n.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero puzzle modulus", ErrHandshake)
	}
	e := new(big.Int).Lsh(big.NewInt(1), uint(level))
	y := new(big.Int).Exp(x, e, n)
	return y.FillBytes(make([]byte, puzzleNumLen)), nil
}
