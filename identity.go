package ts3full

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	encoding_asn1 "encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"gopkg.in/yaml.v3"
)

// Key export flag bytes, stored as a 1 or 2 bit DER BIT STRING.
const (
	keyFlagPublic           byte = 0x00 // 7 unused bits
	keyFlagPublicAndPrivate byte = 0x80 // 7 unused bits
	keyFlagPrivate          byte = 0xC0 // 6 unused bits

	// keySize is the curve size in bytes written as the second sequence element.
	keySize = 32

	// improveCheckInterval is how many offsets ImproveSecurity hashes
	// between context checks.
	improveCheckInterval = 4096
)

// ErrNoIdentity is returned when an operation needs a private key that is not set.
var ErrNoIdentity = errors.New("identity: no private key")

// Identity is a TeamSpeak 3 client identity: a P-256 keypair plus the
// hashcash offset that gives it its security level.
//
// Design rationale:
//   - crypto/ecdh keys, so the same value serves the key exchange directly
//   - The public key string is cached; every security level check hashes it
//   - LastCheckedKeyOffset makes ImproveSecurity resumable across runs
type Identity struct {
	PrivateKey *ecdh.PrivateKey
	PublicKey  *ecdh.PublicKey

	// ValidKeyOffset is the best offset found so far.
	ValidKeyOffset uint64
	// LastCheckedKeyOffset is where the next ImproveSecurity run continues.
	LastCheckedKeyOffset uint64

	publicKeyString string
}

// GenerateIdentity creates a fresh keypair and raises it to at least level.
// Cancelling ctx returns the identity reached so far together with ctx.Err().
func GenerateIdentity(ctx context.Context, level int) (*Identity, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	id, err := newIdentity(priv.PublicKey(), priv, 0, 0)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("uid", id.UID()).Int("level", level).Msg("generated identity, improving security level")
	return id, ImproveSecurity(ctx, id, level)
}

// LoadIdentity imports a base64 DER key in any of the three export forms.
// A private-only key has its public point restored from the scalar.
func LoadIdentity(key string, keyOffset, lastCheckedKeyOffset uint64) (*Identity, error) {
	der, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	pub, priv, err := importKey(der)
	if err != nil {
		return nil, err
	}
	if priv == nil {
		return nil, ErrNoIdentity
	}
	if pub == nil {
		pub = priv.PublicKey()
	}
	return newIdentity(pub, priv, keyOffset, lastCheckedKeyOffset)
}

func newIdentity(pub *ecdh.PublicKey, priv *ecdh.PrivateKey, keyOffset, lastChecked uint64) (*Identity, error) {
	pubStr, err := ExportPublicKey(pub)
	if err != nil {
		return nil, err
	}
	if lastChecked < keyOffset {
		lastChecked = keyOffset
	}
	return &Identity{
		PrivateKey:           priv,
		PublicKey:            pub,
		ValidKeyOffset:       keyOffset,
		LastCheckedKeyOffset: lastChecked,
		publicKeyString:      pubStr,
	}, nil
}

// PublicKeyString returns the base64 DER public key ("omega").
func (id *Identity) PublicKeyString() string { return id.publicKeyString }

// UID returns the unique identifier shown by servers: base64(SHA1(publicKeyString)).
func (id *Identity) UID() string {
	sum := sha1.Sum([]byte(id.publicKeyString))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SecurityLevel returns the level reached at ValidKeyOffset.
func (id *Identity) SecurityLevel() int {
	return SecurityLevel(id.publicKeyString, id.ValidKeyOffset)
}

// ExportKey returns the public+private key export used for persistence.
func (id *Identity) ExportKey() (string, error) {
	if id.PrivateKey == nil {
		return "", ErrNoIdentity
	}
	return ExportPublicAndPrivateKey(id.PublicKey, id.PrivateKey)
}

// SecurityLevel computes the number of leading zero bits of
// SHA1(publicKeyString + decimal(offset)).
func SecurityLevel(publicKeyString string, offset uint64) int {
	buf := make([]byte, 0, len(publicKeyString)+20)
	buf = append(buf, publicKeyString...)
	buf = strconv.AppendUint(buf, offset, 10)
	sum := sha1.Sum(buf)
	return leadingZeroBits(sum[:])
}

// leadingZeroBits counts whole zero bytes, then the zero bits of the first
// non-zero byte starting at its least significant bit. Servers count the
// same way.
func leadingZeroBits(data []byte) int {
	n := 0
	i := 0
	for ; i < len(data) && data[i] == 0; i++ {
		n += 8
	}
	if i < len(data) {
		for bit := 0; bit < 8 && data[i]&(1<<bit) == 0; bit++ {
			n++
		}
	}
	return n
}

// ImproveSecurity scans offsets upward from LastCheckedKeyOffset until the
// identity reaches toLevel. ValidKeyOffset only moves to strictly better
// offsets, so the level never decreases. Progress is kept in the identity
// when ctx is cancelled.
func ImproveSecurity(ctx context.Context, id *Identity, toLevel int) error {
	if id.LastCheckedKeyOffset < id.ValidKeyOffset {
		id.LastCheckedKeyOffset = id.ValidKeyOffset
	}

	buf := make([]byte, 0, len(id.publicKeyString)+20)
	buf = append(buf, id.publicKeyString...)
	prefix := len(buf)

	levelAt := func(offset uint64) int {
		b := strconv.AppendUint(buf[:prefix], offset, 10)
		sum := sha1.Sum(b)
		return leadingZeroBits(sum[:])
	}

	best := levelAt(id.ValidKeyOffset)
	for n := 0; best < toLevel; n++ {
		if n%improveCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if curr := levelAt(id.LastCheckedKeyOffset); curr > best {
			id.ValidKeyOffset = id.LastCheckedKeyOffset
			best = curr
			log.Debug().Uint64("offset", id.ValidKeyOffset).Int("level", best).Msg("security level improved")
		}
		id.LastCheckedKeyOffset++
	}
	return nil
}

// HashPassword returns base64(SHA1(password)), the form servers expect in
// clientinit. An empty password stays empty.
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha1.Sum([]byte(password))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ExportPublicKey encodes pub as base64 DER
// SEQUENCE{BIT STRING flags, INTEGER 32, INTEGER x, INTEGER y}.
func ExportPublicKey(pub *ecdh.PublicKey) (string, error) {
	x, y, err := publicPoint(pub)
	if err != nil {
		return "", err
	}
	return buildKey(keyFlagPublic, 7, x, y, nil)
}

// ExportPrivateKey encodes only the private scalar.
func ExportPrivateKey(priv *ecdh.PrivateKey) (string, error) {
	d := new(big.Int).SetBytes(priv.Bytes())
	return buildKey(keyFlagPrivate, 6, d, nil, nil)
}

// ExportPublicAndPrivateKey encodes the point followed by the private scalar.
func ExportPublicAndPrivateKey(pub *ecdh.PublicKey, priv *ecdh.PrivateKey) (string, error) {
	x, y, err := publicPoint(pub)
	if err != nil {
		return "", err
	}
	d := new(big.Int).SetBytes(priv.Bytes())
	return buildKey(keyFlagPublicAndPrivate, 7, x, y, d)
}

func buildKey(flag byte, unusedBits uint8, a, b, c *big.Int) (string, error) {
	var builder cryptobyte.Builder
	builder.AddASN1(asn1.SEQUENCE, func(seq *cryptobyte.Builder) {
		seq.AddASN1(asn1.BIT_STRING, func(bs *cryptobyte.Builder) {
			bs.AddUint8(unusedBits)
			bs.AddUint8(flag)
		})
		seq.AddASN1Int64(keySize)
		for _, v := range []*big.Int{a, b, c} {
			if v != nil {
				seq.AddASN1BigInt(v)
			}
		}
	})
	der, err := builder.Bytes()
	if err != nil {
		return "", fmt.Errorf("failed to encode key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// publicPoint splits the uncompressed point encoding into x and y.
func publicPoint(pub *ecdh.PublicKey) (*big.Int, *big.Int, error) {
	raw := pub.Bytes()
	if len(raw) != 1+2*keySize || raw[0] != 0x04 {
		return nil, nil, fmt.Errorf("unexpected public key encoding of %d bytes", len(raw))
	}
	x := new(big.Int).SetBytes(raw[1 : 1+keySize])
	y := new(big.Int).SetBytes(raw[1+keySize:])
	return x, y, nil
}

// importKey parses any key export form. Either return value may be nil
// depending on the flag byte.
func importKey(der []byte) (*ecdh.PublicKey, *ecdh.PrivateKey, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() {
		return nil, nil, errors.New("invalid key: expected a single DER sequence")
	}
	var bits encoding_asn1.BitString
	if !seq.ReadASN1BitString(&bits) || len(bits.Bytes) != 1 {
		return nil, nil, errors.New("invalid key: missing flag bit string")
	}
	var size int64
	if !seq.ReadASN1Integer(&size) {
		return nil, nil, errors.New("invalid key: missing key size")
	}

	readInt := func(name string) (*big.Int, error) {
		v := new(big.Int)
		if !seq.ReadASN1Integer(v) {
			return nil, fmt.Errorf("invalid key: missing %s", name)
		}
		return v, nil
	}

	var (
		pub  *ecdh.PublicKey
		priv *ecdh.PrivateKey
	)
	switch bits.Bytes[0] {
	case keyFlagPublic, keyFlagPublicAndPrivate:
		x, err := readInt("x")
		if err != nil {
			return nil, nil, err
		}
		y, err := readInt("y")
		if err != nil {
			return nil, nil, err
		}
		if pub, err = pointToPublic(x, y); err != nil {
			return nil, nil, err
		}
		if bits.Bytes[0] == keyFlagPublicAndPrivate {
			d, err := readInt("private scalar")
			if err != nil {
				return nil, nil, err
			}
			if priv, err = scalarToPrivate(d); err != nil {
				return nil, nil, err
			}
		}
	case keyFlagPrivate:
		d, err := readInt("private scalar")
		if err != nil {
			return nil, nil, err
		}
		if priv, err = scalarToPrivate(d); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("invalid key: unknown flag %#02x", bits.Bytes[0])
	}
	return pub, priv, nil
}

// importPublicKey parses a public key export such as the server's omega.
func importPublicKey(der []byte) (*ecdh.PublicKey, error) {
	pub, _, err := importKey(der)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, errors.New("invalid key: no public point")
	}
	return pub, nil
}

func pointToPublic(x, y *big.Int) (*ecdh.PublicKey, error) {
	if x.Sign() < 0 || y.Sign() < 0 || x.BitLen() > 8*keySize || y.BitLen() > 8*keySize {
		return nil, errors.New("invalid key: coordinate out of range")
	}
	raw := make([]byte, 1+2*keySize)
	raw[0] = 0x04
	x.FillBytes(raw[1 : 1+keySize])
	y.FillBytes(raw[1+keySize:])
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return pub, nil
}

func scalarToPrivate(d *big.Int) (*ecdh.PrivateKey, error) {
	if d.Sign() <= 0 || d.BitLen() > 8*keySize {
		return nil, errors.New("invalid key: private scalar out of range")
	}
	priv, err := ecdh.P256().NewPrivateKey(d.FillBytes(make([]byte, keySize)))
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return priv, nil
}

// IdentityFile is the YAML form of a persisted identity.
type IdentityFile struct {
	Key                  string `yaml:"key"`
	KeyOffset            uint64 `yaml:"key_offset"`
	LastCheckedKeyOffset uint64 `yaml:"last_checked_key_offset"`
	Nickname             string `yaml:"nickname,omitempty"`
}

// SaveIdentityFile writes id to path, readable by the owner only.
func SaveIdentityFile(path string, id *Identity, nickname string) error {
	key, err := id.ExportKey()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(&IdentityFile{
		Key:                  key,
		KeyOffset:            id.ValidKeyOffset,
		LastCheckedKeyOffset: id.LastCheckedKeyOffset,
		Nickname:             nickname,
	})
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// LoadIdentityFile reads an identity written by SaveIdentityFile.
func LoadIdentityFile(path string) (*Identity, *IdentityFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	var f IdentityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	id, err := LoadIdentity(f.Key, f.KeyOffset, f.LastCheckedKeyOffset)
	if err != nil {
		return nil, nil, err
	}
	return id, &f, nil
}
