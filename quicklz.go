package ts3full

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// QuickLZ 1.5 level 1, the compression used by Command payloads.
//
// Stream layout: a 9-byte header followed by groups of one little-endian
// 32-bit control word and up to 31 items. A control bit of 0 is a literal
// byte, 1 is a back-reference encoded as a 12-bit hash of the referenced
// position plus a match length. Both sides rebuild the same hash table while
// walking the data, so positions are never transmitted.
//
// Header: flags(1) | compressedSize LE32 | decompressedSize LE32.
// flags = 0x02 (long header) | 0x01 (compressible) | level<<2 | 0x40.
const (
	qlzHashValues           = 4096
	qlzMinOffset            = 2
	qlzUnconditionalMatch   = 6
	qlzUncompressedEnd      = 4
	qlzCwordLen             = 4
	qlzHeaderLen            = 9
	qlzShortHeaderLen       = 3
	qlzLevel                = 1
	qlzFlagCompressible     = 0x01
	qlzFlagLongHeader       = 0x02
	qlzFlagAlways           = 0x40
	qlzCwordHighBit  uint32 = 0x80000000
)

// ErrCompressed is returned for a malformed or oversized compressed payload.
var ErrCompressed = errors.New("quicklz: malformed compressed data")

func qlzHeaderSize(src []byte) int {
	if src[0]&qlzFlagLongHeader != 0 {
		return qlzHeaderLen
	}
	return qlzShortHeaderLen
}

// qlzSizeDecompressed returns the decompressed size declared by a header.
func qlzSizeDecompressed(src []byte) (int, error) {
	if len(src) < qlzShortHeaderLen || len(src) < qlzHeaderSize(src) {
		return 0, fmt.Errorf("%w: short header", ErrCompressed)
	}
	if qlzHeaderSize(src) == qlzHeaderLen {
		return int(binary.LittleEndian.Uint32(src[5:9])), nil
	}
	return int(src[2]), nil
}

// qlzSizeCompressed returns the total stream size, header included.
func qlzSizeCompressed(src []byte) (int, error) {
	if len(src) < qlzShortHeaderLen || len(src) < qlzHeaderSize(src) {
		return 0, fmt.Errorf("%w: short header", ErrCompressed)
	}
	if qlzHeaderSize(src) == qlzHeaderLen {
		return int(binary.LittleEndian.Uint32(src[1:5])), nil
	}
	return int(src[1]), nil
}

func qlzWriteHeader(dst []byte, compressible bool, sizeCompressed, sizeDecompressed int) {
	flags := byte(qlzFlagLongHeader | qlzLevel<<2 | qlzFlagAlways)
	if compressible {
		flags |= qlzFlagCompressible
	}
	dst[0] = flags
	binary.LittleEndian.PutUint32(dst[1:5], uint32(sizeCompressed))
	binary.LittleEndian.PutUint32(dst[5:9], uint32(sizeDecompressed))
}

func qlzFetch3(b []byte, i int) int {
	return int(b[i]) | int(b[i+1])<<8 | int(b[i+2])<<16
}

func qlzHash(fetch int) int {
	return ((fetch >> 12) ^ fetch) & (qlzHashValues - 1)
}

// qlzCompress compresses src. Data that does not shrink is stored raw
// behind a header without the compressible flag.
func qlzCompress(src []byte) []byte {
	if len(src) == 0 {
		return []byte{}
	}

	var (
		hashtable    [qlzHashValues]int
		cachetable   [qlzHashValues]int
		hashCounter  [qlzHashValues]bool
		dst          = make([]byte, len(src)+400)
		s            = 0
		d            = qlzHeaderLen + qlzCwordLen
		cwordVal     = qlzCwordHighBit
		cwordPtr     = qlzHeaderLen
		fetch        = 0
		lits         = 0
		lastMatchPos = len(src) - qlzUnconditionalMatch - qlzUncompressedEnd - 1
	)

	if s <= lastMatchPos {
		fetch = qlzFetch3(src, s)
	}

	for s <= lastMatchPos {
		if cwordVal&1 == 1 {
			if s > len(src)>>1 && d > s-(s>>5) {
				stored := make([]byte, len(src)+qlzHeaderLen)
				qlzWriteHeader(stored, false, len(stored), len(src))
				copy(stored[qlzHeaderLen:], src)
				return stored
			}
			binary.LittleEndian.PutUint32(dst[cwordPtr:], cwordVal>>1|qlzCwordHighBit)
			cwordPtr = d
			d += qlzCwordLen
			cwordVal = qlzCwordHighBit
		}

		hash := qlzHash(fetch)
		o := hashtable[hash]
		cache := cachetable[hash] ^ fetch
		cachetable[hash] = fetch
		hashtable[hash] = s

		run := s == o+1 && lits >= 3 && s > 3 &&
			src[s] == src[s-3] && src[s] == src[s-2] && src[s] == src[s-1] &&
			src[s] == src[s+1] && src[s] == src[s+2]

		if cache == 0 && hashCounter[hash] && (s-o > qlzMinOffset || run) {
			cwordVal = cwordVal>>1 | qlzCwordHighBit
			if src[o+3] != src[s+3] {
				f := 3 - 2 | hash<<4
				dst[d] = byte(f)
				dst[d+1] = byte(f >> 8)
				s += 3
				d += 2
			} else {
				start := s
				remaining := len(src) - qlzUncompressedEnd - s
				if remaining > 255 {
					remaining = 255
				}
				s += 4
				if src[o+s-start] == src[s] {
					s++
					if src[o+s-start] == src[s] {
						s++
						for src[o+s-start] == src[s] && s-start < remaining {
							s++
						}
					}
				}
				matchlen := s - start
				h := hash << 4
				if matchlen < 18 {
					f := h | (matchlen - 2)
					dst[d] = byte(f)
					dst[d+1] = byte(f >> 8)
					d += 2
				} else {
					f := h | matchlen<<16
					dst[d] = byte(f)
					dst[d+1] = byte(f >> 8)
					dst[d+2] = byte(f >> 16)
					d += 3
				}
			}
			fetch = qlzFetch3(src, s)
			lits = 0
		} else {
			lits++
			hashCounter[hash] = true
			dst[d] = src[s]
			cwordVal >>= 1
			s++
			d++
			fetch = (fetch>>8)&0xffff | int(src[s+2])<<16
		}
	}

	for s < len(src) {
		if cwordVal&1 == 1 {
			binary.LittleEndian.PutUint32(dst[cwordPtr:], cwordVal>>1|qlzCwordHighBit)
			cwordPtr = d
			d += qlzCwordLen
			cwordVal = qlzCwordHighBit
		}
		dst[d] = src[s]
		s++
		d++
		cwordVal >>= 1
	}
	for cwordVal&1 != 1 {
		cwordVal >>= 1
	}
	binary.LittleEndian.PutUint32(dst[cwordPtr:], cwordVal>>1|qlzCwordHighBit)
	qlzWriteHeader(dst, true, d, len(src))
	return dst[:d:d]
}

// qlzDecompress expands a QuickLZ level 1 stream.
// Declared sizes above maxSize are refused before any allocation, and every
// read and back-reference is bounds-checked.
func qlzDecompress(src []byte, maxSize int) ([]byte, error) {
	size, err := qlzSizeDecompressed(src)
	if err != nil {
		return nil, err
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: declared size %d exceeds limit %d", ErrCompressed, size, maxSize)
	}
	if level := (src[0] >> 2) & 0x3; level != qlzLevel {
		return nil, fmt.Errorf("%w: unsupported level %d", ErrCompressed, level)
	}

	s := qlzHeaderSize(src)
	if src[0]&qlzFlagCompressible == 0 {
		if len(src)-s < size {
			return nil, fmt.Errorf("%w: stored data truncated", ErrCompressed)
		}
		out := make([]byte, size)
		copy(out, src[s:s+size])
		return out, nil
	}

	var (
		hashtable    [qlzHashValues]int
		dst          = make([]byte, size)
		d            = 0
		cwordVal     = uint32(1)
		lastMatchPos = size - qlzUnconditionalMatch - qlzUncompressedEnd - 1
		lastHashed   = -1
		fetch        = 0
	)

	// byteAt pads with zeros past the end; fetch is only a look-ahead and
	// every byte that is actually consumed is checked separately.
	byteAt := func(i int) int {
		if i < len(src) {
			return int(src[i])
		}
		return 0
	}
	fetchAt := func(i int) int {
		return byteAt(i) | byteAt(i+1)<<8 | byteAt(i+2)<<16
	}
	outAt := func(i int) int {
		if i < len(dst) {
			return int(dst[i])
		}
		return 0
	}

	for {
		if cwordVal == 1 {
			if s+qlzCwordLen > len(src) {
				return nil, fmt.Errorf("%w: truncated control word", ErrCompressed)
			}
			cwordVal = binary.LittleEndian.Uint32(src[s:])
			s += qlzCwordLen
			if d <= lastMatchPos {
				fetch = fetchAt(s)
			}
		}

		if cwordVal&1 == 1 {
			cwordVal >>= 1
			hash := (fetch >> 4) & 0xfff
			offset := hashtable[hash]
			var matchlen int
			if fetch&0xf != 0 {
				if s+2 > len(src) {
					return nil, fmt.Errorf("%w: truncated match", ErrCompressed)
				}
				matchlen = fetch&0xf + 2
				s += 2
			} else {
				if s+3 > len(src) {
					return nil, fmt.Errorf("%w: truncated match", ErrCompressed)
				}
				matchlen = int(src[s+2])
				s += 3
			}
			if matchlen < 3 || offset >= d || d+matchlen > size {
				return nil, fmt.Errorf("%w: invalid back-reference", ErrCompressed)
			}
			// byte-wise so that overlapping runs repeat
			for i := 0; i < matchlen; i++ {
				dst[d+i] = dst[offset+i]
			}
			d += matchlen

			fetch = outAt(lastHashed+1) | outAt(lastHashed+2)<<8 | outAt(lastHashed+3)<<16
			for lastHashed < d-matchlen {
				lastHashed++
				hashtable[qlzHash(fetch)] = lastHashed
				fetch = (fetch>>8)&0xffff | outAt(lastHashed+3)<<16
			}
			fetch = fetchAt(s)
			lastHashed = d - 1
			continue
		}

		if d > lastMatchPos {
			// the tail is always literal
			for d < size {
				if cwordVal == 1 {
					s += qlzCwordLen
					cwordVal = qlzCwordHighBit
				}
				if s >= len(src) {
					return nil, fmt.Errorf("%w: truncated literal tail", ErrCompressed)
				}
				dst[d] = src[s]
				d++
				s++
				cwordVal >>= 1
			}
			return dst, nil
		}

		if s >= len(src) {
			return nil, fmt.Errorf("%w: truncated literal", ErrCompressed)
		}
		dst[d] = src[s]
		d++
		s++
		cwordVal >>= 1
		for lastHashed < d-3 {
			lastHashed++
			f := int(dst[lastHashed]) | int(dst[lastHashed+1])<<8 | int(dst[lastHashed+2])<<16
			hashtable[qlzHash(f)] = lastHashed
		}
		fetch = (fetch>>8)&0xffff | byteAt(s+2)<<16
	}
}
