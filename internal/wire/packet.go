// Package wire implements the binary datagram format carrying audio chunks
// on the data plane. One datagram is exactly one packet; there is no framing
// and no checksum beyond what UDP provides.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Format identifies the payload encoding of a packet.
type Format uint8

const (
	FormatPCM Format = iota
	FormatMP3
	FormatOpus
)

func (f Format) String() string {
	switch f {
	case FormatPCM:
		return "pcm"
	case FormatMP3:
		return "mp3"
	case FormatOpus:
		return "opus"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseFormat maps a control-plane format name to its wire code.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "pcm":
		return FormatPCM, nil
	case "mp3":
		return FormatMP3, nil
	case "opus":
		return FormatOpus, nil
	default:
		return 0, fmt.Errorf("unknown audio format %q", name)
	}
}

// MaxSessionIDLen bounds the session identifier on the wire.
const MaxSessionIDLen = 128

// fixedHeaderLen is the header size excluding the session id bytes:
// sid_len(1) + seq(4) + tts_ts(8) + playback_ts(8) + fmt(1) + rate(4) +
// is_last(1) + payload_len(4).
const fixedHeaderLen = 31

var (
	ErrTruncated      = errors.New("wire: datagram truncated")
	ErrBadSessionID   = errors.New("wire: bad session id length")
	ErrUnknownFormat  = errors.New("wire: unknown format code")
	ErrPayloadLength  = errors.New("wire: payload length mismatch")
	ErrSessionTooLong = errors.New("wire: session id exceeds limit")
)

// Packet is one decoded audio datagram. Timestamps are milliseconds on the
// sender's clock; PlaybackTS is authoritative for ordering.
type Packet struct {
	SessionID  string
	Sequence   uint32
	TTSTS      uint64
	PlaybackTS uint64
	Format     Format
	SampleRate uint32
	Last       bool
	Payload    []byte
}

// Parse decodes a single datagram. The returned packet's payload aliases buf;
// callers that retain the packet past the read loop must copy it.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < fixedHeaderLen {
		return nil, ErrTruncated
	}
	sidLen := int(buf[0])
	if sidLen == 0 {
		return nil, ErrBadSessionID
	}
	if sidLen > MaxSessionIDLen {
		return nil, ErrSessionTooLong
	}
	if len(buf) < fixedHeaderLen+sidLen {
		return nil, ErrTruncated
	}

	p := &Packet{SessionID: string(buf[1 : 1+sidLen])}
	off := 1 + sidLen
	p.Sequence = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.TTSTS = binary.BigEndian.Uint64(buf[off:])
	off += 8
	p.PlaybackTS = binary.BigEndian.Uint64(buf[off:])
	off += 8
	fmtCode := buf[off]
	off++
	if fmtCode > uint8(FormatOpus) {
		return nil, ErrUnknownFormat
	}
	p.Format = Format(fmtCode)
	p.SampleRate = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.Last = buf[off] != 0
	off++
	payloadLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if len(buf)-off != payloadLen {
		return nil, ErrPayloadLength
	}
	p.Payload = buf[off:]
	return p, nil
}

// Append encodes p onto dst and returns the extended slice. Used by the send
// generator and tests; the receiver only parses.
func Append(dst []byte, p *Packet) ([]byte, error) {
	if len(p.SessionID) == 0 || len(p.SessionID) > MaxSessionIDLen {
		return dst, ErrSessionTooLong
	}
	dst = append(dst, byte(len(p.SessionID)))
	dst = append(dst, p.SessionID...)
	dst = binary.BigEndian.AppendUint32(dst, p.Sequence)
	dst = binary.BigEndian.AppendUint64(dst, p.TTSTS)
	dst = binary.BigEndian.AppendUint64(dst, p.PlaybackTS)
	dst = append(dst, byte(p.Format))
	dst = binary.BigEndian.AppendUint32(dst, p.SampleRate)
	if p.Last {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(p.Payload)))
	dst = append(dst, p.Payload...)
	return dst, nil
}
