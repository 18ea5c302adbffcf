// Package wire defines the bit-exact datagram layout exchanged between
// peers. Every packet is a 12-byte little-endian header followed by a
// kind-specific body; unknown kinds and oversize datagrams are dropped
// by the caller.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andersfylling/rollback/types"
)

// ProtocolMagic identifies the protocol family in every header.
const ProtocolMagic uint32 = 0x524c4259 // "RLBY"

// MTU bounds datagram size; staying under 1200 bytes avoids IP
// fragmentation on practically every path.
const MTU = 1200

// HeaderSize is the fixed header length in bytes.
const HeaderSize = 12

// Errors surfaced to the peer layer. All of them mean "drop the
// packet"; none reach the host.
var (
	ErrUnknownKind = errors.New("unknown packet kind")
	ErrMalformed   = errors.New("malformed packet")
	ErrOversize    = errors.New("packet exceeds MTU")
	ErrWrongFamily = errors.New("wrong protocol family")
)

// Kind discriminates packet bodies.
type Kind uint8

const (
	KindSyncRequest Kind = iota
	KindSyncReply
	KindInput
	KindInputAck
	KindKeepalive
	KindQualityReport

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindSyncRequest:
		return "sync-request"
	case KindSyncReply:
		return "sync-reply"
	case KindInput:
		return "input"
	case KindInputAck:
		return "input-ack"
	case KindKeepalive:
		return "keepalive"
	case KindQualityReport:
		return "quality-report"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// flagChecksum marks an Input body carrying a state checksum.
const flagChecksum uint8 = 1 << 0

// Header is the common packet prefix. PeerMagic is the sender's session
// nonce; a receiver drops packets whose nonce does not match the magic
// recorded during the handshake, which rejects datagrams from stale
// sessions.
type Header struct {
	Magic     uint32
	PeerMagic uint32
	Sequence  uint16
	Kind      Kind
	Flags     uint8
}

// Body is implemented by every packet body.
type Body interface {
	kind() Kind
	appendTo(dst []byte) []byte
}

// SyncRequest opens (or continues) a handshake round.
type SyncRequest struct {
	Round uint32
}

func (SyncRequest) kind() Kind { return KindSyncRequest }

func (b SyncRequest) appendTo(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, b.Round)
}

// SyncReply echoes a handshake round back to the requester.
type SyncReply struct {
	Round uint32
}

func (SyncReply) kind() Kind { return KindSyncReply }

func (b SyncReply) appendTo(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, b.Round)
}

// FrameChecksum piggybacks a saved-state checksum for desync detection.
type FrameChecksum struct {
	Frame    types.Frame
	Checksum uint64
}

// Input carries a compressed input stream plus the piggybacked ack and
// frame advantage.
type Input struct {
	StartFrame     types.Frame
	InputCount     uint16
	AckFrame       types.Frame
	FrameAdvantage int8
	Checksum       *FrameChecksum
	Stream         []byte
}

func (Input) kind() Kind { return KindInput }

func (b Input) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(b.StartFrame)))
	dst = binary.LittleEndian.AppendUint16(dst, b.InputCount)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(b.AckFrame)))
	dst = append(dst, byte(b.FrameAdvantage))
	if b.Checksum != nil {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(b.Checksum.Frame)))
		dst = binary.LittleEndian.AppendUint64(dst, b.Checksum.Checksum)
	}
	return append(dst, b.Stream...)
}

// InputAck acknowledges received inputs without sending any.
type InputAck struct {
	AckFrame types.Frame
}

func (InputAck) kind() Kind { return KindInputAck }

func (b InputAck) appendTo(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(int32(b.AckFrame)))
}

// Keepalive holds a connection open through quiet stretches.
type Keepalive struct{}

func (Keepalive) kind() Kind { return KindKeepalive }

func (Keepalive) appendTo(dst []byte) []byte { return dst }

// QualityReport shares measured ping and the sender's frame advantage.
type QualityReport struct {
	PingMS               uint16
	RemoteFrameAdvantage int8
}

func (QualityReport) kind() Kind { return KindQualityReport }

func (b QualityReport) appendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, b.PingMS)
	return append(dst, byte(b.RemoteFrameAdvantage))
}

// Packet is a decoded datagram.
type Packet struct {
	Header Header
	Body   Body
}

// Marshal encodes a packet. The header's kind and flags are derived
// from the body.
func Marshal(peerMagic uint32, sequence uint16, body Body) ([]byte, error) {
	flags := uint8(0)
	if in, ok := body.(Input); ok && in.Checksum != nil {
		flags |= flagChecksum
	}
	dst := make([]byte, 0, HeaderSize+32)
	dst = binary.LittleEndian.AppendUint32(dst, ProtocolMagic)
	dst = binary.LittleEndian.AppendUint32(dst, peerMagic)
	dst = binary.LittleEndian.AppendUint16(dst, sequence)
	dst = append(dst, byte(body.kind()), flags)
	dst = body.appendTo(dst)
	if len(dst) > MTU {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversize, len(dst))
	}
	return dst, nil
}

func frame(v uint32) types.Frame { return types.Frame(int32(v)) }

// Unmarshal decodes a datagram. Unknown kinds return ErrUnknownKind so
// the caller can drop them silently per protocol rules.
func Unmarshal(data []byte) (Packet, error) {
	var pkt Packet
	if len(data) > MTU {
		return pkt, fmt.Errorf("%w: %d bytes", ErrOversize, len(data))
	}
	if len(data) < HeaderSize {
		return pkt, fmt.Errorf("%w: %d-byte datagram", ErrMalformed, len(data))
	}
	pkt.Header = Header{
		Magic:     binary.LittleEndian.Uint32(data[0:4]),
		PeerMagic: binary.LittleEndian.Uint32(data[4:8]),
		Sequence:  binary.LittleEndian.Uint16(data[8:10]),
		Kind:      Kind(data[10]),
		Flags:     data[11],
	}
	if pkt.Header.Magic != ProtocolMagic {
		return pkt, ErrWrongFamily
	}
	if pkt.Header.Kind >= kindCount {
		return pkt, ErrUnknownKind
	}

	body := data[HeaderSize:]
	switch pkt.Header.Kind {
	case KindSyncRequest:
		if len(body) != 4 {
			return pkt, fmt.Errorf("%w: sync request body %d bytes", ErrMalformed, len(body))
		}
		pkt.Body = SyncRequest{Round: binary.LittleEndian.Uint32(body)}
	case KindSyncReply:
		if len(body) != 4 {
			return pkt, fmt.Errorf("%w: sync reply body %d bytes", ErrMalformed, len(body))
		}
		pkt.Body = SyncReply{Round: binary.LittleEndian.Uint32(body)}
	case KindInput:
		const fixed = 4 + 2 + 4 + 1
		if len(body) < fixed {
			return pkt, fmt.Errorf("%w: input body %d bytes", ErrMalformed, len(body))
		}
		in := Input{
			StartFrame:     frame(binary.LittleEndian.Uint32(body[0:4])),
			InputCount:     binary.LittleEndian.Uint16(body[4:6]),
			AckFrame:       frame(binary.LittleEndian.Uint32(body[6:10])),
			FrameAdvantage: int8(body[10]),
		}
		rest := body[fixed:]
		if pkt.Header.Flags&flagChecksum != 0 {
			if len(rest) < 12 {
				return pkt, fmt.Errorf("%w: truncated input checksum", ErrMalformed)
			}
			in.Checksum = &FrameChecksum{
				Frame:    frame(binary.LittleEndian.Uint32(rest[0:4])),
				Checksum: binary.LittleEndian.Uint64(rest[4:12]),
			}
			rest = rest[12:]
		}
		in.Stream = rest
		pkt.Body = in
	case KindInputAck:
		if len(body) != 4 {
			return pkt, fmt.Errorf("%w: input ack body %d bytes", ErrMalformed, len(body))
		}
		pkt.Body = InputAck{AckFrame: frame(binary.LittleEndian.Uint32(body))}
	case KindKeepalive:
		if len(body) != 0 {
			return pkt, fmt.Errorf("%w: keepalive body %d bytes", ErrMalformed, len(body))
		}
		pkt.Body = Keepalive{}
	case KindQualityReport:
		if len(body) != 3 {
			return pkt, fmt.Errorf("%w: quality report body %d bytes", ErrMalformed, len(body))
		}
		pkt.Body = QualityReport{
			PingMS:               binary.LittleEndian.Uint16(body[0:2]),
			RemoteFrameAdvantage: int8(body[2]),
		}
	}
	return pkt, nil
}
