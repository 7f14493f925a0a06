// Package rtp turns NAL units and AAC frames into wire-ready RTP packets,
// handling FU-A (H.264) and FU (H.265) fragmentation, AU-header AAC
// payloadization, and capture-time to RTP-clock timestamp mapping.
// Packet headers are built and marshaled with github.com/pion/rtp.
package rtp

import (
	"fmt"
	"math/rand"

	"github.com/pion/rtp"

	"github.com/zsiec/camrelay/media"
)

// VideoClockRate is the fixed RTP clock rate for video streams (RFC 6184/7798).
const VideoClockRate = 90000

// RTP payload types for fragmentation units.
const (
	h264TypeFUA = 28 // RFC 6184 FU-A
	hevcTypeFU  = 49 // RFC 7798 FU
)

// Packetizer builds RTP packets for one stream, owning the sequence number
// and SSRC. The SSRC is chosen randomly at creation and fixed for the
// stream's lifetime; the sequence number increments by exactly one per
// emitted packet regardless of fragmentation.
type Packetizer struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
}

// NewPacketizer creates a Packetizer with a random SSRC and initial
// sequence number.
func NewPacketizer(payloadType uint8) *Packetizer {
	return &Packetizer{
		payloadType: payloadType,
		ssrc:        rand.Uint32(),
		seq:         uint16(rand.Uint32()),
	}
}

// SSRC returns the stream's synchronization source identifier.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// SequenceNumber returns the sequence number the next packet will carry.
func (p *Packetizer) SequenceNumber() uint16 {
	return p.seq
}

// PayloadType returns the RTP payload type stamped on emitted packets.
func (p *Packetizer) PayloadType() uint8 {
	return p.payloadType
}

// PacketizeNALU converts one NAL unit into one or more marshaled RTP
// packets. A NAL that fits within maxPayload becomes a single packet;
// larger NALs are fragmented as FU-A (H.264) or FU (H.265). The marker bit
// is set only on the final packet, and only when last is true (the NAL is
// the last of its access unit). All packets carry the same timestamp.
func (p *Packetizer) PacketizeNALU(vt media.VideoType, nal []byte, timestamp uint32, maxPayload int, last bool) ([][]byte, error) {
	if len(nal) == 0 {
		return nil, nil
	}
	headerLen := 2
	if vt == media.VideoH265 {
		headerLen = 3
	}
	if maxPayload <= headerLen {
		return nil, fmt.Errorf("max payload %d too small to fragment", maxPayload)
	}

	if len(nal) <= maxPayload {
		pkt, err := p.emit(nal, timestamp, last)
		if err != nil {
			return nil, err
		}
		return [][]byte{pkt}, nil
	}

	if vt == media.VideoH265 {
		return p.fragmentHEVC(nal, timestamp, maxPayload, last)
	}
	return p.fragmentH264(nal, timestamp, maxPayload, last)
}

// fragmentH264 splits a NAL into FU-A fragments (RFC 6184 §5.8). The FU
// indicator reuses the original F/NRI bits with type 28; the FU header
// carries start/end bits and the original 5-bit NAL type. Continuation
// fragments omit the original NAL header byte.
func (p *Packetizer) fragmentH264(nal []byte, timestamp uint32, maxPayload int, last bool) ([][]byte, error) {
	fuIndicator := (nal[0] & 0xE0) | h264TypeFUA
	nalType := nal[0] & 0x1F
	data := nal[1:]

	chunk := maxPayload - 2
	var out [][]byte
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}

		fuHeader := nalType
		if off == 0 {
			fuHeader |= 0x80 // start
		}
		final := end == len(data)
		if final {
			fuHeader |= 0x40 // end
		}

		payload := make([]byte, 2+end-off)
		payload[0] = fuIndicator
		payload[1] = fuHeader
		copy(payload[2:], data[off:end])

		pkt, err := p.emit(payload, timestamp, final && last)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

// fragmentHEVC splits a NAL into FU fragments (RFC 7798 §4.4.3). The
// 2-byte payload header reuses the original NAL header with the type field
// overwritten to 49; a third byte carries start/end bits and the original
// 6-bit type.
func (p *Packetizer) fragmentHEVC(nal []byte, timestamp uint32, maxPayload int, last bool) ([][]byte, error) {
	if len(nal) < 2 {
		return nil, fmt.Errorf("hevc NAL shorter than 2-byte header")
	}
	hdr0 := (nal[0] & 0x81) | (hevcTypeFU << 1)
	hdr1 := nal[1]
	nalType := (nal[0] >> 1) & 0x3F
	data := nal[2:]

	chunk := maxPayload - 3
	var out [][]byte
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}

		fuHeader := nalType
		if off == 0 {
			fuHeader |= 0x80
		}
		final := end == len(data)
		if final {
			fuHeader |= 0x40
		}

		payload := make([]byte, 3+end-off)
		payload[0] = hdr0
		payload[1] = hdr1
		payload[2] = fuHeader
		copy(payload[3:], data[off:end])

		pkt, err := p.emit(payload, timestamp, final && last)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

// PacketizeAAC wraps one raw AAC frame (ADTS header already stripped) in
// the RFC 3640 AAC-hbr payload: a 16-bit AU-headers-length field, one
// 16-bit AU header (13-bit size, 3-bit index), then the frame. The marker
// bit is always set since each packet carries a complete access unit.
func (p *Packetizer) PacketizeAAC(frame []byte, timestamp uint32) ([]byte, error) {
	if len(frame) >= 1<<13 {
		return nil, fmt.Errorf("AAC frame of %d bytes exceeds 13-bit AU size", len(frame))
	}
	payload := make([]byte, 4+len(frame))
	payload[0] = 0
	payload[1] = 16 // AU-headers-length in bits
	payload[2] = byte(len(frame) >> 5)
	payload[3] = byte(len(frame)&0x1F) << 3
	copy(payload[4:], frame)
	return p.emit(payload, timestamp, true)
}

func (p *Packetizer) emit(payload []byte, timestamp uint32, marker bool) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.seq,
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.seq++
	return pkt.Marshal()
}
