// Package nalu recovers NAL units from opaque camera access units and
// provides codec-level helpers: parameter-set extraction, keyframe
// derivation, SPS resolution parsing, and ADTS header parsing.
//
// Camera firmware and transport paths deliver access units in different
// containers (Annex B start codes, or 1/2/3/4-byte length prefixes in
// either byte order) with no reliable signaling of which. Extract tries
// each candidate container in a fixed order and scores the results,
// keeping the parse with the fewest invalid NAL units.
package nalu

import (
	"encoding/binary"

	"github.com/zsiec/camrelay/media"
)

// NALUnit is one Network Abstraction Layer unit without start code or
// length prefix. Type is the codec-specific NAL type from the header.
type NALUnit struct {
	Type byte
	Data []byte
}

// TypeOf extracts the codec-specific NAL type from raw NAL data.
func TypeOf(vt media.VideoType, data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	if vt == media.VideoH265 {
		return HEVCType(data[0])
	}
	return H264Type(data[0])
}

func minNALBytes(vt media.VideoType) int {
	if vt == media.VideoH265 {
		return 2
	}
	return 1
}

// Extract recovers the ordered NAL units from an access unit of unknown
// container format. Empty or under-length input yields an empty result,
// never an error.
func Extract(data []byte, vt media.VideoType) []NALUnit {
	units, _ := ExtractScored(data, vt)
	return units
}

// ExtractScored is Extract plus the winning candidate's invalid-NAL count.
// A nonzero score means no candidate parse produced only valid NAL units;
// callers treat that as a stream-quality concern worth logging, not an error.
func ExtractScored(data []byte, vt media.VideoType) ([]NALUnit, int) {
	if len(data) < minNALBytes(vt) {
		return nil, 0
	}

	var best [][]byte
	bestScore := -1

	consider := func(units [][]byte) bool {
		if units == nil {
			return false
		}
		score := invalidCount(units, vt)
		if bestScore < 0 || score < bestScore {
			best = units
			bestScore = score
		}
		return score == 0
	}

	done := false
	if hasEarlyStartCode(data) {
		done = consider(splitAnnexB(data))
	}
	if !done {
	trials:
		for _, width := range []int{4, 3, 2, 1} {
			for _, le := range []bool{false, true} {
				if width == 1 && le {
					continue // byte order is meaningless for 1-byte fields
				}
				if consider(splitLengthPrefixed(data, width, le)) {
					done = true
					break trials
				}
			}
		}
	}
	if !done {
		// Last resort: the whole buffer is one NAL unit.
		consider([][]byte{data})
	}

	units := make([]NALUnit, 0, len(best))
	for _, u := range best {
		units = append(units, NALUnit{Type: TypeOf(vt, u), Data: u})
	}
	return units, bestScore
}

// hasEarlyStartCode reports whether an Annex B start code (00 00 01 or
// 00 00 00 01) appears within the first 64 bytes. Length-prefixed buffers
// can contain start-code-like sequences deep inside slice data, so only an
// early occurrence is taken as evidence of Annex B packaging.
func hasEarlyStartCode(data []byte) bool {
	limit := len(data)
	if limit > 64 {
		limit = 64
	}
	for i := 0; i+3 <= limit; i++ {
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				return true
			}
			if i+4 <= limit && data[i+2] == 0 && data[i+3] == 1 {
				return true
			}
		}
	}
	return false
}

// splitAnnexB scans for start codes and returns the raw NAL payloads
// between them. Both 3- and 4-byte start codes are recognized.
func splitAnnexB(data []byte) [][]byte {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units [][]byte
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		units = append(units, data[pos.dataStart:end])
	}
	return units
}

// splitLengthPrefixed parses data as a sequence of [length][NAL] records
// with the given length-field width and byte order. Returns nil if any
// length field overruns the buffer or the records do not exactly partition
// the input.
func splitLengthPrefixed(data []byte, width int, littleEndian bool) [][]byte {
	var units [][]byte
	i := 0
	for i < len(data) {
		if i+width > len(data) {
			return nil
		}
		n := int(readUint(data[i:i+width], littleEndian))
		i += width
		if n < 0 || i+n > len(data) {
			return nil
		}
		units = append(units, data[i:i+n])
		i += n
	}
	if len(units) == 0 {
		return nil
	}
	return units
}

func readUint(b []byte, littleEndian bool) uint32 {
	var v uint32
	if littleEndian {
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint32(b[i])
		}
		return v
	}
	switch len(b) {
	case 4:
		return binary.BigEndian.Uint32(b)
	case 2:
		return uint32(binary.BigEndian.Uint16(b))
	}
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func invalidCount(units [][]byte, vt media.VideoType) int {
	bad := 0
	for _, u := range units {
		if !validNAL(u, vt) {
			bad++
		}
	}
	return bad
}

// validNAL checks the forbidden-zero bit and the codec's legal NAL type
// range. H.264 types 1..23 are valid; H.265 types 0..29, 32..40, and
// 48..50 (the paged VCL, non-VCL, and RTP aggregation/fragmentation
// ranges) are valid.
func validNAL(u []byte, vt media.VideoType) bool {
	if len(u) < minNALBytes(vt) {
		return false
	}
	if u[0]&0x80 != 0 {
		return false
	}
	if vt == media.VideoH265 {
		t := HEVCType(u[0])
		return t <= 29 || (t >= 32 && t <= 40) || (t >= 48 && t <= 50)
	}
	t := H264Type(u[0])
	return t >= 1 && t <= 23
}

// ParameterSets holds the codec parameter-set NAL units needed to build an
// SDP description and initialize decoders. VPS is nil for H.264.
type ParameterSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// Complete reports whether every parameter set the codec requires is present.
func (p ParameterSets) Complete(vt media.VideoType) bool {
	if vt == media.VideoH265 {
		return p.VPS != nil && p.SPS != nil && p.PPS != nil
	}
	return p.SPS != nil && p.PPS != nil
}

// ExtractParameterSets scans a NAL unit list for parameter sets and returns
// them only when a complete set is found. A keyframe access unit lacking a
// complete set is "not yet usable"; the caller keeps waiting.
func ExtractParameterSets(units []NALUnit, vt media.VideoType) (ParameterSets, bool) {
	var ps ParameterSets
	for _, u := range units {
		if vt == media.VideoH265 {
			switch u.Type {
			case HEVCVPS:
				if ps.VPS == nil {
					ps.VPS = u.Data
				}
			case HEVCSPS:
				if ps.SPS == nil {
					ps.SPS = u.Data
				}
			case HEVCPPS:
				if ps.PPS == nil {
					ps.PPS = u.Data
				}
			}
			continue
		}
		switch u.Type {
		case H264SPS:
			if ps.SPS == nil {
				ps.SPS = u.Data
			}
		case H264PPS:
			if ps.PPS == nil {
				ps.PPS = u.Data
			}
		}
	}
	if !ps.Complete(vt) {
		return ParameterSets{}, false
	}
	return ps, true
}

// DeriveKeyframe reports whether the NAL list contains an IDR (H.264) or
// IRAP (H.265) slice. Camera-reported keyframe flags are sometimes wrong;
// deriving the flag from the bitstream itself prevents one-frame-per-GOP
// delivery when a client is waiting on a keyframe that was never flagged.
func DeriveKeyframe(units []NALUnit, vt media.VideoType) bool {
	for _, u := range units {
		if vt == media.VideoH265 {
			if IsHEVCKeyframe(u.Type) {
				return true
			}
			continue
		}
		if IsH264Keyframe(u.Type) {
			return true
		}
	}
	return false
}
