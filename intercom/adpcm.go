// Package intercom carries operator speech to the camera: it encodes
// 16-bit PCM into the camera's IMA-ADPCM block format and drives the talk
// session through a bounded-latency, strictly ordered send pipeline.
package intercom

// IMA-ADPCM quantizer step table (89 entries) and index adjustment table,
// as specified by the IMA Digital Audio Compatibility Project.
var stepTable = [89]int32{
	7, 8, 9, 10, 11, 12, 13, 14, 16, 17,
	19, 21, 23, 25, 28, 31, 34, 37, 41, 45,
	50, 55, 60, 66, 73, 80, 88, 97, 107, 118,
	130, 143, 157, 173, 190, 209, 230, 253, 279, 307,
	337, 371, 408, 449, 494, 544, 598, 658, 724, 796,
	876, 963, 1060, 1166, 1282, 1411, 1552, 1707, 1878, 2066,
	2272, 2499, 2749, 3024, 3327, 3660, 4026, 4428, 4871, 5358,
	5894, 6484, 7132, 7845, 8630, 9493, 10442, 11487, 12635, 13899,
	15289, 16818, 18500, 20350, 22385, 24623, 27086, 29794, 32767,
}

var indexTable = [16]int32{
	-1, -1, -1, -1, 2, 4, 6, 8,
	-1, -1, -1, -1, 2, 4, 6, 8,
}

// BlockHeaderSize is the fixed per-block header: initial predictor
// (int16 little-endian), step index (uint8), and a reserved zero byte.
const BlockHeaderSize = 4

// SamplesPerBlock returns the number of PCM samples consumed by one block
// of the given payload size: one seed sample stored verbatim in the header
// plus two 4-bit codes per payload byte.
func SamplesPerBlock(blockSizeBytes int) int {
	return blockSizeBytes*2 + 1
}

// Encoder converts 16-bit PCM into IMA-ADPCM blocks. Predictor and step
// index are reset at the start of each block and carried sample-to-sample
// within it, so every block is independently decodable from its header.
type Encoder struct {
	predictor int32
	index     int32
}

// NewEncoder creates an Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBlock encodes up to SamplesPerBlock(blockSizeBytes) samples into
// one block of exactly BlockHeaderSize+blockSizeBytes bytes. When samples
// runs short of a full group, the missing samples are treated as repeats
// of the current predictor, which encodes as near-silence instead of a
// step edge at stream end.
func (e *Encoder) EncodeBlock(samples []int16, blockSizeBytes int) []byte {
	out := make([]byte, BlockHeaderSize+blockSizeBytes)

	e.index = 0
	if len(samples) > 0 {
		e.predictor = int32(samples[0])
	}

	out[0] = byte(e.predictor)
	out[1] = byte(e.predictor >> 8)
	out[2] = byte(e.index)
	out[3] = 0

	// Two codes per byte, low nibble first. Sample 0 seeds the predictor
	// and is not delta-coded.
	n := SamplesPerBlock(blockSizeBytes)
	for i := 1; i < n; i++ {
		s := int16(e.predictor)
		if i < len(samples) {
			s = samples[i]
		}
		code := e.encodeSample(s)

		pos := BlockHeaderSize + (i-1)/2
		if (i-1)%2 == 0 {
			out[pos] = code
		} else {
			out[pos] |= code << 4
		}
	}
	return out
}

// Encode groups samples into consecutive blocks, padding the final block
// per EncodeBlock's short-group rule.
func (e *Encoder) Encode(samples []int16, blockSizeBytes int) []byte {
	perBlock := SamplesPerBlock(blockSizeBytes)
	blocks := (len(samples) + perBlock - 1) / perBlock

	out := make([]byte, 0, blocks*(BlockHeaderSize+blockSizeBytes))
	for i := 0; i < blocks; i++ {
		start := i * perBlock
		end := start + perBlock
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, e.EncodeBlock(samples[start:end], blockSizeBytes)...)
	}
	return out
}

// encodeSample quantizes one sample against the current predictor into a
// 4-bit code and updates the predictor/index state the way a decoder will.
func (e *Encoder) encodeSample(sample int16) byte {
	step := stepTable[e.index]

	diff := int32(sample) - e.predictor
	var code int32
	if diff < 0 {
		code = 8
		diff = -diff
	}

	if diff >= step {
		code |= 4
		diff -= step
	}
	if diff >= step>>1 {
		code |= 2
		diff -= step >> 1
	}
	if diff >= step>>2 {
		code |= 1
	}

	// Reconstruct the quantized delta exactly as the decoder does, so the
	// predictor tracks the decode-side value.
	delta := step >> 3
	if code&4 != 0 {
		delta += step
	}
	if code&2 != 0 {
		delta += step >> 1
	}
	if code&1 != 0 {
		delta += step >> 2
	}
	if code&8 != 0 {
		e.predictor -= delta
	} else {
		e.predictor += delta
	}

	if e.predictor > 32767 {
		e.predictor = 32767
	} else if e.predictor < -32768 {
		e.predictor = -32768
	}

	e.index += indexTable[code]
	if e.index < 0 {
		e.index = 0
	} else if e.index > 88 {
		e.index = 88
	}

	return byte(code)
}
