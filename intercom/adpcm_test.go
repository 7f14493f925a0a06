package intercom

import (
	"encoding/binary"
	"math"
	"testing"
)

// decodeBlock is a reference IMA-ADPCM decoder used to verify the encoder
// against round-trip error bounds.
func decodeBlock(t *testing.T, block []byte, blockSizeBytes int) []int16 {
	t.Helper()
	if len(block) != BlockHeaderSize+blockSizeBytes {
		t.Fatalf("block size: got %d, want %d", len(block), BlockHeaderSize+blockSizeBytes)
	}

	predictor := int32(int16(binary.LittleEndian.Uint16(block[0:2])))
	index := int32(block[2])
	if block[3] != 0 {
		t.Errorf("reserved header byte: got %d, want 0", block[3])
	}

	out := []int16{int16(predictor)}
	for _, b := range block[BlockHeaderSize:] {
		for _, code := range []int32{int32(b & 0x0F), int32(b >> 4)} {
			step := stepTable[index]
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
				predictor -= delta
			} else {
				predictor += delta
			}
			if predictor > 32767 {
				predictor = 32767
			} else if predictor < -32768 {
				predictor = -32768
			}
			index += indexTable[code]
			if index < 0 {
				index = 0
			} else if index > 88 {
				index = 88
			}
			out = append(out, int16(predictor))
		}
	}
	return out
}

func TestSamplesPerBlock(t *testing.T) {
	t.Parallel()

	if got := SamplesPerBlock(512); got != 1025 {
		t.Errorf("SamplesPerBlock(512): got %d, want 1025", got)
	}
	if got := SamplesPerBlock(80); got != 161 {
		t.Errorf("SamplesPerBlock(80): got %d, want 161", got)
	}
}

func TestEncodeBlockSizeAndHeader(t *testing.T) {
	t.Parallel()

	const blockSize = 80
	samples := make([]int16, SamplesPerBlock(blockSize))
	samples[0] = -1234

	block := NewEncoder().EncodeBlock(samples, blockSize)
	if len(block) != BlockHeaderSize+blockSize {
		t.Fatalf("block length: got %d, want %d", len(block), BlockHeaderSize+blockSize)
	}
	if got := int16(binary.LittleEndian.Uint16(block[0:2])); got != -1234 {
		t.Errorf("header predictor: got %d, want -1234", got)
	}
	if block[2] != 0 {
		t.Errorf("header step index: got %d, want 0", block[2])
	}
	if block[3] != 0 {
		t.Errorf("reserved byte: got %d, want 0", block[3])
	}
}

func TestEncodeBlockConstantSignal(t *testing.T) {
	t.Parallel()

	const blockSize = 16
	samples := make([]int16, SamplesPerBlock(blockSize))
	for i := range samples {
		samples[i] = 1000
	}

	block := NewEncoder().EncodeBlock(samples, blockSize)
	decoded := decodeBlock(t, block, blockSize)

	// A constant signal must decode to values wobbling only by the minimum
	// quantizer delta around the input.
	for i, s := range decoded {
		if d := math.Abs(float64(s) - 1000); d > 4 {
			t.Errorf("sample %d: decoded %d, want ~1000", i, s)
		}
	}
}

func TestEncodeBlockSineRoundTrip(t *testing.T) {
	t.Parallel()

	const blockSize = 256
	n := SamplesPerBlock(blockSize)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*float64(i)/64))
	}

	block := NewEncoder().EncodeBlock(samples, blockSize)
	decoded := decodeBlock(t, block, blockSize)
	if len(decoded) != n {
		t.Fatalf("decoded %d samples, want %d", len(decoded), n)
	}

	// After the adaptive step settles, quantization error on a moderate
	// sine stays well under the signal amplitude.
	var worst float64
	for i := 32; i < n; i++ {
		if d := math.Abs(float64(decoded[i]) - float64(samples[i])); d > worst {
			worst = d
		}
	}
	if worst > 1000 {
		t.Errorf("worst quantization error %f exceeds bound", worst)
	}
}

func TestEncodeBlockShortInputPadsWithSilence(t *testing.T) {
	t.Parallel()

	const blockSize = 16
	block := NewEncoder().EncodeBlock([]int16{500, 505, 510}, blockSize)
	if len(block) != BlockHeaderSize+blockSize {
		t.Fatalf("block length: got %d, want %d", len(block), BlockHeaderSize+blockSize)
	}

	decoded := decodeBlock(t, block, blockSize)
	// Padding repeats the running predictor, so the tail must hold near the
	// last real sample rather than ramping away.
	last := decoded[len(decoded)-1]
	if d := math.Abs(float64(last) - 510); d > 16 {
		t.Errorf("padded tail decoded to %d, want near 510", last)
	}
}

func TestEncodeMultipleBlocks(t *testing.T) {
	t.Parallel()

	const blockSize = 16
	perBlock := SamplesPerBlock(blockSize)
	samples := make([]int16, perBlock*2+5)
	for i := range samples {
		samples[i] = int16(i * 3)
	}

	out := NewEncoder().Encode(samples, blockSize)
	wantLen := 3 * (BlockHeaderSize + blockSize)
	if len(out) != wantLen {
		t.Fatalf("encoded length: got %d, want %d", len(out), wantLen)
	}

	// Each block header seeds from that block's first input sample.
	for b := 0; b < 3; b++ {
		hdr := out[b*(BlockHeaderSize+blockSize):]
		got := int16(binary.LittleEndian.Uint16(hdr[0:2]))
		want := samples[b*perBlock]
		if got != want {
			t.Errorf("block %d predictor: got %d, want %d", b, got, want)
		}
		if hdr[2] != 0 {
			t.Errorf("block %d step index not reset: got %d", b, hdr[2])
		}
	}
}
