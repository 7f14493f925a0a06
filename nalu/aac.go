package nalu

import "errors"

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSInfo holds the fields parsed from a single ADTS frame header.
type ADTSInfo struct {
	SampleRate      int
	SampleRateIndex byte
	Channels        int
	ObjectType      byte // MPEG-4 audio object type (profile + 1)
	HeaderSize      int  // 7 or 9 bytes (with CRC)
	FrameLength     int  // header + payload
}

// ParseADTSHeader parses the header of one ADTS-wrapped AAC frame.
func ParseADTSHeader(data []byte) (ADTSInfo, error) {
	if len(data) < 7 {
		return ADTSInfo{}, ErrInvalidADTS
	}

	// Sync word: 0xFFF
	if data[0] != 0xFF || (data[1]&0xF0) != 0xF0 {
		return ADTSInfo{}, ErrInvalidADTS
	}

	hasCRC := (data[1] & 0x01) == 0
	headerSize := 7
	if hasCRC {
		headerSize = 9
	}

	profile := (data[2] >> 6) & 0x03
	sampleRateIdx := (data[2] >> 2) & 0x0F
	if int(sampleRateIdx) >= len(aacSampleRates) {
		return ADTSInfo{}, ErrInvalidADTS
	}

	channelCfg := ((data[2] & 0x01) << 2) | ((data[3] >> 6) & 0x03)

	frameLen := int(data[3]&0x03)<<11 |
		int(data[4])<<3 |
		int(data[5]>>5)
	if frameLen < headerSize {
		return ADTSInfo{}, ErrInvalidADTS
	}

	return ADTSInfo{
		SampleRate:      aacSampleRates[sampleRateIdx],
		SampleRateIndex: sampleRateIdx,
		Channels:        int(channelCfg),
		ObjectType:      profile + 1,
		HeaderSize:      headerSize,
		FrameLength:     frameLen,
	}, nil
}

// AudioSpecificConfig builds the 2-byte MPEG-4 AudioSpecificConfig
// (ISO 14496-3) for the given ADTS parameters, used in the SDP fmtp
// config attribute for MPEG4-GENERIC audio.
func AudioSpecificConfig(info ADTSInfo) []byte {
	v := uint16(info.ObjectType)<<11 |
		uint16(info.SampleRateIndex)<<7 |
		uint16(info.Channels)<<3
	return []byte{byte(v >> 8), byte(v)}
}
