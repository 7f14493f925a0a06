// Package media defines the core frame types that flow through the camrelay
// pipeline, from the camera-side video source through relay to TCP clients.
package media

// Channel buffer sizes used by video sources (producers) and the relay feed
// loop (consumer) to decouple frame production from consumption. Sized to
// absorb jitter without excessive memory: ~2 seconds of video, ~2.5s of audio.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
)

// VideoType identifies the video codec of an access unit.
type VideoType int

// Supported video codecs.
const (
	VideoH264 VideoType = iota
	VideoH265
)

func (t VideoType) String() string {
	switch t {
	case VideoH264:
		return "h264"
	case VideoH265:
		return "h265"
	default:
		return "unknown"
	}
}

// AccessUnit is one encoded video frame as delivered by the camera protocol
// client. Data is an opaque byte buffer in an unknown container (Annex B
// start codes or 1/2/3/4-byte length prefixes, either byte order); the NAL
// extractor recovers the individual units. Keyframe is the camera-reported
// flag and is treated as a hint only, since some firmware reports it wrong.
type AccessUnit struct {
	Type          VideoType
	Keyframe      bool
	CaptureMicros int64 // capture time in microseconds, 0 if unknown
	Data          []byte
}

// AudioFrame is one ADTS-wrapped AAC frame belonging to the camera's audio
// stream. The relay parses the header itself, so the frame carries only
// the raw bytes.
type AudioFrame struct {
	Data []byte
}
