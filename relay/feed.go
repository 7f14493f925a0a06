package relay

import (
	"context"
	"errors"

	"github.com/zsiec/camrelay/media"
)

// VideoSource is the camera-side collaborator delivering access units and
// raw audio frames. Implementations wrap the proprietary camera protocol
// client; the relay only pulls from the channels. Done delivers the
// source's terminal error (nil for a clean close) exactly once.
type VideoSource interface {
	Start(ctx context.Context) error
	Video() <-chan media.AccessUnit
	Audio() <-chan media.AudioFrame
	Done() <-chan error
	Stop()
}

// Run pulls access units and audio frames from the source and feeds them
// to the muxer until the context is cancelled, a source channel closes,
// the muxer is closed, or the source reports an error. The bounded source
// channels provide the backpressure between camera delivery and relay
// processing.
//
// Video frames are drained with priority: audio produces several times
// more messages and must not starve video delivery under Go's random
// select scheduling.
func (m *Muxer) Run(ctx context.Context, src VideoSource) error {
	videoCh := src.Video()
	audioCh := src.Audio()

	for {
		select {
		case au, ok := <-videoCh:
			if !ok {
				return nil
			}
			if closed := m.forwardVideo(au); closed {
				return nil
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil

		case au, ok := <-videoCh:
			if !ok {
				return nil
			}
			if closed := m.forwardVideo(au); closed {
				return nil
			}

		case af, ok := <-audioCh:
			if !ok {
				return nil
			}
			if err := m.SendAudioADTS(af); errors.Is(err, ErrClosed) {
				return nil
			}

		case err := <-src.Done():
			m.log.Info("source finished", "error", err)
			return err
		}
	}
}

// forwardVideo sends one access unit, reporting whether the muxer has been
// closed. Per-unit packetization problems are logged and absorbed; they
// must not kill the stream.
func (m *Muxer) forwardVideo(au media.AccessUnit) (closed bool) {
	err := m.SendVideoAccessUnit(au)
	if errors.Is(err, ErrClosed) {
		return true
	}
	if err != nil {
		m.log.Warn("access unit dropped", "error", err)
	}
	return false
}
