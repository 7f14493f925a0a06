package rtp

import "math/rand"

// TimestampMapper converts capture times in microseconds into RTP clock
// ticks for one stream. The first observed capture time is anchored to the
// mapper's current RTP timestamp; deltas from the anchor are scaled by
// clockRate/1e6. Access units without a capture time advance the clock by
// a fixed increment derived from an assumed frame rate.
//
// Timestamps for video must never decrease; a computed value that would
// not advance past the previous one is forced forward by one tick.
type TimestampMapper struct {
	clockRate uint32
	fallback  uint32

	cur          uint32
	started      bool
	anchored     bool
	anchorMicros int64
	anchorTS     uint32
}

// NewTimestampMapper creates a mapper for the given clock rate with a
// random initial timestamp. assumedFPS drives the fixed per-frame
// increment used when an access unit carries no capture time; values <= 0
// default to 30.
func NewTimestampMapper(clockRate uint32, assumedFPS int) *TimestampMapper {
	if assumedFPS <= 0 {
		assumedFPS = 30
	}
	return &TimestampMapper{
		clockRate: clockRate,
		fallback:  clockRate / uint32(assumedFPS),
		cur:       rand.Uint32(),
	}
}

// Next returns the RTP timestamp for the access unit captured at
// captureMicros (0 when unknown). Called once per access unit; every RTP
// packet of that unit carries the returned value.
func (m *TimestampMapper) Next(captureMicros int64) uint32 {
	var ts uint32
	switch {
	case captureMicros > 0 && !m.anchored:
		m.anchored = true
		m.anchorMicros = captureMicros
		m.anchorTS = m.cur
		ts = m.cur
	case captureMicros > 0:
		delta := captureMicros - m.anchorMicros
		ts = m.anchorTS + uint32(delta*int64(m.clockRate)/1_000_000)
	default:
		ts = m.cur + m.fallback
	}

	if m.started && int32(ts-m.cur) <= 0 {
		ts = m.cur + 1
	}
	m.started = true
	m.cur = ts
	return ts
}

// Current returns the most recently issued timestamp.
func (m *TimestampMapper) Current() uint32 {
	return m.cur
}
