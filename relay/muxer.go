// Package relay fans camera video and audio out to TCP clients as RTP with
// RFC 4571 framing (a 2-byte big-endian length prefix per packet). The
// framing needs no RTSP or RTCP negotiation and demultiplexes trivially on
// any byte stream, which keeps consumers simple.
//
// Every client is keyframe-gated: it receives nothing until the first
// effective keyframe after it connects, and audio only after that first
// video keyframe, so streams stay trivially synchronizable.
package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/zsiec/camrelay/media"
	"github.com/zsiec/camrelay/metrics"
	"github.com/zsiec/camrelay/nalu"
	"github.com/zsiec/camrelay/rtp"
	"github.com/zsiec/camrelay/sdp"
)

// ErrClosed is returned by send operations after the muxer is closed.
var ErrClosed = errors.New("relay: muxer closed")

// aacSamplesPerFrame is the frame size of AAC-LC, used to advance the
// audio RTP clock per ADTS frame.
const aacSamplesPerFrame = 1024

// State is the lifecycle state of a Muxer.
type State int

// Muxer states. Idle becomes Active on the first client or first keyframe;
// Closed is terminal.
const (
	StateIdle State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds Muxer tuning knobs. Zero values select the defaults.
type Config struct {
	VideoPayloadType uint8 // default 96
	AudioPayloadType uint8 // default 97
	MaxPayload       int   // max RTP payload bytes before fragmenting, default 1200
	AssumedFPS       int   // frame-rate assumption when capture times are absent, default 30

	// IdleGrace is how long the muxer may sit with zero clients before
	// OnIdle fires. Zero selects the 5s default; OnIdle nil disables
	// idle teardown entirely.
	IdleGrace time.Duration
	OnIdle    func()

	Log *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.VideoPayloadType == 0 {
		c.VideoPayloadType = 96
	}
	if c.AudioPayloadType == 0 {
		c.AudioPayloadType = 97
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = 1200
	}
	if c.AssumedFPS == 0 {
		c.AssumedFPS = 30
	}
	if c.IdleGrace == 0 {
		c.IdleGrace = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

// Muxer owns the per-stream RTP state and the connected client set for one
// camera stream. Access units go through NAL extraction and packetization
// once, then fan out to every eligible client.
type Muxer struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	state   State
	clients map[string]*Client

	video *rtp.Packetizer
	audio *rtp.Packetizer
	ts    *rtp.TimestampMapper

	audioTS uint32

	vt         media.VideoType
	sets       nalu.ParameterSets
	setsOK     bool
	setsReady  chan struct{}
	audioInfo  nalu.ADTSInfo
	audioOK    bool
	audioReady chan struct{}

	idleTimer *time.Timer
}

// NewMuxer creates a Muxer in the Idle state. The zero-client grace timer
// is not armed until ArmIdle is called or a last client disconnects, so a
// session can finish its creation handshake without racing teardown.
func NewMuxer(cfg Config) *Muxer {
	cfg.applyDefaults()
	m := &Muxer{
		log:        cfg.Log.With("component", "muxer"),
		cfg:        cfg,
		clients:    make(map[string]*Client),
		video:      rtp.NewPacketizer(cfg.VideoPayloadType),
		audio:      rtp.NewPacketizer(cfg.AudioPayloadType),
		ts:         rtp.NewTimestampMapper(rtp.VideoClockRate, cfg.AssumedFPS),
		audioTS:    rand.Uint32(),
		setsReady:  make(chan struct{}),
		audioReady: make(chan struct{}),
	}
	return m
}

// ArmIdle starts the zero-client grace timer if no clients are connected.
// Called once a session is fully created, so a muxer that never attracts a
// client is torn down the same way as one whose last client left.
func (m *Muxer) ArmIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) == 0 && m.state != StateClosed {
		m.resetIdleTimerLocked()
	}
}

// State returns the muxer's lifecycle state.
func (m *Muxer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SendVideoAccessUnit extracts NAL units from one access unit, derives the
// effective keyframe flag (camera hint OR bitstream inspection), and fans
// the packetized RTP out to eligible clients. When no connected client can
// receive the unit the packetization work is skipped entirely.
func (m *Muxer) SendVideoAccessUnit(au media.AccessUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return ErrClosed
	}

	units, score := nalu.ExtractScored(au.Data, au.Type)
	if len(units) == 0 {
		return nil
	}
	if score > 0 {
		m.log.Warn("no clean container parse for access unit",
			"invalidNALs", score, "bytes", len(au.Data))
		metrics.Default().ExtractAmbiguous.Add(1)
	}

	key := au.Keyframe || nalu.DeriveKeyframe(units, au.Type)

	m.vt = au.Type
	if key && !m.setsOK {
		if sets, ok := nalu.ExtractParameterSets(units, au.Type); ok {
			m.sets = sets
			m.setsOK = true
			close(m.setsReady)
			m.logStreamInfoLocked()
		}
	}

	eligible := false
	for _, c := range m.clients {
		if !c.needsKeyframe || key {
			eligible = true
			break
		}
	}
	if !eligible {
		return nil
	}

	// A client whose gate opens on this unit starts at the keyframe slice
	// itself; the parameter sets preceding it in the unit are already
	// delivered out of band in the SDP.
	gateIdx := 0
	for i, u := range units {
		isKey := nalu.IsH264Keyframe(u.Type)
		if au.Type == media.VideoH265 {
			isKey = nalu.IsHEVCKeyframe(u.Type)
		}
		if isKey {
			gateIdx = i
			break
		}
	}

	ts := m.ts.Next(au.CaptureMicros)
	for i, u := range units {
		pkts, err := m.video.PacketizeNALU(au.Type, u.Data, ts, m.cfg.MaxPayload, i == len(units)-1)
		if err != nil {
			return err
		}
		for _, pkt := range pkts {
			f := frame(pkt)
			for _, c := range m.clients {
				if !c.needsKeyframe || (key && i >= gateIdx) {
					c.enqueue(f)
				}
			}
		}
	}

	if key {
		for _, c := range m.clients {
			c.needsKeyframe = false
		}
		if m.state == StateIdle {
			m.state = StateActive
		}
	}
	metrics.Default().AccessUnitsRelayed.Add(1)
	return nil
}

// SendAudioADTS packetizes one ADTS-wrapped AAC frame and delivers it to
// clients that have already received a video keyframe. Malformed frames
// are dropped silently.
func (m *Muxer) SendAudioADTS(af media.AudioFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return ErrClosed
	}

	info, err := nalu.ParseADTSHeader(af.Data)
	if err != nil {
		m.log.Debug("dropping malformed ADTS frame", "error", err)
		return nil
	}
	if !m.audioOK {
		m.audioInfo = info
		m.audioOK = true
		close(m.audioReady)
		m.log.Debug("audio info set",
			"sampleRate", info.SampleRate, "channels", info.Channels)
	}

	end := info.FrameLength
	if end > len(af.Data) {
		end = len(af.Data)
	}
	payload := af.Data[info.HeaderSize:end]

	ts := m.audioTS
	m.audioTS += aacSamplesPerFrame

	if !m.anyPastKeyframeLocked() {
		return nil
	}

	pkt, err := m.audio.PacketizeAAC(payload, ts)
	if err != nil {
		m.log.Debug("dropping oversized AAC frame", "error", err)
		return nil
	}
	m.fanOutAudioLocked(frame(pkt))
	return nil
}

// SendAudioRTP forwards an already-packetized RTP audio packet to clients
// past their first video keyframe. Packets with a bad version or truncated
// header are dropped silently.
func (m *Muxer) SendAudioRTP(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return ErrClosed
	}

	var hdr pionrtp.Header
	if _, err := hdr.Unmarshal(raw); err != nil || hdr.Version != 2 {
		m.log.Debug("dropping malformed RTP audio packet", "bytes", len(raw))
		return nil
	}

	if !m.anyPastKeyframeLocked() {
		return nil
	}
	m.fanOutAudioLocked(frame(raw))
	return nil
}

func (m *Muxer) anyPastKeyframeLocked() bool {
	for _, c := range m.clients {
		if !c.needsKeyframe {
			return true
		}
	}
	return false
}

func (m *Muxer) fanOutAudioLocked(f []byte) {
	for _, c := range m.clients {
		if !c.needsKeyframe {
			c.enqueue(f)
		}
	}
	metrics.Default().AudioFramesRelayed.Add(1)
}

// AddClient registers a freshly accepted connection. The client receives
// nothing until the next effective keyframe. If the muxer is already
// closed the connection is destroyed immediately.
func (m *Muxer) AddClient(conn net.Conn) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		conn.Close()
		return
	}

	c := newClient(conn, m.log)
	m.clients[c.id] = c
	if m.state == StateIdle {
		m.state = StateActive
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	count := len(m.clients)
	m.mu.Unlock()

	metrics.Default().ActiveClients.Add(1)
	m.log.Info("client connected",
		"client", c.id, "remote", conn.RemoteAddr().String(), "clients", count)

	go c.run(m.removeClient)
}

func (m *Muxer) removeClient(c *Client) {
	c.close()

	m.mu.Lock()
	_, ok := m.clients[c.id]
	if ok {
		delete(m.clients, c.id)
		if len(m.clients) == 0 && m.state != StateClosed {
			m.resetIdleTimerLocked()
		}
	}
	count := len(m.clients)
	m.mu.Unlock()

	if ok {
		metrics.Default().ActiveClients.Add(-1)
		m.log.Info("client disconnected", "client", c.id, "clients", count)
	}
}

// resetIdleTimerLocked arms the zero-client grace timer. A client
// connecting before it fires cancels the pending teardown.
func (m *Muxer) resetIdleTimerLocked() {
	if m.cfg.OnIdle == nil {
		return
	}
	if m.idleTimer != nil {
		m.idleTimer.Stop()
	}
	m.idleTimer = time.AfterFunc(m.cfg.IdleGrace, func() {
		m.mu.Lock()
		idle := len(m.clients) == 0 && m.state != StateClosed
		m.mu.Unlock()
		if idle {
			m.log.Info("no clients for grace period, signaling idle")
			m.cfg.OnIdle()
		}
	})
}

// Close destroys all client sockets and moves the muxer to the terminal
// Closed state. Idempotent.
func (m *Muxer) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.close()
		metrics.Default().ActiveClients.Add(-1)
	}
	m.log.Info("muxer closed")
}

// ClientCount returns the number of connected clients.
func (m *Muxer) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// ClientStatsAll returns delivery metrics for every connected client.
func (m *Muxer) ClientStatsAll() []ClientStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make([]ClientStats, 0, len(m.clients))
	for _, c := range m.clients {
		stats = append(stats, c.Stats())
	}
	return stats
}

// ParameterSets returns the parameter sets captured from the first usable
// keyframe, and whether they are available yet.
func (m *Muxer) ParameterSets() (nalu.ParameterSets, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets, m.setsOK
}

// WaitParameterSets blocks until a keyframe carrying a complete parameter
// set has been observed, or ctx is cancelled. Returns true if the sets are
// available.
func (m *Muxer) WaitParameterSets(ctx context.Context) bool {
	select {
	case <-m.setsReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitAudioInfo blocks until the first ADTS frame has been probed, or ctx
// is cancelled. Returns true if audio parameters are available.
func (m *Muxer) WaitAudioInfo(ctx context.Context) bool {
	select {
	case <-m.audioReady:
		return true
	case <-ctx.Done():
		return false
	}
}

// Describe builds the session description for this stream. Requires the
// video parameter sets; the audio line is included only if an ADTS frame
// has been probed by the time of the call.
func (m *Muxer) Describe() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.setsOK {
		return "", errors.New("relay: parameter sets not yet available")
	}

	video := sdp.VideoParams{
		Type:        m.vt,
		PayloadType: m.cfg.VideoPayloadType,
		Sets:        m.sets,
	}
	var audio *sdp.AudioParams
	if m.audioOK {
		audio = &sdp.AudioParams{
			Codec:       sdp.AudioAAC,
			PayloadType: m.cfg.AudioPayloadType,
			SampleRate:  m.audioInfo.SampleRate,
			Channels:    m.audioInfo.Channels,
			Config:      nalu.AudioSpecificConfig(m.audioInfo),
		}
	}
	return sdp.Build(video, audio)
}

// logStreamInfoLocked parses the SPS and logs the stream's codec string
// and resolution once, when the parameter sets are first captured.
func (m *Muxer) logStreamInfoLocked() {
	if m.vt == media.VideoH265 {
		info, err := nalu.ParseHEVCSPS(m.sets.SPS)
		if err != nil {
			return
		}
		m.log.Info("video info set",
			"codec", info.CodecString(), "width", info.Width, "height", info.Height)
		return
	}
	info, err := nalu.ParseSPS(m.sets.SPS)
	if err != nil {
		return
	}
	m.log.Info("video info set",
		"codec", info.CodecString(), "width", info.Width, "height", info.Height)
}

// frame wraps one RTP packet in RFC 4571 framing: a 2-byte big-endian
// length prefix followed by the packet bytes.
func frame(pkt []byte) []byte {
	f := make([]byte, 2+len(pkt))
	binary.BigEndian.PutUint16(f, uint16(len(pkt)))
	copy(f[2:], pkt)
	return f
}
