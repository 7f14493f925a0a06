package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/zsiec/camrelay/media"
)

var (
	testSPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	testPPS   = []byte{0x68, 0xCE, 0x38, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x21, 0xFF, 0x00, 0x13}
	testSlice = []byte{0x41, 0x9A, 0x02, 0x44, 0x10}
)

func annexB(nals ...[]byte) []byte {
	var buf []byte
	for _, n := range nals {
		buf = append(buf, 0, 0, 0, 1)
		buf = append(buf, n...)
	}
	return buf
}

func keyframeAU(captureMicros int64) media.AccessUnit {
	return media.AccessUnit{
		Type:          media.VideoH264,
		Keyframe:      true,
		CaptureMicros: captureMicros,
		Data:          annexB(testSPS, testPPS, testIDR),
	}
}

func deltaAU(captureMicros int64) media.AccessUnit {
	return media.AccessUnit{
		Type:          media.VideoH264,
		CaptureMicros: captureMicros,
		Data:          annexB(testSlice),
	}
}

// adtsFrame builds an ADTS-wrapped AAC frame: 48 kHz stereo AAC-LC.
func adtsFrame(payloadLen int) []byte {
	frameLen := 7 + payloadLen
	hdr := []byte{
		0xFF, 0xF1,
		(1 << 6) | (3 << 2),
		(2 << 6) | byte((frameLen>>11)&0x03),
		byte((frameLen >> 3) & 0xFF),
		byte((frameLen&0x07)<<5) | 0x1F,
		0xFC,
	}
	return append(hdr, make([]byte, payloadLen)...)
}

// readFrame reads one RFC 4571 framed packet off the connection.
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	return buf
}

func readPacket(t *testing.T, conn net.Conn) *pionrtp.Packet {
	t.Helper()
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(readFrame(t, conn)); err != nil {
		t.Fatalf("unmarshal RTP packet: %v", err)
	}
	return &pkt
}

func expectNoData(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var b [1]byte
	if _, err := conn.Read(b[:]); err == nil {
		t.Fatal("unexpected data on connection")
	} else if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("read: %v", err)
	}
}

// addPipeClient connects a client through an in-memory pipe and returns the
// consumer end.
func addPipeClient(t *testing.T, m *Muxer) net.Conn {
	t.Helper()
	server, consumer := net.Pipe()
	m.AddClient(server)
	t.Cleanup(func() { consumer.Close() })
	return consumer
}

func waitClients(t *testing.T, m *Muxer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ClientCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (got %d)", n, m.ClientCount())
}

func TestMuxerKeyframeGateBlocksUntilKeyframe(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()
	conn := addPipeClient(t, m)

	// Delta frames before the first keyframe must not reach the client.
	if err := m.SendVideoAccessUnit(deltaAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	expectNoData(t, conn)

	if err := m.SendVideoAccessUnit(keyframeAU(1_033_333)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}

	// A freshly gated client starts at the keyframe slice itself; the SPS
	// and PPS ahead of it in the unit travel in the SDP instead.
	pkt := readPacket(t, conn)
	if got := pkt.Payload[0] & 0x1F; got != 5 {
		t.Errorf("first packet: NAL type %d, want 5 (IDR)", got)
	}
	if pkt.PayloadType != 96 {
		t.Errorf("first packet: payload type %d, want 96", pkt.PayloadType)
	}
	if !pkt.Marker {
		t.Error("first packet: marker not set on the unit's final NAL")
	}

	// Delta frames flow once the gate is open.
	if err := m.SendVideoAccessUnit(deltaAU(1_066_666)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	pkt = readPacket(t, conn)
	if got := pkt.Payload[0] & 0x1F; got != 1 {
		t.Errorf("delta packet: NAL type %d, want 1", got)
	}
}

func TestMuxerMidStreamJoinWaitsForNextKeyframe(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()

	connA := addPipeClient(t, m)
	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	readPacket(t, connA)

	connB := addPipeClient(t, m)
	waitClients(t, m, 2)

	// A delta frame goes to A only.
	if err := m.SendVideoAccessUnit(deltaAU(1_033_333)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	readPacket(t, connA)
	expectNoData(t, connB)

	// The next keyframe opens B's gate. A, already flowing, gets the whole
	// unit; B picks up at the keyframe slice.
	if err := m.SendVideoAccessUnit(keyframeAU(1_066_666)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	for i := 0; i < 3; i++ {
		readPacket(t, connA)
	}
	pkt := readPacket(t, connB)
	if got := pkt.Payload[0] & 0x1F; got != 5 {
		t.Errorf("B's first packet: NAL type %d, want 5 (IDR)", got)
	}
}

func TestMuxerAudioGatedOnVideoKeyframe(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()
	conn := addPipeClient(t, m)

	// Audio before the client's first video keyframe is withheld.
	if err := m.SendAudioADTS(media.AudioFrame{Data: adtsFrame(64)}); err != nil {
		t.Fatalf("SendAudioADTS: %v", err)
	}
	expectNoData(t, conn)

	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	readPacket(t, conn)

	if err := m.SendAudioADTS(media.AudioFrame{Data: adtsFrame(64)}); err != nil {
		t.Fatalf("SendAudioADTS: %v", err)
	}
	pkt := readPacket(t, conn)
	if pkt.PayloadType != 97 {
		t.Errorf("audio payload type: got %d, want 97", pkt.PayloadType)
	}
	if !pkt.Marker {
		t.Error("audio packet missing marker")
	}
	// RFC 3640 AU header followed by the raw frame, ADTS header stripped.
	auSize := int(pkt.Payload[2])<<5 | int(pkt.Payload[3])>>3
	if auSize != 64 {
		t.Errorf("AU size: got %d, want 64", auSize)
	}
}

func TestMuxerMalformedAudioDroppedSilently(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()
	conn := addPipeClient(t, m)
	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	readPacket(t, conn)

	if err := m.SendAudioADTS(media.AudioFrame{Data: []byte{0x12, 0x34}}); err != nil {
		t.Errorf("malformed ADTS frame returned error: %v", err)
	}
	if err := m.SendAudioRTP([]byte{0x00, 0x01}); err != nil {
		t.Errorf("truncated RTP packet returned error: %v", err)
	}
	// Version 0 header, otherwise long enough to unmarshal.
	bad := make([]byte, 12)
	if err := m.SendAudioRTP(bad); err != nil {
		t.Errorf("wrong-version RTP packet returned error: %v", err)
	}
	expectNoData(t, conn)
}

func TestMuxerPassthroughAudioRTP(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()
	conn := addPipeClient(t, m)
	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	readPacket(t, conn)

	src := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    97,
			SequenceNumber: 42,
			Timestamp:      4800,
			SSRC:           7,
			Marker:         true,
		},
		Payload: []byte{0xAA, 0xBB},
	}
	raw, err := src.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := m.SendAudioRTP(raw); err != nil {
		t.Fatalf("SendAudioRTP: %v", err)
	}

	pkt := readPacket(t, conn)
	if pkt.SequenceNumber != 42 || pkt.SSRC != 7 {
		t.Errorf("passthrough packet altered: seq %d ssrc %d", pkt.SequenceNumber, pkt.SSRC)
	}
}

func TestMuxerParameterSetsAndDescribe(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()

	if _, ok := m.ParameterSets(); ok {
		t.Error("parameter sets reported before any keyframe")
	}
	if _, err := m.Describe(); err == nil {
		t.Error("Describe succeeded before parameter sets were captured")
	}

	// Parameter sets are captured even with no clients connected.
	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !m.WaitParameterSets(ctx) {
		t.Fatal("WaitParameterSets timed out after keyframe")
	}
	sets, ok := m.ParameterSets()
	if !ok || sets.SPS == nil || sets.PPS == nil {
		t.Fatal("incomplete parameter sets after keyframe")
	}

	desc, err := m.Describe()
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !strings.Contains(desc, "a=rtpmap:96 H264/90000") {
		t.Errorf("description missing video rtpmap:\n%s", desc)
	}
	if strings.Contains(desc, "m=audio") {
		t.Error("audio line present without probed audio")
	}

	if err := m.SendAudioADTS(media.AudioFrame{Data: adtsFrame(64)}); err != nil {
		t.Fatalf("SendAudioADTS: %v", err)
	}
	if !m.WaitAudioInfo(ctx) {
		t.Fatal("WaitAudioInfo timed out after ADTS frame")
	}
	desc, err = m.Describe()
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !strings.Contains(desc, "a=rtpmap:97 MPEG4-GENERIC/48000/2") {
		t.Errorf("description missing audio rtpmap:\n%s", desc)
	}
}

func TestMuxerWaitParameterSetsCancel(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if m.WaitParameterSets(ctx) {
		t.Error("WaitParameterSets returned true with no keyframe")
	}
}

func TestMuxerCloseIsTerminal(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	conn := addPipeClient(t, m)
	waitClients(t, m, 1)

	m.Close()
	m.Close() // idempotent

	if m.State() != StateClosed {
		t.Errorf("state: got %v, want closed", m.State())
	}
	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); !errors.Is(err, ErrClosed) {
		t.Errorf("SendVideoAccessUnit after close: got %v, want ErrClosed", err)
	}
	if err := m.SendAudioADTS(media.AudioFrame{Data: adtsFrame(8)}); !errors.Is(err, ErrClosed) {
		t.Errorf("SendAudioADTS after close: got %v, want ErrClosed", err)
	}

	// The client socket is destroyed.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b [1]byte
	if _, err := conn.Read(b[:]); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("read on closed client: got %v, want EOF", err)
	}

	// Connections arriving after close are rejected.
	server, consumer := net.Pipe()
	defer consumer.Close()
	m.AddClient(server)
	consumer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := consumer.Read(b[:]); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("read on rejected client: got %v, want EOF", err)
	}
}

func TestMuxerIdleTeardown(t *testing.T) {
	t.Parallel()

	idle := make(chan struct{})
	m := NewMuxer(Config{
		IdleGrace: 50 * time.Millisecond,
		OnIdle:    func() { close(idle) },
	})
	defer m.Close()

	// The grace timer only starts once armed.
	select {
	case <-idle:
		t.Fatal("idle fired before ArmIdle")
	case <-time.After(100 * time.Millisecond):
	}

	m.ArmIdle()
	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("idle never fired with zero clients")
	}
}

func TestMuxerClientConnectCancelsIdle(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 1)
	m := NewMuxer(Config{
		IdleGrace: 80 * time.Millisecond,
		OnIdle:    func() { fired <- struct{}{} },
	})
	defer m.Close()

	m.ArmIdle()
	addPipeClient(t, m)

	select {
	case <-fired:
		t.Fatal("idle fired while a client was connected")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMuxerLastClientDisconnectRearmsIdle(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{})
	m := NewMuxer(Config{
		IdleGrace: 50 * time.Millisecond,
		OnIdle:    func() { close(fired) },
	})
	defer m.Close()

	conn := addPipeClient(t, m)
	waitClients(t, m, 1)

	// Killing the consumer end surfaces as a write error on the next
	// delivery, which removes the client and re-arms the grace timer.
	conn.Close()
	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	waitClients(t, m, 0)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("idle never fired after last client left")
	}
}

func TestMuxerStatsAndState(t *testing.T) {
	t.Parallel()

	m := NewMuxer(Config{})
	defer m.Close()

	if m.State() != StateIdle {
		t.Errorf("initial state: got %v, want idle", m.State())
	}

	conn := addPipeClient(t, m)
	waitClients(t, m, 1)
	if m.State() != StateActive {
		t.Errorf("state after client connect: got %v, want active", m.State())
	}

	if err := m.SendVideoAccessUnit(keyframeAU(1_000_000)); err != nil {
		t.Fatalf("SendVideoAccessUnit: %v", err)
	}
	readPacket(t, conn)

	// The sent counter trails the write by a hair; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := m.ClientStatsAll()
		if len(stats) != 1 {
			t.Fatalf("got %d client stats, want 1", len(stats))
		}
		if stats[0].ID == "" {
			t.Fatal("client stats missing ID")
		}
		if stats[0].PacketsSent >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("packets sent: got %d, want >= 1", stats[0].PacketsSent)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
