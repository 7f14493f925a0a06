package relay

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zsiec/camrelay/metrics"
)

// clientQueueSize bounds the per-client outbound packet queue. A client
// that cannot drain ~256 packets (a few hundred ms of video) starts losing
// packets rather than stalling the relay.
const clientQueueSize = 256

// Client is one accepted TCP connection receiving RFC 4571 framed RTP.
// It holds a bounded outbound queue drained by a dedicated writer
// goroutine, so one slow consumer never blocks the muxer or its peers.
type Client struct {
	id   string
	conn net.Conn
	log  *slog.Logger

	// needsKeyframe is true until the first keyframe has been forwarded
	// to this client. Guarded by the owning Muxer's mutex.
	needsKeyframe bool

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	packetsSent    atomic.Int64
	packetsDropped atomic.Int64
}

// ClientStats holds delivery metrics for one connected client.
type ClientStats struct {
	ID             string
	RemoteAddr     string
	PacketsSent    int64
	PacketsDropped int64
}

func newClient(conn net.Conn, log *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:            id,
		conn:          conn,
		log:           log.With("client", id),
		needsKeyframe: true,
		out:           make(chan []byte, clientQueueSize),
		done:          make(chan struct{}),
	}
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Stats returns a snapshot of the client's delivery counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		ID:             c.id,
		RemoteAddr:     c.conn.RemoteAddr().String(),
		PacketsSent:    c.packetsSent.Load(),
		PacketsDropped: c.packetsDropped.Load(),
	}
}

// enqueue queues one framed packet for delivery, dropping it if the
// client's queue is full.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.out <- frame:
	default:
		c.packetsDropped.Add(1)
		metrics.Default().RTPPacketsDropped.Add(1)
	}
}

// run drains the outbound queue onto the socket until the client is closed
// or the socket errors. onExit is invoked exactly once on return.
func (c *Client) run(onExit func(*Client)) {
	defer onExit(c)

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.out:
			if _, err := c.conn.Write(frame); err != nil {
				c.log.Debug("client write failed", "error", err)
				return
			}
			c.packetsSent.Add(1)
			metrics.Default().RTPPacketsSent.Add(1)
		}
	}
}

// close releases the socket and stops the writer goroutine. Safe to call
// multiple times.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
