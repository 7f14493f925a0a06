package intercom

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/camrelay/metrics"
)

// ErrPipelineClosed is returned by Write after Close has been called.
var ErrPipelineClosed = errors.New("intercom: pipeline closed")

// backlogLatency is the target upper bound on speech latency. PCM older
// than this is dropped rather than delaying everything behind it.
const backlogLatency = 40 * time.Millisecond

// TalkSession is the camera-side collaborator for the intercom audio
// channel, exposing the negotiated block geometry and an asynchronous
// block send.
type TalkSession interface {
	SampleRate() int
	BlockSizeBytes() int
	FullBlockSizeBytes() int
	SendAudio(ctx context.Context, block []byte) error
}

// Pipeline buffers decoded PCM, bounds the backlog to the latency budget
// by dropping the oldest samples, and encodes/sends full ADPCM blocks to
// the talk session strictly in arrival order. All sends happen on one
// consumer goroutine, so exactly one SendAudio is in flight at a time.
type Pipeline struct {
	log  *slog.Logger
	sess TalkSession
	enc  *Encoder

	blockBytes      int
	samplesPerBlock int
	budget          int // backlog byte budget

	mu      sync.Mutex
	backlog []byte
	closed  bool

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	quitOnce sync.Once
}

// NewPipeline validates the talk session's block geometry and starts the
// send loop. Fails fast when fullBlockSizeBytes does not equal
// blockSizeBytes plus the 4-byte header.
func NewPipeline(sess TalkSession, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	if sess.FullBlockSizeBytes() != sess.BlockSizeBytes()+BlockHeaderSize {
		return nil, fmt.Errorf("intercom: full block size %d != block size %d + %d header",
			sess.FullBlockSizeBytes(), sess.BlockSizeBytes(), BlockHeaderSize)
	}

	blockBytes := sess.BlockSizeBytes()
	perBlock := SamplesPerBlock(blockBytes)
	budget := sess.SampleRate() * 2 * int(backlogLatency/time.Millisecond) / 1000
	if budget < perBlock*2 {
		// The budget must admit at least one full block or nothing would
		// ever drain.
		budget = perBlock * 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:             log.With("component", "intercom"),
		sess:            sess,
		enc:             NewEncoder(),
		blockBytes:      blockBytes,
		samplesPerBlock: perBlock,
		budget:          budget,
		notify:          make(chan struct{}, 1),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		cancel:          cancel,
	}
	go p.run(ctx)
	return p, nil
}

// BacklogBytes returns the current backlog size, for tests and stats.
func (p *Pipeline) BacklogBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Write appends a PCM chunk (16-bit little-endian samples) to the backlog,
// discarding the oldest bytes when the latency budget is exceeded.
// Truncation is aligned to sample boundaries so a dropped half-sample can
// never shift the channel framing. Implements io.Writer so a transcoder's
// stdout can be copied straight in.
func (p *Pipeline) Write(pcm []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPipelineClosed
	}

	p.backlog = append(p.backlog, pcm...)
	if excess := len(p.backlog) - p.budget; excess > 0 {
		drop := (excess + 1) &^ 1
		p.backlog = append(p.backlog[:0], p.backlog[drop:]...)
		metrics.Default().PCMBytesDropped.Add(uint64(drop))
		p.log.Debug("backlog over budget, dropped oldest audio",
			"dropped", drop, "budget", p.budget)
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return len(pcm), nil
}

// run is the single consumer: it drains full blocks from the backlog and
// sends them in order, awaiting each send before starting the next.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			p.drain(ctx)
			return
		case <-p.notify:
			if !p.drain(ctx) {
				return
			}
		}
	}
}

// drain encodes and sends every complete block currently buffered.
// Returns false when the pipeline should stop (send failure or cancel).
func (p *Pipeline) drain(ctx context.Context) bool {
	for {
		samples, ok := p.takeBlockSamples()
		if !ok {
			return true
		}
		block := p.enc.EncodeBlock(samples, p.blockBytes)
		if err := p.sess.SendAudio(ctx, block); err != nil {
			if ctx.Err() == nil {
				p.log.Error("talk session send failed", "error", err)
			}
			return false
		}
		metrics.Default().ADPCMBlocksSent.Add(1)
	}
}

// takeBlockSamples removes one block's worth of samples from the front of
// the backlog, or reports false when less than a full block remains.
func (p *Pipeline) takeBlockSamples() ([]int16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	need := p.samplesPerBlock * 2
	if len(p.backlog) < need {
		return nil, false
	}

	samples := make([]int16, p.samplesPerBlock)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(p.backlog[i*2:]))
	}
	p.backlog = append(p.backlog[:0], p.backlog[need:]...)
	return samples, true
}

// Close stops accepting PCM, lets buffered full blocks finish sending
// within ctx's deadline, then aborts any in-flight send. Idempotent.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.quitOnce.Do(func() { close(p.quit) })

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}
