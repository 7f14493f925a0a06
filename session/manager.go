// Package session tracks the lifecycle of relay sessions: at most one live
// (muxer, video source, TCP listener) triple per (channel, profile) key,
// with deduplicated concurrent creation, a bounded wait for the first
// usable keyframe, and teardown on source error or sustained client
// absence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zsiec/camrelay/metrics"
	"github.com/zsiec/camrelay/relay"
)

// SourceFactory opens the camera-side video source for one channel and
// stream profile.
type SourceFactory func(ctx context.Context, channel int, profile string) (relay.VideoSource, error)

// Config holds Manager settings. NewSource is required; zero values on the
// rest select the defaults.
type Config struct {
	NewSource SourceFactory

	ListenAddr        string        // per-session TCP bind address, default "127.0.0.1:0"
	KeyframeTimeout   time.Duration // wait for first usable keyframe, default 5s
	AudioProbeTimeout time.Duration // extra wait for the first audio frame, default 1s
	IdleGrace         time.Duration // zero-client teardown grace, default 5s

	Relay relay.Config // payload types, max payload, assumed FPS
	Log   *slog.Logger
}

func (c *Config) applyDefaults() error {
	if c.NewSource == nil {
		return errors.New("session: NewSource is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:0"
	}
	if c.KeyframeTimeout == 0 {
		c.KeyframeTimeout = 5 * time.Second
	}
	if c.AudioProbeTimeout == 0 {
		c.AudioProbeTimeout = time.Second
	}
	if c.IdleGrace == 0 {
		c.IdleGrace = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Session is one cached relay: consumers connect to Addr and interpret the
// stream using SDP. A session that fails after creation removes itself
// from the manager; Done is closed on teardown and the next Acquire
// recreates it.
type Session struct {
	Key string

	mgr *Manager
	mux *relay.Muxer
	ln  *relay.Listener
	src relay.VideoSource

	sdp    string
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// Addr returns the TCP address consumers connect to.
func (s *Session) Addr() net.Addr { return s.ln.Addr() }

// SDP returns the session description text, generated once at creation.
func (s *Session) SDP() string { return s.sdp }

// Muxer returns the session's relay muxer.
func (s *Session) Muxer() *relay.Muxer { return s.mux }

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: stop accepting clients, close the muxer,
// release the video source, and remove the cache entry. Exactly-once and
// safe from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.ln.Close()
		s.mux.Close()
		s.src.Stop()
		s.mgr.finish(s)
	})
}

// Key builds the cache key for a channel and stream profile.
func Key(channel int, profile string) string {
	return fmt.Sprintf("%d_%s", channel, profile)
}

// Manager owns the session cache. Concurrent Acquire calls for the same
// key share a single in-flight creation instead of opening duplicate
// camera streams.
type Manager struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	flight   singleflight.Group
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Manager{
		log:      cfg.Log.With("component", "session-manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}, nil
}

// Acquire returns the cached session for the key, or creates it. Creation
// failures are returned to the caller and nothing is cached, so the next
// request retries from scratch.
func (m *Manager) Acquire(ctx context.Context, channel int, profile string) (*Session, error) {
	key := Key(channel, profile)

	if s := m.lookup(key); s != nil {
		return s, nil
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		if s := m.lookup(key); s != nil {
			return s, nil
		}
		return m.create(ctx, key, channel, profile)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) lookup(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *Manager) create(ctx context.Context, key string, channel int, profile string) (*Session, error) {
	log := m.log.With("stream", key)

	sctx, cancel := context.WithCancel(context.Background())
	src, err := m.cfg.NewSource(sctx, channel, profile)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open video source: %w", err)
	}

	s := &Session{
		Key:    key,
		mgr:    m,
		src:    src,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	rcfg := m.cfg.Relay
	rcfg.Log = log
	rcfg.IdleGrace = m.cfg.IdleGrace
	rcfg.OnIdle = func() {
		log.Info("no clients, tearing session down")
		s.Close()
	}
	s.mux = relay.NewMuxer(rcfg)

	s.ln, err = relay.Listen(m.cfg.ListenAddr, s.mux, log)
	if err != nil {
		cancel()
		s.mux.Close()
		src.Stop()
		return nil, err
	}

	if err := src.Start(sctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("start video source: %w", err)
	}

	go func() {
		g, gctx := errgroup.WithContext(sctx)
		g.Go(func() error {
			// Run returns nil on a clean source close; cancel so Serve
			// unblocks and the whole session comes down either way.
			defer cancel()
			return s.mux.Run(gctx, src)
		})
		g.Go(func() error { return s.ln.Serve(gctx) })
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("session failed", "error", err)
		}
		s.Close()
	}()

	// The session is only usable once a keyframe carrying complete
	// parameter sets has arrived; keyframes lacking them keep the wait
	// going until the deadline.
	waitCtx, waitCancel := context.WithTimeout(ctx, m.cfg.KeyframeTimeout)
	ok := s.mux.WaitParameterSets(waitCtx)
	waitCancel()
	if !ok {
		s.Close()
		return nil, fmt.Errorf("no usable keyframe within %s", m.cfg.KeyframeTimeout)
	}

	// Give audio a short window to be probed so the SDP can advertise it;
	// a video-only SDP is still valid if nothing arrives.
	audioCtx, audioCancel := context.WithTimeout(ctx, m.cfg.AudioProbeTimeout)
	s.mux.WaitAudioInfo(audioCtx)
	audioCancel()

	s.sdp, err = s.mux.Describe()
	if err != nil {
		s.Close()
		return nil, err
	}

	// The supervising goroutine may have torn the session down already,
	// say on a source that died right after delivering its keyframe.
	// Caching and teardown both run under m.mu, so the check is exact: a
	// dead session is never cached, and a cached session is always
	// removed by its teardown.
	m.mu.Lock()
	select {
	case <-s.done:
		m.mu.Unlock()
		return nil, errors.New("session: source closed during creation")
	default:
	}
	m.sessions[key] = s
	m.mu.Unlock()
	metrics.Default().ActiveSessions.Add(1)
	s.mux.ArmIdle()

	log.Info("session created", "addr", s.ln.Addr().String())
	return s, nil
}

// finish marks the session torn down and drops it from the cache in one
// critical section, so create cannot cache a session whose teardown has
// already run.
func (m *Manager) finish(s *Session) {
	m.mu.Lock()
	close(s.done)
	cached := m.sessions[s.Key] == s
	if cached {
		delete(m.sessions, s.Key)
	}
	m.mu.Unlock()

	if cached {
		metrics.Default().ActiveSessions.Add(-1)
		m.log.Info("session removed", "stream", s.Key)
	}
}

// Sessions returns the currently cached sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close tears down every cached session.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		s.Close()
	}
}
