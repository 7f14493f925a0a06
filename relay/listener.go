package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Listener accepts TCP connections for one muxer and registers each as a
// relay client.
type Listener struct {
	ln  net.Listener
	mux *Muxer
	log *slog.Logger
}

// Listen binds a TCP listener on addr (":0" for an ephemeral port) feeding
// the given muxer. If log is nil, slog.Default() is used.
func Listen(addr string, mux *Muxer, log *slog.Logger) (*Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind relay listener: %w", err)
	}
	l := &Listener{
		ln:  ln,
		mux: mux,
		log: log.With("component", "listener", "addr", ln.Addr().String()),
	}
	l.log.Info("relay listening")
	return l, nil
}

// Addr returns the bound address, for handing to consumers alongside the
// session description.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until the context is cancelled or the listener
// is closed.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.ln.Close() })
	defer stop()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		l.mux.AddClient(conn)
	}
}

// Close stops accepting new clients. Existing clients are owned by the
// muxer and unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}
