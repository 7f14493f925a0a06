package intercom

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Transcoder wraps an external decode/encode process (typically ffmpeg),
// spawned with an explicit argument list and driven through its standard
// streams. Its stderr is drained into the log; its exit is observable via
// Done/Err so an unexpected death can tear the session down.
type Transcoder struct {
	cmd *exec.Cmd
	log *slog.Logger

	stdin  io.WriteCloser
	stdout io.ReadCloser

	done    chan struct{}
	exitErr error

	stdinOnce sync.Once
}

// StartTranscoder spawns the process. The caller feeds input through
// Stdin and reads decoded output from Stdout.
func StartTranscoder(name string, args []string, log *slog.Logger) (*Transcoder, error) {
	if log == nil {
		log = slog.Default()
	}
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transcoder stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder %s: %w", name, err)
	}

	t := &Transcoder{
		cmd:    cmd,
		log:    log.With("component", "transcoder", "pid", cmd.Process.Pid),
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	t.log.Info("transcoder started", "cmd", name)

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			t.log.Debug("transcoder stderr", "line", sc.Text())
		}
	}()
	go func() {
		t.exitErr = cmd.Wait()
		close(t.done)
	}()

	return t, nil
}

// Stdin returns the process's input stream.
func (t *Transcoder) Stdin() io.WriteCloser { return t.stdin }

// Stdout returns the process's decoded output stream.
func (t *Transcoder) Stdout() io.Reader { return t.stdout }

// Done is closed when the process has exited.
func (t *Transcoder) Done() <-chan struct{} { return t.done }

// Err returns the process exit error; valid only after Done is closed.
func (t *Transcoder) Err() error {
	select {
	case <-t.done:
		return t.exitErr
	default:
		return nil
	}
}

// Stop terminates the process: close stdin, send SIGTERM, and escalate to
// SIGKILL if it has not exited by ctx's deadline.
func (t *Transcoder) Stop(ctx context.Context) error {
	t.stdinOnce.Do(func() { t.stdin.Close() })

	select {
	case <-t.done:
		return nil
	default:
	}

	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; wait out the reaper.
		<-t.done
		return nil
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		t.log.Warn("transcoder ignored SIGTERM, killing")
		t.cmd.Process.Kill()
		<-t.done
		return ctx.Err()
	}
}

// RunTalk drives a complete intercom path: decoded PCM from the transcoder
// flows through a Pipeline into the talk session until ctx is cancelled or
// the transcoder exits. An exit before cancellation is reported as an
// error so the caller tears the session down. The transcoder and pipeline
// are always stopped before returning.
func RunTalk(ctx context.Context, sess TalkSession, tc *Transcoder, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	pipe, err := NewPipeline(sess, log)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()
		tc.Stop(stopCtx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(pipe, tc.Stdout())
		if err != nil && !errors.Is(err, ErrPipelineClosed) {
			return fmt.Errorf("copy transcoder output: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			// Stop the process now so the copy goroutine's stdout read
			// unblocks; Stop is safe to call again during teardown.
			stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
			defer cancel()
			tc.Stop(stopCtx)
			return nil
		case <-tc.Done():
			if err := tc.Err(); err != nil {
				return fmt.Errorf("transcoder exited: %w", err)
			}
			return errors.New("transcoder exited unexpectedly")
		}
	})
	runErr := g.Wait()
	if ctx.Err() != nil {
		runErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	tc.Stop(stopCtx)
	pipe.Close(stopCtx)

	return runErr
}

// stopGrace bounds how long teardown waits for the transcoder to exit and
// for in-flight sends to finish.
const stopGrace = 3 * time.Second
