package sshtail

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/obsidianstack/sshmetrics/internal/parser"
	"github.com/obsidianstack/sshmetrics/internal/registry"
	"github.com/obsidianstack/sshmetrics/pkg/target"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 30 * time.Second
	backoffMultiplier = 2.0
)

// sshClient is the subset of *ssh.Client a Worker needs. Abstracted so
// tests can inject a fake transport instead of dialing a real host.
type sshClient interface {
	NewSession() (sshSession, error)
	Close() error
}

// sshSession is the subset of *ssh.Session a Worker needs.
type sshSession interface {
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

type realClient struct{ *ssh.Client }

func (r realClient) NewSession() (sshSession, error) {
	return r.Client.NewSession()
}

// Worker tails one target's log file over SSH, feeding every line to a
// parser.LineParser. It runs the state machine described in Run until ctx
// is cancelled: Idle → Connecting → Tailing → Disconnected → Idle.
type Worker struct {
	Target target.Target

	parser *parser.LineParser
	reg    *registry.Registry
	dialFn func(DialParams) (sshClient, error)
}

// New builds a Worker for t, using p to parse every line it reads.
func New(t target.Target, reg *registry.Registry, p *parser.LineParser) *Worker {
	return &Worker{
		Target: t,
		parser: p,
		reg:    reg,
		dialFn: func(params DialParams) (sshClient, error) {
			c, err := Dial(params)
			if err != nil {
				return nil, err
			}
			return realClient{c}, nil
		},
	}
}

// Run drives the connect/tail/backoff loop until ctx is cancelled. The
// connected{environment,host} gauge reflects the worker's current state
// throughout.
func (w *Worker) Run(ctx context.Context) {
	bo := newBackoff()
	id := w.Target.ID()

	for {
		if ctx.Err() != nil {
			return
		}

		w.reg.SetConnected(w.Target.Environment, w.Target.Host, false)

		client, err := w.dialFn(w.dialParams())
		if err != nil {
			wait := bo.next()
			slog.Warn("sshtail: connect failed, retrying", "target", id, "err", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		w.reg.SetConnected(w.Target.Environment, w.Target.Host, true)
		produced, tailErr := w.tail(ctx, client)
		client.Close()
		w.reg.SetConnected(w.Target.Environment, w.Target.Host, false)

		if ctx.Err() != nil {
			return
		}

		if produced {
			bo.reset()
		}
		wait := bo.next()
		if tailErr != nil {
			slog.Warn("sshtail: connection lost, reconnecting", "target", id, "err", tailErr, "retry_in", wait)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Worker) dialParams() DialParams {
	return DialParams{
		Host:           w.Target.Host,
		User:           w.Target.User,
		Password:       w.Target.Password,
		PKey:           w.Target.PKey,
		PKeyPassphrase: w.Target.PKeyPassphrase,
		ConnectTimeout: w.Target.ConnectTimeout,
	}
}

// tail runs `tail -n0 -F -- <file>` over an already-open client and feeds
// every line it reads to the parser. It returns whether at least one line
// was produced (used to decide whether to reset backoff) and the error
// that ended the tail, if any. tail returns promptly after ctx is
// cancelled by closing the session, which unblocks the read.
func (w *Worker) tail(ctx context.Context, client sshClient) (produced bool, err error) {
	session, err := client.NewSession()
	if err != nil {
		return false, fmt.Errorf("new session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return false, fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := fmt.Sprintf("tail -n0 -F -- %s", shellQuote(w.Target.File))
	if err := session.Start(cmd); err != nil {
		session.Close()
		return false, fmt.Errorf("start %q: %w", cmd, err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		produced = true
		if perr := w.parser.Parse(scanner.Text()); perr != nil {
			slog.Debug("sshtail: line rejected", "target", w.Target.ID(), "err", perr)
		}
	}

	waitErr := session.Wait()
	if ctx.Err() != nil {
		return produced, nil
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return produced, scanErr
	}
	return produced, waitErr
}

// shellQuote wraps path in single quotes for safe use in a remote shell
// command line, escaping any embedded single quote.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// sleepCtx waits for d or ctx cancellation, returning false if ctx was
// cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// jitterFraction bounds how far a backoff delay can wander from its
// nominal value in either direction, spreading out reconnect attempts
// from many targets that failed at the same instant.
const jitterFraction = 0.25

// backoff is truncated exponential backoff with jitter, reset whenever a
// tail session produces at least one line.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns a jittered delay around the current backoff step, then
// grows the step toward backoffMax for the following call.
func (b *backoff) next() time.Duration {
	spread := 1 + jitterFraction*(2*rand.Float64()-1) //nolint:gosec // not crypto
	delay := time.Duration(float64(b.current) * spread)
	if delay < 0 {
		delay = 0
	}

	grown := time.Duration(float64(b.current) * backoffMultiplier)
	b.current = grown
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return delay
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
