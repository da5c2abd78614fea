// Package tracker auto-reconnects a Connection to whichever device
// currently matches a match expression, retrying with exponential
// backoff on transient failures and stopping on fatal ones (grounded
// on the generation-counted control loop of the original
// implementation's SerialPortTracker).
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/okserial/serial"
	"github.com/okserial/serial/errs"
	"github.com/okserial/serial/portattr"
)

// Options configures a Tracker.
type Options struct {
	// Expr is the match expression identifying the port to track.
	Expr string
	// ConnOptions are the options every (re)connect attempt opens with.
	ConnOptions serial.ConnectionOptions
	// Enumerator produces the port snapshots Expr is matched against.
	Enumerator *portattr.Enumerator
	// MinBackoff and MaxBackoff bound the retry delay after a
	// transient failure; delay doubles each attempt up to MaxBackoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// openMatch is overridable in tests so the control loop can be
	// exercised without a real device.
	openMatch func(ctx context.Context, en *portattr.Enumerator, expr string, opts serial.ConnectionOptions) (*serial.Connection, error)
}

func (o *Options) setDefaults() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.openMatch == nil {
		o.openMatch = serial.OpenMatch
	}
}

type genWaiter struct {
	target int
	ch     chan struct{}
}

// Tracker holds a Connection to the port matching its Options.Expr
// open across disconnects and reappearances, retried with backoff.
// Each successful (re)connect bumps a generation counter callers can
// await via AwaitGeneration (§tracker).
type Tracker struct {
	opts Options

	mu         sync.Mutex
	conn       *serial.Connection
	generation int
	waiters    []*genWaiter
	fatalErr   error

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds a Tracker; call Start to begin the control loop.
func New(opts Options) *Tracker {
	opts.setDefaults()
	return &Tracker{opts: opts, done: make(chan struct{})}
}

// Start launches the control loop in the background. It is a no-op if
// already started.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.loop(ctx)
}

// Stop cancels the control loop and blocks until it exits, closing the
// current connection if one is open.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

// Current returns the presently-open connection, or nil if none is
// open right now (between attempts, or after a fatal error).
func (t *Tracker) Current() *serial.Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Generation returns the number of successful (re)connects so far.
func (t *Tracker) Generation() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// FatalErr returns the error that stopped the tracker, if it stopped
// because of a fatal (non-retryable) failure rather than Stop.
func (t *Tracker) FatalErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatalErr
}

// AwaitGeneration blocks until the tracker has completed at least gen
// successful connects, the tracker stops fatally, or ctx ends.
func (t *Tracker) AwaitGeneration(ctx context.Context, gen int) error {
	t.mu.Lock()
	if t.generation >= gen {
		t.mu.Unlock()
		return nil
	}
	if t.fatalErr != nil {
		err := t.fatalErr
		t.mu.Unlock()
		return err
	}
	w := &genWaiter{target: gen, ch: make(chan struct{})}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.ch:
		t.mu.Lock()
		err := t.fatalErr
		t.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	defer t.closeCurrent()

	backoff := t.opts.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := t.opts.openMatch(ctx, t.opts.Enumerator, t.opts.Expr, t.opts.ConnOptions)
		if err != nil {
			if errs.Fatal(err) {
				t.fail(err)
				return
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, t.opts.MaxBackoff)
			continue
		}

		backoff = t.opts.MinBackoff
		t.setConn(conn)

		select {
		case <-conn.Done():
		case <-ctx.Done():
			return
		}
		t.clearConn()
	}
}

func (t *Tracker) setConn(conn *serial.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	t.generation++
	t.notifyWaitersLocked()
}

// clearConn drops the current connection after it has terminated,
// closing it first so the locks and fd it holds are released before
// the next reconnect attempt (§4.6, LockSet "released exactly once").
func (t *Tracker) clearConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Tracker) closeCurrent() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Tracker) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fatalErr = err
	t.notifyWaitersLocked()
}

func (t *Tracker) notifyWaitersLocked() {
	remaining := t.waiters[:0]
	for _, w := range t.waiters {
		if t.generation >= w.target || t.fatalErr != nil {
			close(w.ch)
			continue
		}
		remaining = append(remaining, w)
	}
	t.waiters = remaining
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// sleepCtx waits for d or ctx's end, reporting whether it completed
// the full delay.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
