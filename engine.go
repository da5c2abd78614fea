package serial

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okserial/serial/errs"
)

// readerChunkSize is the size of the buffer the reader goroutine
// passes to the underlying port on each call. It matches the medium
// buffer pool class so a hot read loop doesn't force a direct
// allocation on every call.
const readerChunkSize = 1024

// writeOp is one queued write, processed strictly in submission order
// by the writer goroutine (grounded on the teacher's single-goroutine
// write queue in service.go's processWrites).
type writeOp struct {
	data   []byte
	future *Future[int]
}

// readWaiter is a pending ReadAsync call: it takes up to want bytes
// (whatever is available when want is 0) and resolves as soon as the
// reader goroutine has at least one byte buffered, or the engine
// terminates.
type readWaiter struct {
	want   int
	future *Future[[]byte]
}

// engine is the I/O core behind a Connection: two worker goroutines
// (reader, writer) around a shared byte queue and write queue,
// coordinated by a monitor (mutex + condition variable), with the
// first I/O error becoming a sticky terminal error for the life of
// the engine (§4.4 of the design). It is grounded on the teacher's
// processWrites goroutine and read/write locking in service.go, and
// on the monitor-based _IoThreads of the original implementation.
type engine struct {
	port SerialPort

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	err    error // sticky terminal error, set at most once

	readBuf []byte
	waiters []*readWaiter

	writeQueue []*writeOp

	readerDone chan struct{}
	writerDone chan struct{}
	termCh     chan struct{} // closed exactly once, when the engine first terminates

	pool *BufferPoolManager
}

func newEngine(port SerialPort, metrics *Metrics) *engine {
	e := &engine{
		port:       port,
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		termCh:     make(chan struct{}),
		pool:       NewBufferPoolManager(metrics),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.readLoop()
	go e.writeLoop()
	return e
}

// fail records err as the engine's sticky terminal error (first one
// wins), marks the engine closed, and wakes every waiter so pending
// operations can observe it.
func (e *engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failLocked(err)
}

func (e *engine) failLocked(err error) {
	if e.closed {
		return
	}
	e.closed = true
	if e.err == nil {
		e.err = err
	}
	close(e.termCh)
	e.wakeWaitersLocked()
	e.cond.Broadcast()
}

// Done returns a channel closed the first time the engine terminates,
// whether from an I/O error or an explicit Close (§tracker: used to
// detect disconnects without polling).
func (e *engine) Done() <-chan struct{} { return e.termCh }

func (e *engine) readLoop() {
	defer close(e.readerDone)
	buf, cleanup := e.pool.GetPooledBuffer(readerChunkSize)
	defer cleanup()
	for {
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}

		n, err := e.port.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.readBuf = append(e.readBuf, buf[:n]...)
			e.wakeWaitersLocked()
			e.cond.Broadcast()
			e.mu.Unlock()
		}
		if err != nil {
			e.fail(errs.Disconnected("reading from port", err))
			return
		}
	}
}

func (e *engine) writeLoop() {
	defer close(e.writerDone)
	for {
		e.mu.Lock()
		for len(e.writeQueue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed && len(e.writeQueue) == 0 {
			e.mu.Unlock()
			return
		}
		op := e.writeQueue[0]
		e.writeQueue = e.writeQueue[1:]
		terminal := e.err
		e.mu.Unlock()

		if terminal != nil {
			op.future.complete(0, terminal)
			continue
		}

		n, err := writeAll(e.port, op.data)
		if err != nil {
			wrapped := errs.Disconnected("writing to port", err)
			op.future.complete(n, wrapped)
			e.fail(wrapped)
			continue
		}
		op.future.complete(n, nil)
	}
}

func writeAll(port SerialPort, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := port.Write(data[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// wakeWaitersLocked resolves any pending ReadAsync futures that now
// have enough buffered data. Caller holds e.mu.
func (e *engine) wakeWaitersLocked() {
	remaining := e.waiters[:0]
	for _, w := range e.waiters {
		if len(e.readBuf) > 0 || e.closed {
			data, err := e.takeResultLocked(w.want)
			w.future.complete(data, err)
			continue
		}
		remaining = append(remaining, w)
	}
	e.waiters = remaining
}

// takeLocked removes and returns up to n bytes from readBuf (all
// available bytes when n is 0 or exceeds what's buffered). Caller
// holds e.mu.
func (e *engine) takeLocked(n int) []byte {
	if n <= 0 || n > len(e.readBuf) {
		n = len(e.readBuf)
	}
	out := make([]byte, n)
	copy(out, e.readBuf[:n])
	e.readBuf = e.readBuf[n:]
	return out
}

// Write queues data and blocks until it has been written or ctx ends.
func (e *engine) Write(ctx context.Context, data []byte) (int, error) {
	f := e.WriteAsync(data)
	return f.Wait(ctx)
}

// WriteAsync queues data for the writer goroutine and returns
// immediately with a future for the eventual result (§4.4.1).
func (e *engine) WriteAsync(data []byte) *Future[int] {
	f := newFuture[int]()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		f.complete(0, e.terminalOrClosed())
		return f
	}
	e.writeQueue = append(e.writeQueue, &writeOp{data: data, future: f})
	e.cond.Broadcast()
	e.mu.Unlock()
	return f
}

// DrainSync blocks until every write queued before this call has been
// flushed to the OS (§4.4.1 "drain"). Unlike a read, a drain timeout is
// reported as an errs.Timeout, not swallowed (§4.4.2, §5, §7).
func (e *engine) DrainSync(ctx context.Context) error {
	_, err := e.DrainAsync().Wait(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout("drain timed out")
	}
	return err
}

// DrainAsync returns a future that resolves once every write queued
// before this call completes, implemented as a zero-length marker
// write riding the same FIFO queue.
func (e *engine) DrainAsync() *Future[int] {
	return e.WriteAsync(nil)
}

// ReadSync blocks until at least one byte is available (or the engine
// terminates) and returns up to n bytes, mirroring the "block
// until something, then return what fits" semantics of a blocking
// serial read (§4.4.2). A read timeout (ctx's deadline elapsing before
// any data or terminal error arrives) is not itself an error: it
// resolves as (nil, nil), distinct from the engine actually
// terminating (§4.4.2, §5, scenario 2).
func (e *engine) ReadSync(ctx context.Context, n int) ([]byte, error) {
	data, err := e.ReadAsync(n).Wait(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return data, err
}

// ReadAsync returns a future resolving with up to n bytes once at
// least one byte is buffered, or the engine terminates.
func (e *engine) ReadAsync(n int) *Future[[]byte] {
	f := newFuture[[]byte]()
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.readBuf) > 0 || e.closed {
		data, err := e.takeResultLocked(n)
		f.complete(data, err)
		return f
	}
	e.waiters = append(e.waiters, &readWaiter{want: n, future: f})
	return f
}

// ReadNowait returns whatever is currently buffered without blocking,
// which may be zero bytes, raising only once the engine has terminated
// and the buffer is empty (§4.4.2).
func (e *engine) ReadNowait() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.takeResultLocked(0)
}

// takeResultLocked removes up to n bytes (all available when n <= 0)
// from readBuf and pairs them with the appropriate error: nil whenever
// bytes are returned, and the sticky terminal error only once the
// buffer is fully drained -- "return available bytes first; subsequent
// read raises" (§4.4.2). Caller holds e.mu.
func (e *engine) takeResultLocked(n int) ([]byte, error) {
	data := e.takeLocked(n)
	if len(data) > 0 {
		return data, nil
	}
	return data, e.terminalIfClosedLocked()
}

func (e *engine) terminalIfClosedLocked() error {
	if e.closed {
		return e.terminalOrClosedLocked()
	}
	return nil
}

func (e *engine) terminalOrClosed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminalOrClosedLocked()
}

func (e *engine) terminalOrClosedLocked() error {
	if e.err != nil {
		return e.err
	}
	return ErrClosed
}

// Interrupt sets a synthetic interrupted error as the engine's sticky
// terminal error and transitions it exactly as Close does -- every
// pending and future operation raises it and Done() fires -- except
// the underlying port is left open, so a caller (in particular the
// tracker, which observes Done() and then closes the connection
// itself) can react to the interrupt without this call performing the
// OS close (§4.4.2, §4.4.3, §8).
func (e *engine) Interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	interrupted := errs.Interrupted("operation interrupted")
	e.failLocked(interrupted)
	for _, w := range e.waiters {
		w.future.complete(nil, interrupted)
	}
	e.waiters = nil
	for _, op := range e.writeQueue {
		op.future.complete(0, interrupted)
	}
	e.writeQueue = nil
}

// Close stops both worker goroutines and closes the underlying port,
// resolving any still-pending operations with ErrClosed.
func (e *engine) Close() error {
	e.mu.Lock()
	e.failLocked(ErrClosed)
	for _, w := range e.waiters {
		w.future.complete(nil, ErrClosed)
	}
	e.waiters = nil
	for _, op := range e.writeQueue {
		op.future.complete(0, ErrClosed)
	}
	e.writeQueue = nil
	e.mu.Unlock()

	closeErr := e.port.Close()

	select {
	case <-e.writerDone:
	case <-time.After(500 * time.Millisecond):
	}
	select {
	case <-e.readerDone:
	case <-time.After(500 * time.Millisecond):
	}

	return closeErr
}
