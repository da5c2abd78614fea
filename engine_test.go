package serial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okserial/serial/errs"
)

// mockPort is a channel-fed SerialPort, grounded on the teacher's
// mockPort in serial_test.go, extended with the DTR/RTS methods this
// package's SerialPort interface requires.
type mockPort struct {
	readCh chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
	dtr    bool
	rts    bool

	errOnce    error
	writeDelay time.Duration
}

func newMockPort() *mockPort {
	return &mockPort{readCh: make(chan []byte, 16)}
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.errOnce != nil {
		err := m.errOnce
		m.errOnce = nil
		m.mu.Unlock()
		return 0, err
	}
	m.mu.Unlock()

	b, ok := <-m.readCh
	if !ok {
		return 0, errClosedPort
	}
	return copy(p, b), nil
}

var errClosedPort = &fakeErr{"mock port closed"}

type fakeErr struct{ s string }

func (e *fakeErr) Error() string { return e.s }

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	delay := m.writeDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), p...)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.readCh)
		m.closed = true
	}
	return nil
}

func (m *mockPort) SetReadTimeout(time.Duration) error { return nil }
func (m *mockPort) SetDTR(v bool) error                { m.mu.Lock(); m.dtr = v; m.mu.Unlock(); return nil }
func (m *mockPort) SetRTS(v bool) error                { m.mu.Lock(); m.rts = v; m.mu.Unlock(); return nil }

func TestEngineWriteThenRead(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := e.Write(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("wrote %d bytes, want 5", n)
	}

	mp.readCh <- []byte("world")
	data, err := e.ReadSync(ctx, 5)
	if err != nil {
		t.Fatalf("ReadSync: %v", err)
	}
	if string(data) != "world" {
		t.Fatalf("got %q, want %q", data, "world")
	}
}

func TestEngineReadAsyncResolvesOnData(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	f := e.ReadAsync(3)
	if f.Done() {
		t.Fatal("future resolved before any data arrived")
	}

	mp.readCh <- []byte("abc")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("got %q, want %q", data, "abc")
	}
}

func TestEngineReadNowaitDoesNotBlock(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	data, err := e.ReadNowait()
	if err != nil {
		t.Fatalf("ReadNowait: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected no data yet, got %q", data)
	}
}

func TestEngineFailurePropagatesToPendingOps(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	f := e.ReadAsync(1)
	mp.Close() // reader loop observes a closed channel and fails the engine

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	if err == nil {
		t.Fatal("expected an error after the underlying port closed")
	}
}

func TestEngineInterruptDoesNotClosePort(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	f := e.ReadAsync(10)
	e.Interrupt()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	if err == nil {
		t.Fatal("expected interrupted error")
	}

	mp.mu.Lock()
	closed := mp.closed
	mp.mu.Unlock()
	if closed {
		t.Fatal("Interrupt should not close the underlying port")
	}
}

func TestEngineInterruptIsSticky(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	e.Interrupt()

	select {
	case <-e.Done():
	default:
		t.Fatal("expected Done() to fire after Interrupt")
	}

	if _, err := e.ReadNowait(); err == nil {
		t.Fatal("expected a subsequent read to raise after Interrupt")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := e.ReadSync(ctx, 1); err == nil {
		t.Fatal("expected ReadSync after Interrupt to raise the interrupted error")
	}
}

func TestEngineReadReturnsBufferedBytesBeforeRaising(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	mp.readCh <- []byte("hi")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// give the reader goroutine a chance to buffer the bytes before close
	data, err := e.ReadSync(ctx, 2)
	if err != nil {
		t.Fatalf("ReadSync: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("got %q, want %q", data, "hi")
	}

	mp.Close()

	// buffer is now empty and the engine has failed: this read must raise
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := e.ReadNowait(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected ReadNowait to eventually raise after the port closed")
		}
	}
}

func TestEngineReadSyncTimeoutIsNotAnError(t *testing.T) {
	mp := newMockPort()
	e := newEngine(mp, nil)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	data, err := e.ReadSync(ctx, 1)
	if err != nil {
		t.Fatalf("expected a read timeout to resolve without error, got %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected no data on timeout, got %q", data)
	}
}

func TestEngineDrainSyncTimeoutIsTimeoutError(t *testing.T) {
	mp := newMockPort()
	mp.writeDelay = 200 * time.Millisecond
	e := newEngine(mp, nil)
	defer e.Close()

	// queued ahead of the drain marker, it keeps writeLoop busy well
	// past the deadline below so the drain can't possibly finish first
	e.WriteAsync([]byte("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.DrainSync(ctx)
	if !errs.Is(err, errs.KindTimeout) {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}
