package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okserial/serial"
	"github.com/okserial/serial/errs"
	"github.com/okserial/serial/portattr"
)

// mockPort is a minimal serial.SerialPort that never produces data and
// never fails on its own; tests close it directly to simulate a drop.
type mockPort struct {
	mu     sync.Mutex
	closed bool
	readCh chan []byte
}

func newMockPort() *mockPort { return &mockPort{readCh: make(chan []byte)} }

func (m *mockPort) Read(p []byte) (int, error) {
	b, ok := <-m.readCh
	if !ok {
		return 0, errPortClosed
	}
	return copy(p, b), nil
}

var errPortClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "mock port closed" }

func (m *mockPort) Write(p []byte) (int, error) { return len(p), nil }
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
func (m *mockPort) SetDTR(bool) error                  { return nil }
func (m *mockPort) SetRTS(bool) error                  { return nil }

// openSeq returns an openMatch func that hands back one prepared result
// per call, in order, blocking forever once exhausted.
func openSeq(results ...func() (*serial.Connection, error)) func(context.Context, *portattr.Enumerator, string, serial.ConnectionOptions) (*serial.Connection, error) {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, en *portattr.Enumerator, expr string, opts serial.ConnectionOptions) (*serial.Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(results) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		r := results[i]
		i++
		return r()
	}
}

func newTestTracker(t *testing.T, openMatch func(context.Context, *portattr.Enumerator, string, serial.ConnectionOptions) (*serial.Connection, error)) *Tracker {
	t.Helper()
	opts := Options{
		Expr:       "*",
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		openMatch:  openMatch,
	}
	return New(opts)
}

func TestTrackerRetriesOnTransientThenConnects(t *testing.T) {
	mp := newMockPort()
	attempts := 0
	openMatch := openSeq(
		func() (*serial.Connection, error) {
			attempts++
			return nil, errs.SharingConflict("busy", nil)
		},
		func() (*serial.Connection, error) {
			attempts++
			return serial.NewConnectionForTesting("/dev/fake0", mp), nil
		},
	)

	tr := newTestTracker(t, openMatch)
	tr.Start(context.Background())
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.AwaitGeneration(ctx, 1); err != nil {
		t.Fatalf("AwaitGeneration: %v", err)
	}
	if tr.Generation() != 1 {
		t.Fatalf("Generation() = %d, want 1", tr.Generation())
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 open attempts, got %d", attempts)
	}
	if tr.Current() == nil {
		t.Fatal("expected a current connection after a successful open")
	}
}

func TestTrackerStopsOnFatalError(t *testing.T) {
	openMatch := openSeq(func() (*serial.Connection, error) {
		return nil, errs.Parse("bad expression", nil)
	})

	tr := newTestTracker(t, openMatch)
	tr.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tr.AwaitGeneration(ctx, 1)
	if !errs.Is(err, errs.KindParse) {
		t.Fatalf("expected a parse error, got %v", err)
	}
	if tr.FatalErr() == nil {
		t.Fatal("expected FatalErr to be set")
	}
	tr.Stop()
}

func TestTrackerReconnectsAfterDrop(t *testing.T) {
	mp1 := newMockPort()
	mp2 := newMockPort()
	openMatch := openSeq(
		func() (*serial.Connection, error) { return serial.NewConnectionForTesting("/dev/fake0", mp1), nil },
		func() (*serial.Connection, error) { return serial.NewConnectionForTesting("/dev/fake0", mp2), nil },
	)

	tr := newTestTracker(t, openMatch)
	tr.Start(context.Background())
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.AwaitGeneration(ctx, 1); err != nil {
		t.Fatalf("first AwaitGeneration: %v", err)
	}

	mp1.Close() // simulates the underlying device disappearing

	if err := tr.AwaitGeneration(ctx, 2); err != nil {
		t.Fatalf("second AwaitGeneration: %v", err)
	}
	if tr.Generation() != 2 {
		t.Fatalf("Generation() = %d, want 2", tr.Generation())
	}
}
