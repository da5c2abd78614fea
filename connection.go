package serial

import (
	"context"
	"fmt"
	"sync"
	"time"

	gobug "go.bug.st/serial"

	"github.com/okserial/serial/errs"
	"github.com/okserial/serial/match"
	"github.com/okserial/serial/portattr"
	"github.com/okserial/serial/portlock"
)

// Connection is one open serial port: the OS handle, the locking
// resources held for the process's lifetime on that device, and the
// I/O engine driving it (§4 of the design overall). It is the façade
// most callers use; portattr, match, and portlock are its plumbing.
type Connection struct {
	device string
	opts   ConnectionOptions
	port   SerialPort
	lockFD int
	locks  *portlock.Set
	eng    *engine

	metrics     *Metrics
	broadcaster *MetricsBroadcaster
	closeOnce   sync.Once
}

// Open opens device under the given options, performing the locking
// protocol appropriate to opts.Sharing before touching the OS handle
// (§4.3), then starts the I/O engine (§4.4). On any failure every
// resource acquired so far is rolled back before returning.
func Open(ctx context.Context, device string, opts ConnectionOptions) (*Connection, error) {
	if err := opts.validateSelf(); err != nil {
		return nil, err
	}
	if !validDevicePattern(device) {
		return nil, errs.Configuration(fmt.Sprintf("device %q doesn't look like a serial port", device), nil)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lockFD, err := openLockFD(device)
	if err != nil {
		return nil, err
	}

	locks, err := portlock.Acquire(device, lockFD, opts.Sharing)
	if err != nil {
		closeLockFD(lockFD)
		return nil, err
	}

	mode := &gobug.Mode{
		BaudRate: opts.Baud,
		DataBits: opts.DataBits.Int(),
		Parity:   opts.Parity.Get(),
		StopBits: opts.StopBits.Get(),
	}
	raw, err := gobug.Open(device, mode)
	if err != nil {
		_ = locks.Release()
		closeLockFD(lockFD)
		return nil, errs.IO("opening "+device, err)
	}
	port := SerialPort(&bugstPort{raw})

	if err := configurePort(port, opts); err != nil {
		_ = port.Close()
		_ = locks.Release()
		closeLockFD(lockFD)
		return nil, err
	}

	metrics := &Metrics{}
	conn := &Connection{
		device:  device,
		opts:    opts,
		port:    port,
		lockFD:  lockFD,
		locks:   locks,
		eng:     newEngine(port, metrics),
		metrics: metrics,
	}
	conn.metrics.recordConnect()

	Log.Info().Str("device", device).Str("sharing", string(opts.Sharing)).Int("baud", opts.Baud).Msg("serial port opened")
	return conn, nil
}

func configurePort(port SerialPort, opts ConnectionOptions) error {
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			return errs.IO("setting read timeout", err)
		}
	}
	if err := port.SetDTR(opts.DTR); err != nil {
		return errs.IO("setting DTR", err)
	}
	if err := port.SetRTS(opts.RTS); err != nil {
		return errs.IO("setting RTS", err)
	}
	return nil
}

// OpenMatch resolves expr against the ports en currently reports,
// requiring exactly one match (§4.5), then opens it exactly as Open
// would.
func OpenMatch(ctx context.Context, en *portattr.Enumerator, expr string, opts ConnectionOptions) (*Connection, error) {
	m, err := match.Compile(expr)
	if err != nil {
		return nil, err
	}
	ports, err := en.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	picked, err := m.SelectOne(ports)
	if err != nil {
		return nil, err
	}
	return Open(ctx, picked.Device(), opts)
}

// Device returns the device path this connection was opened on.
func (c *Connection) Device() string { return c.device }

// Write queues data on the engine's writer and blocks until it's been
// written to the OS or ctx ends.
func (c *Connection) Write(ctx context.Context, data []byte) (int, error) {
	start := time.Now()
	n, err := c.eng.Write(ctx, data)
	c.metrics.recordWrite(n, err, time.Since(start))
	return n, err
}

// WriteAsync queues data and returns immediately with a future.
func (c *Connection) WriteAsync(data []byte) *Future[int] { return c.eng.WriteAsync(data) }

// DrainSync blocks until every write queued before this call reaches the OS.
func (c *Connection) DrainSync(ctx context.Context) error { return c.eng.DrainSync(ctx) }

// DrainAsync is the non-blocking form of DrainSync.
func (c *Connection) DrainAsync() *Future[int] { return c.eng.DrainAsync() }

// ReadSync blocks for at least one byte (up to n bytes worth) or ctx's end.
func (c *Connection) ReadSync(ctx context.Context, n int) ([]byte, error) {
	start := time.Now()
	data, err := c.eng.ReadSync(ctx, n)
	c.metrics.recordRead(len(data), err, time.Since(start))
	return data, err
}

// ReadAsync is the non-blocking form of ReadSync.
func (c *Connection) ReadAsync(n int) *Future[[]byte] { return c.eng.ReadAsync(n) }

// ReadNowait returns whatever is buffered right now without blocking.
func (c *Connection) ReadNowait() ([]byte, error) { return c.eng.ReadNowait() }

// Done returns a channel closed the first time this connection
// terminates, whether from an I/O error or Close, so a caller (in
// particular the tracker) can detect a drop without polling.
func (c *Connection) Done() <-chan struct{} { return c.eng.Done() }

// Interrupt terminates the engine with a synthetic interrupted error:
// every pending and future Read/Write/Drain call raises it and Done()
// fires, but the OS handle is left open -- call Close separately to
// release it and the locks held on this device (§4.4.3).
func (c *Connection) Interrupt() { c.eng.Interrupt() }

// Close stops the I/O engine, releases every lock acquired at Open,
// and closes the OS handle. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.metrics.recordDisconnect()
		err = c.eng.Close()
		if c.locks != nil {
			if lockErr := c.locks.Release(); lockErr != nil && err == nil {
				err = lockErr
			}
		}
		closeLockFD(c.lockFD)
		Log.Info().Str("device", c.device).Msg("serial port closed")
	})
	return err
}

// Metrics returns a point-in-time snapshot of this connection's I/O
// counters and health assessment (§4.6).
func (c *Connection) Metrics() MetricsSnapshot { return c.metrics.Snapshot() }

// StartMetricsBroadcasting begins pushing a MetricsSnapshot onto a
// channel every interval; call MetricsChannel to read it. Replaces any
// broadcaster already running on this connection.
func (c *Connection) StartMetricsBroadcasting(interval time.Duration) {
	if c.broadcaster != nil {
		c.broadcaster.Stop()
	}
	c.broadcaster = NewMetricsBroadcaster(c.Metrics, 50, interval)
	c.broadcaster.Start()
}

// StopMetricsBroadcasting halts a broadcaster started with
// StartMetricsBroadcasting, if any.
func (c *Connection) StopMetricsBroadcasting() {
	if c.broadcaster != nil {
		c.broadcaster.Stop()
		c.broadcaster = nil
	}
}

// MetricsChannel returns the broadcaster's snapshot feed, or nil if
// StartMetricsBroadcasting hasn't been called.
func (c *Connection) MetricsChannel() <-chan MetricsSnapshot {
	if c.broadcaster == nil {
		return nil
	}
	return c.broadcaster.Channel()
}
