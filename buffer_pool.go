package serial

import (
	"context"
	"sync"

	"github.com/okserial/serial/errs"
)

// MaxBufferSize is the largest buffer size ReadStreamWithPooling
// accepts. GetPooledBuffer serves sizes up to 4096 bytes from a pool
// and allocates anything larger directly.
const MaxBufferSize = 64 * 1024

// AbsoluteMaxBufferSize rejects allocations past this size outright,
// bounding worst-case memory use from a single Read request.
const AbsoluteMaxBufferSize = 1024 * 1024

// BufferPool manages reusable byte buffers of one fixed size.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool creates a pool of fixed-size buffers.
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{size: bufferSize}
	bp.pool = sync.Pool{New: func() interface{} { return make([]byte, bufferSize) }}
	return bp
}

// Get retrieves a buffer from the pool.
func (bp *BufferPool) Get() []byte { return bp.pool.Get().([]byte) }

// Put returns a buffer to the pool, clearing it first.
func (bp *BufferPool) Put(buf []byte) {
	if len(buf) != bp.size {
		return
	}
	clear(buf)
	bp.pool.Put(buf)
}

// BufferPoolManager dispatches buffer requests to a small/medium/large
// size class, recording hit/miss counts on an associated Metrics.
type BufferPoolManager struct {
	smallPool  *BufferPool // 256 bytes
	mediumPool *BufferPool // 1024 bytes
	largePool  *BufferPool // 4096 bytes
	metrics    *Metrics
}

// NewBufferPoolManager creates a pool manager recording hit/miss
// counts on metrics (which may be nil to disable that bookkeeping).
func NewBufferPoolManager(metrics *Metrics) *BufferPoolManager {
	return &BufferPoolManager{
		smallPool:  NewBufferPool(256),
		mediumPool: NewBufferPool(1024),
		largePool:  NewBufferPool(4096),
		metrics:    metrics,
	}
}

// GetPooledBuffer returns a buffer sized for size and a cleanup
// function to return it to its pool (a no-op when the buffer came
// from direct allocation). Returns a nil buffer if size exceeds
// AbsoluteMaxBufferSize.
func (bpm *BufferPoolManager) GetPooledBuffer(size int) ([]byte, func()) {
	record := func(hit bool) {
		if bpm.metrics == nil {
			return
		}
		if hit {
			bpm.metrics.BufferPoolHits.Add(1)
		} else {
			bpm.metrics.BufferPoolMisses.Add(1)
		}
	}

	if size <= 0 {
		record(true)
		buf := bpm.smallPool.Get()[:1]
		return buf, func() { bpm.smallPool.Put(buf[:cap(buf)]) }
	}
	if size > AbsoluteMaxBufferSize {
		record(false)
		return nil, func() {}
	}
	if size > MaxBufferSize {
		record(false)
		return make([]byte, size), func() {}
	}

	switch {
	case size <= 256:
		record(true)
		buf := bpm.smallPool.Get()[:size]
		return buf, func() { bpm.smallPool.Put(buf[:cap(buf)]) }
	case size <= 1024:
		record(true)
		buf := bpm.mediumPool.Get()[:size]
		return buf, func() { bpm.mediumPool.Put(buf[:cap(buf)]) }
	case size <= 4096:
		record(true)
		buf := bpm.largePool.Get()[:size]
		return buf, func() { bpm.largePool.Put(buf[:cap(buf)]) }
	default:
		record(false)
		return make([]byte, size), func() {}
	}
}

// PooledReadResult is one item streamed by ReadStreamWithPooling.
type PooledReadResult struct {
	Data []byte
	Err  error
}

// ReadWithPooling checks size against AbsoluteMaxBufferSize, performs
// a single ReadSync of up to size bytes, and returns a copy of what was
// read. It does not draw on the buffer pools; each call allocates its
// result.
func (c *Connection) ReadWithPooling(ctx context.Context, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errs.Configuration("read size must be positive", nil)
	}
	if size > AbsoluteMaxBufferSize {
		return nil, errs.Configuration("read size exceeds absolute maximum", nil)
	}

	data, err := c.ReadSync(ctx, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ReadStreamWithPooling streams reads of up to bufferSize bytes onto a
// channel until ctx ends or the connection errors. Each iteration is a
// plain engine ReadSync, which returns a freshly allocated slice; the
// buffer pools are not used here.
func (c *Connection) ReadStreamWithPooling(ctx context.Context, bufferSize int) (<-chan PooledReadResult, error) {
	if bufferSize <= 0 || bufferSize > MaxBufferSize {
		return nil, errs.Configuration("invalid stream buffer size", nil)
	}

	out := make(chan PooledReadResult, 10)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			data, err := c.eng.ReadSync(ctx, bufferSize)
			if err != nil {
				select {
				case out <- PooledReadResult{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if len(data) == 0 {
				continue
			}
			select {
			case out <- PooledReadResult{Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
