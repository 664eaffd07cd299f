package crypto

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultChunkPoolCap is the buffer size chunkPool hands out. It mirrors
// the hosted upload engine's default chunk size (client.DefaultChunkSize)
// plus one ChunkOverhead, since that is the size uploadChunks allocates on
// every iteration but the last. A caller configured with a larger
// chunkSizeOverride falls through to a plain make(), same as any size the
// pool wasn't sized for.
const defaultChunkPoolCap = 5*1024*1024 + ChunkOverhead

// BufferPool pools the two buffer shapes the transfer engines allocate
// repeatedly: GCM IVs (fixed 12 bytes) and chunk plaintext/ciphertext
// buffers (sized to defaultChunkPoolCap). Buffers are zeroized before
// being returned to a pool so a reused buffer never leaks a prior chunk's
// bytes to whichever caller gets it next.
type BufferPool struct {
	ivPool    *sync.Pool
	chunkPool *sync.Pool
	chunkCap  int

	hitsIV, missesIV       int64
	hitsChunk, missesChunk int64
}

var globalBufferPool = newBufferPool(defaultChunkPoolCap)

func newBufferPool(chunkCap int) *BufferPool {
	// No New funcs: an empty pool must return nil so Get12/GetChunk can
	// tell a reused buffer (hit) from a fresh allocation (miss).
	return &BufferPool{
		ivPool:    &sync.Pool{},
		chunkPool: &sync.Pool{},
		chunkCap:  chunkCap,
	}
}

// GetGlobalBufferPool returns the process-wide buffer pool instance.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// Get12 returns a 12-byte buffer for use as a GCM IV.
func (p *BufferPool) Get12() []byte {
	if buf, ok := p.ivPool.Get().([]byte); ok {
		atomic.AddInt64(&p.hitsIV, 1)
		return buf
	}
	atomic.AddInt64(&p.missesIV, 1)
	return make([]byte, ivSize)
}

// Put12 returns a 12-byte IV buffer to the pool after zeroizing it.
func (p *BufferPool) Put12(buf []byte) {
	if cap(buf) != ivSize {
		return
	}
	zero(buf)
	p.ivPool.Put(buf[:ivSize])
}

// GetChunk returns a buffer of at least size bytes for a chunk
// plaintext/ciphertext, and whether it came from the pool. Sizes larger
// than the pool's band bypass the pool entirely.
func (p *BufferPool) GetChunk(size int) (buf []byte, hit bool) {
	if size > p.chunkCap {
		return make([]byte, size), false
	}
	if buf, ok := p.chunkPool.Get().([]byte); ok {
		atomic.AddInt64(&p.hitsChunk, 1)
		return buf[:size], true
	}
	atomic.AddInt64(&p.missesChunk, 1)
	return make([]byte, p.chunkCap)[:size], false
}

// Get is GetChunk without the hit indicator, kept for callers that only
// need a buffer and don't record pool metrics themselves.
func (p *BufferPool) Get(size int) []byte {
	buf, _ := p.GetChunk(size)
	return buf
}

// PutChunk returns a chunk buffer to the pool after zeroizing it. Buffers
// that don't match the pool's band (e.g. from an oversized GetChunk call)
// are left for the garbage collector.
func (p *BufferPool) PutChunk(buf []byte) {
	if cap(buf) < p.chunkCap {
		return
	}
	zero(buf[:cap(buf)])
	p.chunkPool.Put(buf[:p.chunkCap])
}

// Put dispatches buf to whichever pool its capacity matches, mirroring
// PutChunk/Put12. Buffers that match neither band are left for the GC.
func (p *BufferPool) Put(buf []byte) {
	switch cap(buf) {
	case ivSize:
		p.Put12(buf)
	default:
		if cap(buf) >= p.chunkCap {
			p.PutChunk(buf)
		}
	}
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// GetMetrics returns current pool hit/miss counters.
func (p *BufferPool) GetMetrics() BufferPoolMetrics {
	return BufferPoolMetrics{
		HitsIV:      atomic.LoadInt64(&p.hitsIV),
		MissesIV:    atomic.LoadInt64(&p.missesIV),
		HitsChunk:   atomic.LoadInt64(&p.hitsChunk),
		MissesChunk: atomic.LoadInt64(&p.missesChunk),
	}
}

// BufferPoolMetrics reports pool performance as a point-in-time snapshot.
type BufferPoolMetrics struct {
	HitsIV, MissesIV       int64
	HitsChunk, MissesChunk int64
}

// HitRateIV returns the IV pool's hit rate, or 0 if it has never been used.
func (m BufferPoolMetrics) HitRateIV() float64 {
	total := m.HitsIV + m.MissesIV
	if total == 0 {
		return 0
	}
	return float64(m.HitsIV) / float64(total)
}

// HitRateChunk returns the chunk pool's hit rate, or 0 if it has never
// been used.
func (m BufferPoolMetrics) HitRateChunk() float64 {
	total := m.HitsChunk + m.MissesChunk
	if total == 0 {
		return 0
	}
	return float64(m.HitsChunk) / float64(total)
}

// Reset zeroes all metrics counters.
func (p *BufferPool) Reset() {
	atomic.StoreInt64(&p.hitsIV, 0)
	atomic.StoreInt64(&p.missesIV, 0)
	atomic.StoreInt64(&p.hitsChunk, 0)
	atomic.StoreInt64(&p.missesChunk, 0)
}

// BoundedQueue is a bounded ring buffer for decoupling a byte producer
// from a byte consumer that wants fixed-size reads, such as coalescing
// arbitrarily-sized network frames into fixed decrypt units. Write blocks
// while the queue is full; Read blocks while it's empty; both respect
// ctx/Close.
type BoundedQueue struct {
	buffer   []byte
	size     int
	maxSize  int
	pos      int
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBoundedQueue creates a bounded queue with the given capacity.
func NewBoundedQueue(maxSize int) *BoundedQueue {
	return NewBoundedQueueWithContext(context.Background(), maxSize)
}

// NewBoundedQueueWithContext creates a bounded queue whose blocking
// Write/Read calls also unblock when ctx is done.
func NewBoundedQueueWithContext(ctx context.Context, maxSize int) *BoundedQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &BoundedQueue{
		buffer:  make([]byte, maxSize),
		maxSize: maxSize,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	// Wake any Write/Read parked on a cond so it re-checks ctx.Done.
	context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	return q
}

// Write copies all of p into the queue, blocking while it is full.
func (q *BoundedQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	totalWritten := 0
	for len(p) > 0 {
		for q.size == q.maxSize && !q.closed {
			select {
			case <-q.ctx.Done():
				return totalWritten, q.ctx.Err()
			default:
				q.notFull.Wait()
			}
		}
		if q.closed {
			return totalWritten, context.Canceled
		}

		available := q.maxSize - q.size
		toWrite := len(p)
		if toWrite > available {
			toWrite = available
		}

		endPos := (q.pos + q.size) % q.maxSize
		copyLen := toWrite
		if endPos+copyLen > q.maxSize {
			copyLen = q.maxSize - endPos
		}

		copy(q.buffer[endPos:], p[:copyLen])
		q.size += copyLen
		totalWritten += copyLen
		p = p[copyLen:]

		q.notEmpty.Signal()
	}
	return totalWritten, nil
}

// Read fills p from the queue, blocking while it is empty. On close with
// fewer than len(p) bytes remaining, it returns the partial read with
// context.Canceled.
func (q *BoundedQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	totalRead := 0
	for len(p) > 0 {
		for q.size == 0 && !q.closed {
			select {
			case <-q.ctx.Done():
				return totalRead, q.ctx.Err()
			default:
				q.notEmpty.Wait()
			}
		}
		if q.closed && q.size == 0 {
			return totalRead, context.Canceled
		}

		toRead := len(p)
		if toRead > q.size {
			toRead = q.size
		}
		if toRead == 0 {
			break
		}

		copyLen := toRead
		if q.pos+copyLen > q.maxSize {
			copyLen = q.maxSize - q.pos
		}

		copy(p[:copyLen], q.buffer[q.pos:])
		q.pos = (q.pos + copyLen) % q.maxSize
		q.size -= copyLen
		totalRead += copyLen
		p = p[copyLen:]

		q.notFull.Signal()
	}
	return totalRead, nil
}

// Close unblocks every waiting Write/Read. A subsequent Read may still
// drain whatever bytes remained buffered before returning context.Canceled.
func (q *BoundedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cancel()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Size returns the number of bytes currently buffered.
func (q *BoundedQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// IsClosed reports whether Close has been called.
func (q *BoundedQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
