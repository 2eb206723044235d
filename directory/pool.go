package directory

import (
	"context"

	"golang.org/x/crypto/blake2b"
)

// ReadPool and WritePool are the two independent client pools into the
// backing store named in §4.2: "one for reads (lookup), one for
// writes (set). Each pool maintains a fixed number of parallel
// connections." Each pool worker owns one logical connection to
// Backend; requests queue on a bounded channel, giving the same
// bounded-memory posture as every other queue in this system.

type readRequest struct {
	ctx   context.Context
	key   string
	reply chan<- readResult
}

type readResult struct {
	value []byte
	found bool
	err   error
}

// ReadPool fans lookup requests out over a fixed number of workers; any
// worker may serve any key, since reads don't need per-object
// ordering.
type ReadPool struct {
	backend Backend
	reqs    chan readRequest
}

func NewReadPool(backend Backend, workers, queueLen int) *ReadPool {
	p := &ReadPool{backend: backend, reqs: make(chan readRequest, queueLen)}
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *ReadPool) run() {
	for req := range p.reqs {
		value, found, err := p.backend.Get(req.ctx, req.key)
		req.reply <- readResult{value: value, found: found, err: err}
	}
}

// Get enqueues a read and blocks for its result (or ctx cancellation).
// OSEG's caller treats this as the asynchronous directory read of
// §4.2 by invoking it from a goroutine/closure posted to the directory
// read executor, never from the main executor directly.
func (p *ReadPool) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply := make(chan readResult, 1)
	select {
	case p.reqs <- readRequest{ctx: ctx, key: key, reply: reply}:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.value, r.found, r.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

type writeRequest struct {
	ctx   context.Context
	key   string
	value []byte
	reply chan<- error
}

// WritePool holds `workers` independent worker queues. Every write for
// a given ObjectId is routed to the same worker by hashing its
// directory key with blake2b, which is what gives "directory write
// completions for the same object from the same server are ordered"
// (§5) without a global lock: two writes for one object always land
// on the same FIFO channel, while writes for different objects
// pipeline across workers.
type WritePool struct {
	backend Backend
	lanes   []chan writeRequest
}

func NewWritePool(backend Backend, workers, queueLen int) *WritePool {
	if workers < 1 {
		workers = 1
	}
	p := &WritePool{backend: backend, lanes: make([]chan writeRequest, workers)}
	for i := range p.lanes {
		p.lanes[i] = make(chan writeRequest, queueLen)
		go p.run(p.lanes[i])
	}
	return p
}

func (p *WritePool) run(lane chan writeRequest) {
	for req := range lane {
		req.reply <- p.backend.Set(req.ctx, req.key, req.value)
	}
}

func (p *WritePool) laneFor(key string) chan writeRequest {
	sum := blake2b.Sum256([]byte(key))
	idx := int(sum[0])<<8|int(sum[1])
	return p.lanes[idx%len(p.lanes)]
}

// Set enqueues a write on the lane owned by key's object and blocks
// for completion (or ctx cancellation). Per-object serialization holds
// even when Set is called concurrently from multiple goroutines for
// the same key, since they all queue on the same lane.
func (p *WritePool) Set(ctx context.Context, key string, value []byte) error {
	reply := make(chan error, 1)
	lane := p.laneFor(key)
	select {
	case lane <- writeRequest{ctx: ctx, key: key, value: value, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
