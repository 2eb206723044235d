package forwarder

import (
	"container/heap"
	"sync"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/wire"
)

// SourceKind distinguishes the two kinds of traffic sources the fair
// queue schedules between (§4.3 "tagged by source (object id or
// service id)").
type SourceKind int

const (
	SourceObject SourceKind = iota
	SourceService
)

// SourceKey identifies one flow competing for a peer link's bandwidth.
type SourceKey struct {
	Kind    SourceKind
	Object  ids.ObjectId
	Service string
}

const defaultWeight = 1.0

// outboundItem is one queued frame awaiting its turn on a peer link.
type outboundItem struct {
	source  SourceKey
	msgType wire.MessageType
	payload []byte
	finish  float64
	seq     uint64
	index   int
}

// wfqHeap orders outboundItems by virtual finish time, breaking ties by
// enqueue sequence to keep the scheduler deterministic.
type wfqHeap []*outboundItem

func (h wfqHeap) Len() int { return len(h) }
func (h wfqHeap) Less(i, j int) bool {
	if h[i].finish != h[j].finish {
		return h[i].finish < h[j].finish
	}
	return h[i].seq < h[j].seq
}
func (h wfqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *wfqHeap) Push(x any) {
	item := x.(*outboundItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *wfqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// fairQueue is one peer's outbound scheduler: weighted-fair queuing
// across sources (§4.3 "the next source dequeued is the one with the
// smallest virtual-finish time"), bounded by item count so a stalled
// peer can't grow memory without bound.
type fairQueue struct {
	mu sync.Mutex

	capacity    int
	virtualTime float64
	lastFinish  map[SourceKey]float64
	weights     map[SourceKey]float64
	heap        wfqHeap
	seq         uint64

	notEmpty chan struct{}
}

func newFairQueue(capacity int) *fairQueue {
	return &fairQueue{
		capacity:   capacity,
		lastFinish: map[SourceKey]float64{},
		weights:    map[SourceKey]float64{},
		notEmpty:   make(chan struct{}, 1),
	}
}

func (q *fairQueue) SetWeight(source SourceKey, weight float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if weight <= 0 {
		weight = defaultWeight
	}
	q.weights[source] = weight
}

func (q *fairQueue) weightOf(source SourceKey) float64 {
	if w, ok := q.weights[source]; ok {
		return w
	}
	return defaultWeight
}

// Push enqueues a frame, returning false if the peer's queue is at
// capacity (§4.3 Backpressure).
func (q *fairQueue) Push(source SourceKey, msgType wire.MessageType, payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.capacity {
		return false
	}
	start := q.virtualTime
	if lf, ok := q.lastFinish[source]; ok && lf > start {
		start = lf
	}
	cost := float64(len(payload)) / q.weightOf(source)
	finish := start + cost
	q.lastFinish[source] = finish
	q.seq++
	heap.Push(&q.heap, &outboundItem{source: source, msgType: msgType, payload: payload, finish: finish, seq: q.seq})
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return true
}

// Pop removes and returns the item with the smallest finish time, or
// ok=false if the queue is currently empty.
func (q *fairQueue) Pop() (*outboundItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.heap).(*outboundItem)
	q.virtualTime = item.finish
	if len(q.heap) > 0 {
		select {
		case q.notEmpty <- struct{}{}:
		default:
		}
	}
	return item, true
}

func (q *fairQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Wait blocks until the queue is non-empty or stop fires.
func (q *fairQueue) Wait(stop <-chan struct{}) bool {
	select {
	case <-q.notEmpty:
		return true
	case <-stop:
		return false
	}
}
