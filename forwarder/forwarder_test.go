package forwarder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/wire"
)

type fakeSessions struct {
	mu   sync.Mutex
	seen []model.Datagram
	ok   bool
}

func (f *fakeSessions) Deliver(dg model.Datagram) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ok {
		f.seen = append(f.seen, dg)
	}
	return f.ok
}

type fakeTransit struct{ buffered bool }

func (f *fakeTransit) BufferIfTransit(model.Datagram) bool { return f.buffered }

type fakeLookup struct {
	result    LookupResult
	listeners []func(ids.ObjectId, ids.ServerId)
}

func (f *fakeLookup) Lookup(ids.ObjectId) LookupResult { return f.result }
func (f *fakeLookup) OnLookupComplete(fn func(ids.ObjectId, ids.ServerId)) {
	f.listeners = append(f.listeners, fn)
}
func (f *fakeLookup) fire(id ids.ObjectId, server ids.ServerId) {
	for _, l := range f.listeners {
		l(id, server)
	}
}

type fakeConns struct{ ensured []ids.ServerId }

func (f *fakeConns) EnsureConnected(peer ids.ServerId) { f.ensured = append(f.ensured, peer) }

func newTestForwarder() (*Forwarder, *fakeSessions, *fakeTransit, *fakeLookup, *fakeConns) {
	f := New(Config{Self: 1, PeerQueueLen: 8, RateBytesPerSec: 0, MaxConnectTries: 3}, metrics.NewForTest())
	sess := &fakeSessions{}
	transit := &fakeTransit{}
	lookup := &fakeLookup{}
	conns := &fakeConns{}
	f.WireSessionDirectory(sess)
	f.WireTransitRegistry(transit)
	f.WireLookup(lookup)
	f.WireConnManager(conns)
	return f, sess, transit, lookup, conns
}

func TestRouteDeliversLocalSession(t *testing.T) {
	f, sess, _, _, _ := newTestForwarder()
	sess.ok = true
	dg := model.Datagram{SrcObj: ids.ObjectId{1}, DstObj: ids.ObjectId{2}, Bytes: []byte("hi")}
	if out := f.Route(dg); out != RouteDelivered {
		t.Fatalf("expected Delivered, got %v", out)
	}
}

func TestRouteBuffersTransit(t *testing.T) {
	f, _, transit, _, _ := newTestForwarder()
	transit.buffered = true
	dg := model.Datagram{SrcObj: ids.ObjectId{1}, DstObj: ids.ObjectId{2}}
	if out := f.Route(dg); out != RouteBuffered {
		t.Fatalf("expected Buffered, got %v", out)
	}
}

func TestRouteRemoteEnqueues(t *testing.T) {
	f, _, _, lookup, conns := newTestForwarder()
	lookup.result = LookupResult{Outcome: LookupRemote, Server: 2}
	dg := model.Datagram{SrcObj: ids.ObjectId{1}, DstObj: ids.ObjectId{2}, Bytes: []byte("hi")}
	if out := f.Route(dg); out != RouteDelivered {
		t.Fatalf("expected Delivered (enqueued), got %v", out)
	}
	if len(conns.ensured) != 1 || conns.ensured[0] != 2 {
		t.Fatalf("expected lazy connect to peer 2, got %v", conns.ensured)
	}

	msgType, payload, ok := f.NextForPeer(context.Background(), 2)
	if !ok || msgType != wire.TypeObjectDatagram {
		t.Fatalf("expected an ObjectDatagram frame ready for peer 2, got ok=%v type=%v", ok, msgType)
	}
	decoded, err := wire.DecodeObjectDatagram(payload)
	if err != nil || decoded.DstObj != dg.DstObj {
		t.Fatalf("unexpected decoded frame: %+v err=%v", decoded, err)
	}
}

func TestRouteLocalMissingSessionDrops(t *testing.T) {
	f, sess, _, lookup, _ := newTestForwarder()
	sess.ok = false
	lookup.result = LookupResult{Outcome: LookupLocal, Server: 1}
	dg := model.Datagram{SrcObj: ids.ObjectId{1}, DstObj: ids.ObjectId{2}}
	if out := f.Route(dg); out != RouteDropped {
		t.Fatalf("expected Dropped, got %v", out)
	}
}

func TestRoutePendingThenDrainsOnLookupComplete(t *testing.T) {
	f, sess, _, lookup, _ := newTestForwarder()
	lookup.result = LookupResult{Outcome: LookupPending}
	dst := ids.ObjectId{9}
	dg := model.Datagram{SrcObj: ids.ObjectId{1}, DstObj: dst, Bytes: []byte("x")}
	if out := f.Route(dg); out != RoutePending {
		t.Fatalf("expected Pending, got %v", out)
	}

	// Once resolved Local, the stashed datagram should deliver to the
	// session directory.
	lookup.result = LookupResult{Outcome: LookupLocal, Server: 1}
	sess.ok = true
	lookup.fire(dst, 1)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.seen) != 1 {
		t.Fatalf("expected the stashed datagram to be delivered, got %d", len(sess.seen))
	}
}

func TestEnqueueOutboundRespectsCapacity(t *testing.T) {
	f := New(Config{Self: 1, PeerQueueLen: 1, RateBytesPerSec: 0}, metrics.NewForTest())
	f.WireConnManager(&fakeConns{})
	source := SourceKey{Kind: SourceObject, Object: ids.ObjectId{1}}
	if !f.EnqueueOutbound(2, source, wire.TypeObjectDatagram, []byte("a")) {
		t.Fatal("expected first enqueue to succeed")
	}
	if f.EnqueueOutbound(2, source, wire.TypeObjectDatagram, []byte("b")) {
		t.Fatal("expected second enqueue to hit capacity and report Backpressure")
	}
}

func TestKeepOutboundTieBreak(t *testing.T) {
	if !KeepOutbound(1, 2) {
		t.Fatal("expected the lower ServerId to keep its outbound stream")
	}
	if KeepOutbound(2, 1) {
		t.Fatal("expected the higher ServerId to yield its outbound stream")
	}
}

func TestFairQueueOrdersBySmallestFinishTime(t *testing.T) {
	q := newFairQueue(16)
	small := SourceKey{Kind: SourceObject, Object: ids.ObjectId{1}}
	big := SourceKey{Kind: SourceObject, Object: ids.ObjectId{2}}
	q.Push(big, wire.TypeObjectDatagram, make([]byte, 1000))
	q.Push(small, wire.TypeObjectDatagram, make([]byte, 10))

	first, ok := q.Pop()
	if !ok || first.source != small {
		t.Fatalf("expected the smaller message to win the first slot, got %+v", first)
	}
}

func TestTokenBucketPacesLargeSends(t *testing.T) {
	b := newTokenBucket(100, 100) // 100 B/s, burst 100
	if err := b.Wait(context.Background(), 100); err != nil {
		t.Fatalf("expected burst to cover the first send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Wait(ctx, 100); err == nil {
		t.Fatal("expected the second send to be rate-limited past a 10ms budget")
	}
}
