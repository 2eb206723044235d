// Package forwarder implements the Server Message Queue (§4.3): fair
// per-peer outbound scheduling, inbound receive queues, and the
// route(msg) resolution between local sessions, in-flight migrations,
// and OSEG.
package forwarder

import (
	"context"
	"sync"

	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/wire"
)

// RouteOutcome tags what Route did with a datagram (§4.3).
type RouteOutcome int

const (
	RouteDelivered RouteOutcome = iota
	RouteBuffered
	RouteBackpressure
	RouteDropped
	RoutePending
)

// SessionDirectory delivers a datagram to a locally-enabled object
// session. Implemented by the session package; kept as an interface
// here so forwarder never imports session (session imports forwarder).
type SessionDirectory interface {
	Deliver(dg model.Datagram) bool
}

// TransitRegistry reports whether an object has an outstanding
// migration record as source or destination, buffering the datagram
// into that record's pending_forward_queue when so (§4.3 step 2).
// Implemented by the migration package.
type TransitRegistry interface {
	BufferIfTransit(dg model.Datagram) bool
}

// DirectoryLookup is the subset of oseg.OSEG that Route needs.
type DirectoryLookup interface {
	Lookup(id ids.ObjectId) LookupResult
	OnLookupComplete(func(id ids.ObjectId, server ids.ServerId))
}

// LookupResult mirrors oseg.LookupResult's shape without importing
// oseg, so DirectoryLookup stays a narrow, adapter-friendly interface.
type LookupResult struct {
	Outcome LookupOutcome
	Server  ids.ServerId
}

type LookupOutcome int

const (
	LookupLocal LookupOutcome = iota
	LookupRemote
	LookupPending
)

// ConnManager is asked to make sure a peer connection exists before
// Forwarder starts queuing traffic for it (§4.3 "established lazily on
// first send"). Implemented by the network package.
type ConnManager interface {
	EnsureConnected(peer ids.ServerId)
}

// Handler processes one decoded control message received from a peer.
type Handler func(from ids.ServerId, payload []byte)

// Config collects Forwarder's tunables (§4.3, §6.4 smq.*).
type Config struct {
	Self            ids.ServerId
	PeerQueueLen    int     // smq.peer_queue_len
	RateBytesPerSec float64 // smq.rate_bytes_per_sec
	RateBurstBytes  int     // smq.rate_burst_bytes
	MaxConnectTries int     // smq.max_connect_tries; carried here but not read: no send is dropped after failed connects, and the network dial loop retries without a bound
	MaxHops         uint8   // migration.max_hops: bounds the A<->B ownership ping-pong (§4.4)
}

// Forwarder is the Server Message Queue: one fairQueue+tokenBucket per
// peer for outbound traffic, plus route() for inbound object datagrams.
type Forwarder struct {
	cfg     Config
	sink    *metrics.Sink
	sess    SessionDirectory
	transit TransitRegistry
	lookup  DirectoryLookup
	conns   ConnManager

	mu       sync.Mutex
	peers    map[ids.ServerId]*peerLink
	handlers map[wire.MessageType]Handler
	pending  map[ids.ObjectId][]model.Datagram // in-transit holding map (§4.3 step 3 Pending case)
}

type peerLink struct {
	queue   *fairQueue
	bucket  *tokenBucket
	stop    chan struct{}
	tries   int
}

// New constructs a Forwarder. sess/transit/lookup/conns may be nil at
// construction and set later via the Wire* setters, since main.go
// builds these components with circular dependencies on each other
// (forwarder needs oseg's lookup; oseg's lookup listener needs
// forwarder to drain pending datagrams).
func New(cfg Config, sink *metrics.Sink) *Forwarder {
	f := &Forwarder{
		cfg:      cfg,
		sink:     sink,
		peers:    map[ids.ServerId]*peerLink{},
		handlers: map[wire.MessageType]Handler{},
		pending:  map[ids.ObjectId][]model.Datagram{},
	}
	return f
}

func (f *Forwarder) WireSessionDirectory(s SessionDirectory) { f.sess = s }
func (f *Forwarder) WireTransitRegistry(t TransitRegistry)   { f.transit = t }
func (f *Forwarder) WireConnManager(c ConnManager)           { f.conns = c }

// WireLookup attaches the directory lookup source and registers the
// callback that drains datagrams stashed while a lookup was Pending.
func (f *Forwarder) WireLookup(l DirectoryLookup) {
	f.lookup = l
	l.OnLookupComplete(f.drainPending)
}

// RegisterHandler installs the handler invoked for an inbound control
// message of the given type (MigratePayload, MigrationAck,
// DirectoryUpdate, KillObjectConnection - everything except
// ObjectDatagram, which always goes through Route).
func (f *Forwarder) RegisterHandler(msgType wire.MessageType, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = h
}

func (f *Forwarder) drainPending(id ids.ObjectId, server ids.ServerId) {
	f.mu.Lock()
	buffered := f.pending[id]
	delete(f.pending, id)
	f.mu.Unlock()
	for _, dg := range buffered {
		if server == f.cfg.Self {
			if f.sess != nil && f.sess.Deliver(dg) {
				continue
			}
			nlog.Warningf("forwarder: oseg resolved %s as local but no session found; dropping", dg.DstObj)
			f.sink.ForwarderDrops.Inc()
			continue
		}
		f.routeResolved(dg, server)
	}
}

// Route implements §4.3's three-step resolution for one ObjectDatagram.
func (f *Forwarder) Route(dg model.Datagram) RouteOutcome {
	if f.sess != nil && f.sess.Deliver(dg) {
		return RouteDelivered
	}
	if f.transit != nil && f.transit.BufferIfTransit(dg) {
		return RouteBuffered
	}
	if f.lookup == nil {
		f.sink.ForwarderDrops.Inc()
		return RouteDropped
	}
	res := f.lookup.Lookup(dg.DstObj)
	switch res.Outcome {
	case LookupLocal:
		if f.sess != nil && f.sess.Deliver(dg) {
			return RouteDelivered
		}
		nlog.Warningf("forwarder: oseg says %s is local but no session found; dropping (session just closed)", dg.DstObj)
		f.sink.ForwarderDrops.Inc()
		return RouteDropped
	case LookupRemote:
		return f.routeResolved(dg, res.Server)
	default: // LookupPending
		f.mu.Lock()
		f.pending[dg.DstObj] = append(f.pending[dg.DstObj], dg)
		f.mu.Unlock()
		return RoutePending
	}
}

func (f *Forwarder) routeResolved(dg model.Datagram, peer ids.ServerId) RouteOutcome {
	if f.cfg.MaxHops > 0 && dg.Hops >= f.cfg.MaxHops {
		nlog.Warningf("forwarder: dropping datagram for %s after %d hops (ownership ping-pong bound)", dg.DstObj, dg.Hops)
		f.sink.MigrationHopDrops.Inc()
		return RouteDropped
	}
	source := SourceKey{Kind: SourceObject, Object: dg.SrcObj}
	if f.EnqueueOutbound(peer, source, wire.TypeObjectDatagram, wire.EncodeObjectDatagram(&wire.ObjectDatagram{
		SrcServer: dg.SrcServer, SrcObj: dg.SrcObj, DstObj: dg.DstObj,
		SrcPort: dg.SrcPort, DstPort: dg.DstPort, Hops: dg.Hops + 1, Bytes: dg.Bytes,
	})) {
		return RouteDelivered
	}
	f.sink.ForwarderBackpressure.Inc()
	return RouteBackpressure
}

func (f *Forwarder) peerLinkFor(peer ids.ServerId) *peerLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	pl, ok := f.peers[peer]
	if !ok {
		pl = &peerLink{
			queue:  newFairQueue(f.cfg.PeerQueueLen),
			bucket: newTokenBucket(f.cfg.RateBytesPerSec, f.cfg.RateBurstBytes),
			stop:   make(chan struct{}),
		}
		f.peers[peer] = pl
		if f.conns != nil {
			f.conns.EnsureConnected(peer)
		}
	}
	return pl
}

// EnqueueOutbound queues a frame for delivery to peer under fair
// scheduling, triggering a lazy connect if this is the first traffic
// to that peer. Returns false (Backpressure) if the peer's queue is
// full.
func (f *Forwarder) EnqueueOutbound(peer ids.ServerId, source SourceKey, msgType wire.MessageType, payload []byte) bool {
	pl := f.peerLinkFor(peer)
	ok := pl.queue.Push(source, msgType, payload)
	if ok {
		f.sink.ForwarderQueueDepth.WithLabelValues(peer.String()).Set(float64(pl.queue.Len()))
	}
	return ok
}

// Broadcast enqueues payload to every currently-known peer (used by
// oseg's tombstone/directory-update broadcasts). Peers never contacted
// yet are not included - directory updates about objects they never
// cached are harmless to miss.
func (f *Forwarder) Broadcast(msgType wire.MessageType, payload []byte) {
	f.mu.Lock()
	peers := make([]ids.ServerId, 0, len(f.peers))
	for p := range f.peers {
		peers = append(peers, p)
	}
	f.mu.Unlock()
	for _, p := range peers {
		f.EnqueueOutbound(p, SourceKey{Kind: SourceService, Service: "directory"}, msgType, payload)
	}
}

// SendTo enqueues a single addressed control message (oseg's
// MigrationAck emission uses this via the Broadcaster interface).
func (f *Forwarder) SendTo(peer ids.ServerId, msgType wire.MessageType, payload []byte) {
	f.EnqueueOutbound(peer, SourceKey{Kind: SourceService, Service: "oseg"}, msgType, payload)
}

// NextForPeer blocks until a frame is ready to send to peer, pacing
// delivery against that peer's token bucket. Called by the network
// executor's per-connection writer loop.
func (f *Forwarder) NextForPeer(ctx context.Context, peer ids.ServerId) (wire.MessageType, []byte, bool) {
	pl := f.peerLinkFor(peer)
	for {
		item, ok := pl.queue.Pop()
		if !ok {
			if !pl.queue.Wait(pl.stop) {
				return 0, nil, false
			}
			continue
		}
		if err := pl.bucket.Wait(ctx, len(item.payload)); err != nil {
			return 0, nil, false
		}
		f.sink.ForwarderQueueDepth.WithLabelValues(peer.String()).Set(float64(pl.queue.Len()))
		return item.msgType, item.payload, true
	}
}

// ClosePeer stops a peer's outbound pump (used on persistent connect
// failure or the symmetric-connection tie-break's losing side).
func (f *Forwarder) ClosePeer(peer ids.ServerId) {
	f.mu.Lock()
	pl, ok := f.peers[peer]
	delete(f.peers, peer)
	f.mu.Unlock()
	if ok {
		close(pl.stop)
	}
}

// Receive dispatches one inbound frame already read off the wire:
// ObjectDatagram goes through Route; every other type goes to its
// registered Handler.
func (f *Forwarder) Receive(from ids.ServerId, msgType wire.MessageType, payload []byte) {
	if msgType == wire.TypeObjectDatagram {
		dg, err := wire.DecodeObjectDatagram(payload)
		if err != nil {
			nlog.Warningf("forwarder: bad ObjectDatagram from %s: %v", from, err)
			return
		}
		f.Route(model.Datagram{
			SrcServer: dg.SrcServer, SrcObj: dg.SrcObj, DstObj: dg.DstObj,
			SrcPort: dg.SrcPort, DstPort: dg.DstPort, Hops: dg.Hops, Bytes: dg.Bytes,
		})
		return
	}
	f.mu.Lock()
	h, ok := f.handlers[msgType]
	f.mu.Unlock()
	if !ok {
		nlog.Warningf("forwarder: no handler registered for message type %s from %s", msgType, from)
		return
	}
	h(from, payload)
}

// PeerCount reports how many peer links currently exist. Exposed for
// the admin package's /stats snapshot.
func (f *Forwarder) PeerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// QueueDepths reports each peer's current outbound queue depth,
// keyed by the peer's string form. Exposed for the admin package's
// /stats snapshot.
func (f *Forwarder) QueueDepths() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.peers))
	for p, pl := range f.peers {
		out[p.String()] = pl.queue.Len()
	}
	return out
}

// KeepOutbound implements the symmetric-connection tie-break (§4.3):
// the side with the smaller ServerId keeps its own outbound stream.
func KeepOutbound(self, peer ids.ServerId) bool { return self < peer }
