// Package oseg implements Object Segmentation (spec §4.2): the
// distributed directory mapping each ObjectId to the ServerId
// currently simulating it, backed by an external KV store with a
// local LRU/TTL cache and the transit bookkeeping that keeps lookups
// consistent with Invariant I1 (single owner) during migration.
package oseg

import (
	"context"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/sirispace/spaceserver/cmn/debug"
	cmnerrors "github.com/sirispace/spaceserver/cmn/errors"
	"github.com/sirispace/spaceserver/cmn/mono"
	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/directory"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/wire"
)

// Outcome tags a Lookup result (§4.2).
type Outcome int

const (
	OutcomeLocal Outcome = iota
	OutcomeRemote
	OutcomePending
)

// LookupResult is the value returned by Lookup. Server is only
// meaningful for OutcomeLocal/OutcomeRemote.
type LookupResult struct {
	Outcome Outcome
	Server  ids.ServerId
}

// Broadcaster sends a DirectoryUpdate (or any other inter-server
// message) to peers; injected so OSEG never constructs its own
// network client (DESIGN NOTES: explicit builder, no singletons).
type Broadcaster interface {
	SendTo(peer ids.ServerId, msgType wire.MessageType, payload []byte)
	Broadcast(msgType wire.MessageType, payload []byte)
}

// Config collects OSEG's tunables (§4.2, §6.4).
type Config struct {
	Self             ids.ServerId
	Prefix           byte // oseg.prefix: namespaces this deployment's directory keys
	CacheCapacity    int  // oseg.cache.size (typical 200)
	CacheTTL         time.Duration // oseg.cache.ttl (typical 8s)
	NotFoundSitOut   time.Duration // oseg.not_found_retry_ms (typical 500ms)
	NotFoundMaxTries int           // implementation-chosen bound on not-found retries
	ReadWorkers      int
	WriteWorkers     int
	QueueLen         int // oseg.lookup_queue and the write pool's queue depth
}

// OSEG is the directory + cache + local transit state of one server.
// Every exported method is expected to be called from the owning
// (main) executor per §5; asynchronous directory work is dispatched
// to goroutines and its completion is delivered back through `post`.
type OSEG struct {
	cfg  Config
	post func(func())

	reads  *directory.ReadPool
	writes *directory.WritePool
	sink   *metrics.Sink
	bcast  Broadcaster

	mu sync.Mutex // guards everything below; see note in doc comment

	owned    map[ids.ObjectId]struct{}
	transit  map[ids.ObjectId]transitInfo
	receiving map[ids.ObjectId]struct{}
	cache    *lruCache

	notFoundFilter *cuckoo.Filter
	notFoundSince  map[ids.ObjectId]int64
	notFoundTries  map[ids.ObjectId]int

	lookupListeners []LookupCompleteListener
	addNewListeners []AddNewListener
}

// LookupCompleteListener fires when a Pending lookup resolves (§4.2
// on_lookup_complete).
type LookupCompleteListener func(id ids.ObjectId, server ids.ServerId)

// AddNewListener fires when an AddNew's directory write completes
// (§4.2 "notifies a listener (the session gatekeeper)").
type AddNewListener func(id ids.ObjectId, err error)

// New constructs an OSEG instance. post is the owning executor's Post
// method (or an equivalent single-goroutine dispatcher); store is the
// backend behind both pools (§6.3).
//
// A single mutex guards OSEG's maps even though §5 describes this
// state as owned outright by the main executor with no lock-based
// sharing: the lock here only ever protects the brief window between
// an async directory callback (running on a pool goroutine) and its
// being handed to `post` - it is not held across I/O or executor
// dispatch, and every *exported* call is still expected to originate
// on the owning executor, preserving the hot-path invariant the spec
// asks for.
func New(cfg Config, store directory.Backend, sink *metrics.Sink, bcast Broadcaster, post func(func())) *OSEG {
	filter := cuckoo.NewFilter(1024)
	return &OSEG{
		cfg:    cfg,
		post:   post,
		reads:  directory.NewReadPool(store, max1(cfg.ReadWorkers), max1(cfg.QueueLen)),
		writes: directory.NewWritePool(store, max1(cfg.WriteWorkers), max1(cfg.QueueLen)),
		sink:   sink,
		bcast:  bcast,

		owned:     map[ids.ObjectId]struct{}{},
		transit:   map[ids.ObjectId]transitInfo{},
		receiving: map[ids.ObjectId]struct{}{},
		cache:     newLRUCache(cfg.CacheCapacity, cfg.CacheTTL),

		notFoundFilter: filter,
		notFoundSince:  map[ids.ObjectId]int64{},
		notFoundTries:  map[ids.ObjectId]int{},
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (o *OSEG) key(id ids.ObjectId) string {
	return string(o.cfg.Prefix) + id.Hex()
}

// OnLookupComplete registers a listener invoked whenever a Pending
// lookup resolves.
func (o *OSEG) OnLookupComplete(l LookupCompleteListener) {
	o.mu.Lock()
	o.lookupListeners = append(o.lookupListeners, l)
	o.mu.Unlock()
}

// OnAddNew registers a listener invoked when add_new's directory write
// completes, successfully or not.
func (o *OSEG) OnAddNew(l AddNewListener) {
	o.mu.Lock()
	o.addNewListeners = append(o.addNewListeners, l)
	o.mu.Unlock()
}

// Lookup answers id -> owner per §4.2's four-step resolution.
func (o *OSEG) Lookup(id ids.ObjectId) LookupResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lookupLocked(id)
}

func (o *OSEG) lookupLocked(id ids.ObjectId) LookupResult {
	if _, ok := o.owned[id]; ok {
		return LookupResult{Outcome: OutcomeLocal, Server: o.cfg.Self}
	}
	if t, ok := o.transit[id]; ok && t.kind == transitMigrating {
		// still authoritative here per I1 until the ack arrives.
		return LookupResult{Outcome: OutcomeLocal, Server: o.cfg.Self}
	}
	if owner, ok := o.cache.Get(id); ok && owner != o.cfg.Self {
		o.sink.OsegCacheHits.Inc()
		return LookupResult{Outcome: OutcomeRemote, Server: owner}
	}
	o.sink.OsegCacheMisses.Inc()
	o.startAsyncLookup(id)
	return LookupResult{Outcome: OutcomePending}
}

// startAsyncLookup enqueues a directory read if one isn't already
// outstanding for id, honoring the not-found sit-out. The cuckoo
// filter gates entry to that check: an id the filter has never seen
// cannot possibly be sitting out, so startAsyncLookup skips the
// notFoundSince lookup entirely for the common case of an id that has
// never once come back not-found.
func (o *OSEG) startAsyncLookup(id ids.ObjectId) {
	if _, inflight := o.transit[id]; inflight {
		return
	}
	if o.notFoundFilter.Lookup(id[:]) {
		if since, suppressed := o.notFoundSince[id]; suppressed {
			if !mono.Expired(since, o.cfg.NotFoundSitOut) {
				return // still sitting out a prior not-found answer
			}
		}
	}
	o.transit[id] = transitInfo{kind: transitLookup, since: mono.NanoTime()}
	o.sink.OsegLookupPending.Inc()

	key := o.key(id)
	go func() {
		value, found, err := o.reads.Get(context.Background(), key)
		o.post(func() { o.finishLookup(id, value, found, err) })
	}()
}

func (o *OSEG) finishLookup(id ids.ObjectId, value []byte, found bool, err error) {
	o.mu.Lock()
	delete(o.transit, id)
	if err != nil {
		nlog.Warningf("oseg: directory read failed for %s: %v", id, err)
		o.mu.Unlock()
		return // backend unreachable: caller's next lookup() re-enqueues (§4.2 error conditions)
	}
	if !found {
		o.notFoundSince[id] = mono.NanoTime()
		o.notFoundTries[id]++
		_ = o.notFoundFilter.InsertUnique(id[:])
		tries := o.notFoundTries[id]
		o.sink.OsegNotFoundRetries.Inc()
		o.mu.Unlock()
		if o.cfg.NotFoundMaxTries <= 0 || tries < o.cfg.NotFoundMaxTries {
			o.scheduleNotFoundRetry(id)
		}
		// a not-found answer never surfaces as a hard error (§4.2/§8
		// scenario 6): the lookup simply remains Pending.
		return
	}
	owner, _, decodeErr := wire.DecodeDirectoryValue(value)
	if decodeErr != nil {
		nlog.Warningf("oseg: corrupt directory value for %s: %v", id, decodeErr)
		o.mu.Unlock()
		return
	}
	o.cache.Insert(id, owner, mono.NanoTime())
	if _, wasSuppressed := o.notFoundSince[id]; wasSuppressed {
		_ = o.notFoundFilter.Delete(id[:])
	}
	delete(o.notFoundSince, id)
	delete(o.notFoundTries, id)
	listeners := append([]LookupCompleteListener(nil), o.lookupListeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l(id, owner)
	}
}

func (o *OSEG) scheduleNotFoundRetry(id ids.ObjectId) {
	time.AfterFunc(o.cfg.NotFoundSitOut, func() {
		o.post(func() {
			o.mu.Lock()
			_, stillWanted := o.notFoundSince[id]
			_, owned := o.owned[id]
			o.mu.Unlock()
			if stillWanted && !owned {
				o.mu.Lock()
				o.startAsyncLookup(id)
				o.mu.Unlock()
			}
		})
	})
}

// AddNew registers id as newly owned locally, writing the directory
// entry and notifying AddNewListeners on completion. Idempotent: a
// second call for an already-owned id is a no-op beyond notifying
// listeners immediately (§4.2).
func (o *OSEG) AddNew(id ids.ObjectId, radius float32) {
	o.mu.Lock()
	if _, already := o.owned[id]; already {
		o.mu.Unlock()
		o.notifyAddNew(id, nil)
		return
	}
	o.owned[id] = struct{}{}
	o.mu.Unlock()

	key := o.key(id)
	value := wire.EncodeDirectoryValue(o.cfg.Self, radius)
	go func() {
		err := o.writes.Set(context.Background(), key, value)
		o.post(func() { o.notifyAddNew(id, err) })
	}()
}

func (o *OSEG) notifyAddNew(id ids.ObjectId, err error) {
	o.mu.Lock()
	listeners := append([]AddNewListener(nil), o.addNewListeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l(id, err)
	}
}

// ClearToMigrate reports whether id may begin a new migration: neither
// mid-migration-out awaiting ack, nor mid-migration-in awaiting ack
// (§4.2).
func (o *OSEG) ClearToMigrate(id ids.ObjectId) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.transit[id]; ok && t.kind == transitMigrating {
		return false
	}
	if _, ok := o.receiving[id]; ok {
		return false
	}
	return true
}

// MigrateOut moves id from owned into a Migrating transit record
// (§4.2). The precondition (owned && ClearToMigrate) is the caller's
// responsibility per the Migration Monitor's protocol (§4.4); MigrateOut
// returns an error rather than panicking if it's violated, since a
// racing session teardown can legitimately invalidate the precondition
// between the monitor's check and this call.
func (o *OSEG) MigrateOut(id ids.ObjectId, newServer ids.ServerId) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.owned[id]; !ok {
		return cmnerrors.ProtocolViolation("oseg: migrate_out(%s): not locally owned", id)
	}
	if t, ok := o.transit[id]; ok && t.kind == transitMigrating {
		return cmnerrors.ProtocolViolation("oseg: migrate_out(%s): already migrating to %s", id, t.to)
	}
	if _, ok := o.receiving[id]; ok {
		return cmnerrors.ProtocolViolation("oseg: migrate_out(%s): incoming migration in progress", id)
	}
	delete(o.owned, id)
	o.transit[id] = transitInfo{kind: transitMigrating, to: newServer, since: mono.NanoTime()}
	_, stillOwned := o.owned[id]
	debug.Assertf(!stillOwned, "oseg: migrate_out(%s): owned and transit-migrating both set", id)
	return nil
}

// AcceptMigration is called on the destination when a MigratePayload
// (and the matching object-host Connect) has been installed locally
// (§4.4). It writes the new ownership to the directory and, if genAck,
// emits a MigrationAck and promotes id into owned once the write
// completes.
func (o *OSEG) AcceptMigration(id ids.ObjectId, radius float32, ackTo ids.ServerId, genAck bool) {
	o.mu.Lock()
	if _, already := o.owned[id]; already {
		// idempotent per I1t: a duplicate accept_migration for an id
		// already promoted produces no second write and no second ack.
		o.mu.Unlock()
		return
	}
	o.receiving[id] = struct{}{}
	o.mu.Unlock()

	key := o.key(id)
	value := wire.EncodeDirectoryValue(o.cfg.Self, radius)
	go func() {
		err := o.writes.Set(context.Background(), key, value)
		o.post(func() { o.finishAcceptMigration(id, ackTo, genAck, err) })
	}()
}

func (o *OSEG) finishAcceptMigration(id ids.ObjectId, ackTo ids.ServerId, genAck bool, err error) {
	if err != nil {
		nlog.Warningf("oseg: accept_migration directory write failed for %s: %v", id, err)
		// the write is not re-issued and no ack is sent; receiving[id]
		// stays set, so ClearToMigrate keeps refusing id.
		return
	}
	o.mu.Lock()
	if _, stillReceiving := o.receiving[id]; !stillReceiving {
		o.mu.Unlock()
		return // duplicate completion; already promoted (I1t)
	}
	delete(o.receiving, id)
	o.owned[id] = struct{}{}
	_, stillReceiving := o.receiving[id]
	debug.Assertf(!stillReceiving, "oseg: accept_migration(%s): receiving not cleared before promotion", id)
	o.mu.Unlock()

	if genAck {
		ack := &wire.MigrationAck{From: o.cfg.Self, To: ackTo, Object: id}
		o.bcast.SendTo(ackTo, wire.TypeMigrationAck, wire.EncodeMigrationAck(ack))
	}
}

// ReceiveMigrationAck processes an inbound MigrationAck on the source
// server (A in §4.4): inserts (id, B) into the cache *before* removing
// the transit record, so any lookup immediately following resolves to
// B (§4.2 ordering rule).
func (o *OSEG) ReceiveMigrationAck(ack *wire.MigrationAck) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.transit[ack.Object]; !ok || t.kind != transitMigrating || t.to != ack.From {
		nlog.Warningf("oseg: stale or mismatched migration ack for %s from %s", ack.Object, ack.From)
		return
	}
	o.cache.Insert(ack.Object, ack.From, mono.NanoTime())
	delete(o.transit, ack.Object)
}

// ReceiveDirectoryUpdate handles an unsolicited broadcast: cache only,
// never owned (§4.2). Owner == NullServer is a tombstone and simply
// evicts the cache entry.
func (o *OSEG) ReceiveDirectoryUpdate(u *wire.DirectoryUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if u.Owner.IsNull() {
		o.cache.Remove(u.Object)
		return
	}
	o.cache.Insert(u.Object, u.Owner, mono.NanoTime())
}

// RemoveOwned tears down a locally-owned object (session disconnect):
// removes it from owned and tombstones it (SPEC_FULL §4.4 "Tombstone
// propagation"). A no-op if id isn't owned.
func (o *OSEG) RemoveOwned(id ids.ObjectId) {
	o.mu.Lock()
	if _, ok := o.owned[id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.owned, id)
	o.mu.Unlock()
	o.writeTombstone(id)
}

// Tombstone unconditionally tombstones id, clearing any owned or
// receiving bookkeeping first: used both by RemoveOwned (an id that
// was fully owned) and by the migration destination's grace-timeout
// cleanup pass (an id whose MigratePayload installed local simulation
// state but whose object-host Connect never arrived, so the id was
// never promoted into owned at all - SPEC_FULL §4.4).
func (o *OSEG) Tombstone(id ids.ObjectId) {
	o.mu.Lock()
	delete(o.owned, id)
	delete(o.receiving, id)
	o.mu.Unlock()
	o.writeTombstone(id)
}

func (o *OSEG) writeTombstone(id ids.ObjectId) {
	key := o.key(id)
	value := wire.EncodeDirectoryValue(ids.NullServer, 0)
	go func() {
		err := o.writes.Set(context.Background(), key, value)
		if err != nil {
			nlog.Warningf("oseg: tombstone write failed for %s: %v", id, err)
			return
		}
		o.post(func() {
			o.bcast.Broadcast(wire.TypeDirectoryUpdate, wire.EncodeDirectoryUpdate(&wire.DirectoryUpdate{
				Object: id, Owner: ids.NullServer,
			}))
		})
	}()
}

// Reconcile re-reads id's directory entry and compares it to local
// state (§4.2 error conditions: "Directory returns a value different
// from what was written and acked"). A divergence updates the cache to
// match the external read - it is truth - but never dispossesses a
// locally-owned object on this signal alone; re-announcement happens
// through the object's next natural write (AddNew/AcceptMigration).
func (o *OSEG) Reconcile(id ids.ObjectId) {
	key := o.key(id)
	go func() {
		value, found, err := o.reads.Get(context.Background(), key)
		if err != nil || !found {
			return
		}
		owner, _, decodeErr := wire.DecodeDirectoryValue(value)
		if decodeErr != nil {
			return
		}
		o.post(func() {
			o.mu.Lock()
			_, isOwned := o.owned[id]
			o.mu.Unlock()
			if isOwned && owner != o.cfg.Self {
				o.sink.OsegInconsistencies.Inc()
				nlog.Warningf("oseg: inconsistency for %s: directory says %s, locally owned here", id, owner)
			}
			o.mu.Lock()
			o.cache.Insert(id, owner, mono.NanoTime())
			o.mu.Unlock()
		})
	}()
}

// IsOwned reports whether id is currently locally owned.
func (o *OSEG) IsOwned(id ids.ObjectId) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.owned[id]
	return ok
}

// OwnedCount reports how many objects this server currently owns.
// Exposed for the admin package's /stats snapshot.
func (o *OSEG) OwnedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.owned)
}
