package oseg

import (
	"sync"
	"testing"
	"time"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/directory"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/wire"
)

// recordingBroadcaster captures SendTo/Broadcast calls instead of
// touching a network.
type recordingBroadcaster struct {
	mu    sync.Mutex
	sent  []wire.MessageType
	bcast []wire.MessageType
}

func (r *recordingBroadcaster) SendTo(ids.ServerId, wire.MessageType, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, 0)
}

func (r *recordingBroadcaster) Broadcast(msgType wire.MessageType, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bcast = append(r.bcast, msgType)
}

// inlinePost runs posted work synchronously, mirroring a single
// owning executor closely enough for these tests: all assertions below
// happen after the goroutine side of an async call has already
// returned, so inline execution does not change serialization order.
func inlinePost(fn func()) { fn() }

func newTestOSEG(t *testing.T, self ids.ServerId) (*OSEG, *recordingBroadcaster) {
	t.Helper()
	store, err := directory.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	bcast := &recordingBroadcaster{}
	cfg := Config{
		Self:             self,
		Prefix:           'o',
		CacheCapacity:    64,
		CacheTTL:         time.Minute,
		NotFoundSitOut:   10 * time.Millisecond,
		NotFoundMaxTries: 2,
		ReadWorkers:      2,
		WriteWorkers:     2,
		QueueLen:         16,
	}
	o := New(cfg, store, metrics.NewForTest(), bcast, inlinePost)
	return o, bcast
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestLookupOwnedIsLocal(t *testing.T) {
	o, _ := newTestOSEG(t, 1)
	id := ids.ObjectId{1}
	o.AddNew(id, 5)
	waitFor(t, time.Second, func() bool { return o.IsOwned(id) })

	res := o.Lookup(id)
	if res.Outcome != OutcomeLocal || res.Server != 1 {
		t.Fatalf("expected Local/1, got %+v", res)
	}
}

// TestLookupMigratingStillLocal exercises I1: while a migrate_out is
// outstanding and unacked, lookups for the object still answer Local.
func TestLookupMigratingStillLocal(t *testing.T) {
	o, _ := newTestOSEG(t, 1)
	id := ids.ObjectId{2}
	o.AddNew(id, 5)
	waitFor(t, time.Second, func() bool { return o.IsOwned(id) })

	if !o.ClearToMigrate(id) {
		t.Fatal("expected clear to migrate before any migration starts")
	}
	if err := o.MigrateOut(id, 2); err != nil {
		t.Fatal(err)
	}
	if o.IsOwned(id) {
		t.Fatal("expected object no longer owned after migrate_out")
	}
	if o.ClearToMigrate(id) {
		t.Fatal("expected ClearToMigrate false while a migration is outstanding")
	}
	res := o.Lookup(id)
	if res.Outcome != OutcomeLocal || res.Server != 1 {
		t.Fatalf("expected Local/1 pre-ack (I1), got %+v", res)
	}
}

// TestMigrationAckOrdering exercises the ordering guarantee: once
// ReceiveMigrationAck returns, the very next Lookup must answer the new
// owner, never Pending or the old owner.
func TestMigrationAckOrdering(t *testing.T) {
	o, _ := newTestOSEG(t, 1)
	id := ids.ObjectId{3}
	o.AddNew(id, 5)
	waitFor(t, time.Second, func() bool { return o.IsOwned(id) })
	if err := o.MigrateOut(id, 2); err != nil {
		t.Fatal(err)
	}

	o.ReceiveMigrationAck(&wire.MigrationAck{From: 2, To: 1, Object: id})

	res := o.Lookup(id)
	if res.Outcome != OutcomeRemote || res.Server != 2 {
		t.Fatalf("expected Remote/2 immediately after ack, got %+v", res)
	}
}

// TestAcceptMigrationIsIdempotent covers I1t: a duplicate
// AcceptMigration for an already-owned object must not re-ack or
// re-write.
func TestAcceptMigrationIsIdempotent(t *testing.T) {
	o, bcast := newTestOSEG(t, 2)
	id := ids.ObjectId{4}

	o.AcceptMigration(id, 5, 1, true)
	waitFor(t, time.Second, func() bool { return o.IsOwned(id) })

	bcast.mu.Lock()
	sentAfterFirst := len(bcast.sent)
	bcast.mu.Unlock()
	if sentAfterFirst != 1 {
		t.Fatalf("expected exactly one ack sent, got %d", sentAfterFirst)
	}

	// duplicate accept for the same, already-owned id: no-op.
	o.AcceptMigration(id, 5, 1, true)
	time.Sleep(20 * time.Millisecond)

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	if len(bcast.sent) != 1 {
		t.Fatalf("expected no additional ack on duplicate accept, got %d total", len(bcast.sent))
	}
}

// TestLookupCacheHitSkipsDirectory exercises P5 by way of the cache:
// once ReceiveDirectoryUpdate populates the cache for a remote owner,
// Lookup answers Remote without ever going Pending.
func TestLookupCacheHitSkipsDirectory(t *testing.T) {
	o, _ := newTestOSEG(t, 1)
	id := ids.ObjectId{5}
	o.ReceiveDirectoryUpdate(&wire.DirectoryUpdate{Object: id, Owner: 9})

	res := o.Lookup(id)
	if res.Outcome != OutcomeRemote || res.Server != 9 {
		t.Fatalf("expected Remote/9 from cache, got %+v", res)
	}
}

// TestDirectoryUpdateTombstoneEvictsCache covers the tombstone case: an
// owner of NullServer clears the cache entry rather than caching
// "owned by nobody".
func TestDirectoryUpdateTombstoneEvictsCache(t *testing.T) {
	o, _ := newTestOSEG(t, 1)
	id := ids.ObjectId{6}
	o.ReceiveDirectoryUpdate(&wire.DirectoryUpdate{Object: id, Owner: 9})
	o.ReceiveDirectoryUpdate(&wire.DirectoryUpdate{Object: id, Owner: ids.NullServer})

	if _, ok := o.cache.Get(id); ok {
		t.Fatal("expected tombstone to evict the cache entry")
	}
}

// TestLookupPendingThenCompletes exercises the async directory-read
// path end to end: AddNew by one OSEG instance becomes visible as a
// Remote lookup on a second instance sharing the same backend, after
// first going Pending.
func TestLookupPendingThenCompletes(t *testing.T) {
	store, err := directory.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cfg := Config{
		Self: 1, Prefix: 'o', CacheCapacity: 64, CacheTTL: time.Minute,
		NotFoundSitOut: 10 * time.Millisecond, NotFoundMaxTries: 5,
		ReadWorkers: 2, WriteWorkers: 2, QueueLen: 16,
	}
	owner := New(cfg, store, metrics.NewForTest(), &recordingBroadcaster{}, inlinePost)
	id := ids.ObjectId{7}
	owner.AddNew(id, 5)
	waitFor(t, time.Second, func() bool { return owner.IsOwned(id) })

	cfg2 := cfg
	cfg2.Self = 2
	viewer := New(cfg2, store, metrics.NewForTest(), &recordingBroadcaster{}, inlinePost)

	var resolved ids.ServerId
	var mu sync.Mutex
	viewer.OnLookupComplete(func(_ ids.ObjectId, server ids.ServerId) {
		mu.Lock()
		resolved = server
		mu.Unlock()
	})

	first := viewer.Lookup(id)
	if first.Outcome != OutcomePending {
		t.Fatalf("expected Pending on first lookup of an uncached remote object, got %+v", first)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return resolved == 1
	})

	second := viewer.Lookup(id)
	if second.Outcome != OutcomeRemote || second.Server != 1 {
		t.Fatalf("expected Remote/1 after resolution, got %+v", second)
	}
}

// TestNotFoundSitsOutBeforeRetrying exercises §8 scenario 6: a lookup
// for an object with no directory entry yet must not retry on every
// call, only after the sit-out window elapses.
func TestNotFoundSitsOutBeforeRetrying(t *testing.T) {
	o, _ := newTestOSEG(t, 1)
	id := ids.ObjectId{8}

	first := o.Lookup(id)
	if first.Outcome != OutcomePending {
		t.Fatalf("expected Pending, got %+v", first)
	}
	waitFor(t, time.Second, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		_, inflight := o.transit[id]
		return !inflight
	})

	o.mu.Lock()
	_, suppressed := o.notFoundSince[id]
	o.mu.Unlock()
	if !suppressed {
		t.Fatal("expected a not-found result to start a sit-out window")
	}

	// immediately retrying must not start a second directory read.
	again := o.Lookup(id)
	if again.Outcome != OutcomePending {
		t.Fatalf("expected Pending (still sitting out), got %+v", again)
	}
}

func TestRemoveOwnedBroadcastsTombstone(t *testing.T) {
	o, bcast := newTestOSEG(t, 1)
	id := ids.ObjectId{9}
	o.AddNew(id, 5)
	waitFor(t, time.Second, func() bool { return o.IsOwned(id) })

	o.RemoveOwned(id)
	waitFor(t, time.Second, func() bool {
		bcast.mu.Lock()
		defer bcast.mu.Unlock()
		return len(bcast.bcast) == 1
	})

	if o.IsOwned(id) {
		t.Fatal("expected object no longer owned after RemoveOwned")
	}
}

func TestMigrateOutRejectsUnowned(t *testing.T) {
	o, _ := newTestOSEG(t, 1)
	id := ids.ObjectId{10}
	if err := o.MigrateOut(id, 2); err == nil {
		t.Fatal("expected an error migrating out an object never added locally")
	}
}

func TestClearToMigrateFalseWhileReceiving(t *testing.T) {
	o, _ := newTestOSEG(t, 2)
	id := ids.ObjectId{11}
	// AcceptMigration puts id in `receiving` until the directory write
	// completes; ClearToMigrate must say no to a second migration
	// starting from here in the meantime.
	o.mu.Lock()
	o.receiving[id] = struct{}{}
	o.mu.Unlock()

	if o.ClearToMigrate(id) {
		t.Fatal("expected ClearToMigrate false while incoming migration is outstanding")
	}
}
