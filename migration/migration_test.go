package migration

import (
	"sync"
	"testing"
	"time"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
	"github.com/sirispace/spaceserver/core/spatial"
	"github.com/sirispace/spaceserver/cseg"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/wire"
)

type fakeDirectory struct {
	mu            sync.Mutex
	clearOK       bool
	migrateOutErr error
	accepted      []ids.ObjectId
	acks          []*wire.MigrationAck
	tombstoned    []ids.ObjectId
	migratedOut   []ids.ObjectId
}

func (f *fakeDirectory) ClearToMigrate(ids.ObjectId) bool { return f.clearOK }
func (f *fakeDirectory) MigrateOut(id ids.ObjectId, _ ids.ServerId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.migrateOutErr != nil {
		return f.migrateOutErr
	}
	f.migratedOut = append(f.migratedOut, id)
	return nil
}
func (f *fakeDirectory) AcceptMigration(id ids.ObjectId, _ float32, _ ids.ServerId, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, id)
}
func (f *fakeDirectory) ReceiveMigrationAck(ack *wire.MigrationAck) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack)
}
func (f *fakeDirectory) Tombstone(id ids.ObjectId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tombstoned = append(f.tombstoned, id)
}

type fakePeering struct {
	mu   sync.Mutex
	sent []wire.MessageType
}

func (f *fakePeering) SendTo(_ ids.ServerId, msgType wire.MessageType, _ []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msgType)
}

type fakeSim struct {
	mu         sync.Mutex
	installed  []ids.ObjectId
	tornDown   []ids.ObjectId
}

func (f *fakeSim) Install(id ids.ObjectId, _ *wire.MigratePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed = append(f.installed, id)
}
func (f *fakeSim) TearDown(id ids.ObjectId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, id)
}
func (f *fakeSim) Radius(ids.ObjectId) float32                             { return 5 }
func (f *fakeSim) FillDeparture(ids.ObjectId, *wire.MigratePayload) {}

type fakeSessionHost struct {
	mu       sync.Mutex
	inits    []ids.ServerId
	successes []ids.ObjectId
}

func (f *fakeSessionHost) SendInitMigration(_ ids.ObjectId, server ids.ServerId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, server)
}
func (f *fakeSessionHost) ReplyMigrationSuccess(id ids.ObjectId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
}

func uniformCseg(t *testing.T) cseg.Segmentation {
	t.Helper()
	s, err := cseg.New(cseg.Config{
		Kind:       cseg.KindUniform,
		World:      spatial.Aabb{Min: spatial.Point3{}, Max: spatial.Point3{X: 100, Y: 100, Z: 100}},
		GridX:      2, GridY: 1, GridZ: 1,
		Assignment: []ids.ServerId{1, 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newTestManager(t *testing.T, self ids.ServerId) (*Manager, *fakeDirectory, *fakePeering, *fakeSim, *fakeSessionHost) {
	t.Helper()
	dir := &fakeDirectory{clearOK: true}
	peer := &fakePeering{}
	sim := &fakeSim{}
	sess := &fakeSessionHost{}
	m := New(Config{
		Self: self, Timeout: time.Hour, GraceTimeout: 30 * time.Millisecond, MaxHops: 3,
		SweepInterval: 5 * time.Millisecond,
	}, dir, uniformCseg(t), peer, sim, sess, metrics.NewForTest())
	t.Cleanup(m.Close)
	return m, dir, peer, sim, sess
}

func TestCrossedStartsMigrationAndSendsPayload(t *testing.T) {
	m, dir, peer, _, sess := newTestManager(t, 1)
	id := ids.ObjectId{1}
	// x=75 falls in the second grid cell (server 2) of a 2-wide grid over [0,100).
	if err := m.Crossed(id, spatial.Point3{X: 75, Y: 1, Z: 1}); err != nil {
		t.Fatal(err)
	}
	if len(dir.migratedOut) != 1 {
		t.Fatalf("expected migrate_out to be invoked once, got %d", len(dir.migratedOut))
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.sent) != 1 || peer.sent[0] != wire.TypeMigratePayload {
		t.Fatalf("expected one MigratePayload sent, got %v", peer.sent)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.inits) != 1 || sess.inits[0] != 2 {
		t.Fatalf("expected InitMigration sent to server 2, got %v", sess.inits)
	}
}

func TestCrossedNoOpWhenStillLocal(t *testing.T) {
	m, dir, _, _, _ := newTestManager(t, 1)
	id := ids.ObjectId{1}
	if err := m.Crossed(id, spatial.Point3{X: 1, Y: 1, Z: 1}); err != nil {
		t.Fatal(err)
	}
	if len(dir.migratedOut) != 0 {
		t.Fatal("expected no migration when the object is still within this server's region")
	}
}

func TestHandleMigrationOrderIndependent(t *testing.T) {
	// Payload arrives first, then the host Connect.
	m, dir, _, sim, sess := newTestManager(t, 2)
	id := ids.ObjectId{2}
	payload := &wire.MigratePayload{SrcServer: 1, Object: id}
	m.HandleMigratePayload(1, wire.EncodeMigratePayload(payload))
	if len(dir.accepted) != 0 {
		t.Fatal("expected accept_migration to wait for the host connect")
	}
	m.HostMigrationConnect(id, "host-a")

	if len(dir.accepted) != 1 {
		t.Fatalf("expected accept_migration once both halves arrived, got %d", len(dir.accepted))
	}
	if len(sim.installed) != 1 {
		t.Fatal("expected sim install on payload arrival")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.successes) != 1 {
		t.Fatal("expected a Success reply to the host")
	}
}

func TestHandleMigrationConnectFirst(t *testing.T) {
	// Host Connect arrives first, then the payload.
	m, dir, _, _, _ := newTestManager(t, 2)
	id := ids.ObjectId{3}
	m.HostMigrationConnect(id, "host-a")
	if len(dir.accepted) != 0 {
		t.Fatal("expected accept_migration to wait for the payload")
	}
	m.HandleMigratePayload(1, wire.EncodeMigratePayload(&wire.MigratePayload{SrcServer: 1, Object: id}))
	if len(dir.accepted) != 1 {
		t.Fatalf("expected accept_migration once the payload arrived, got %d", len(dir.accepted))
	}
}

func TestAckTearsDownAndReplaysBuffered(t *testing.T) {
	m, dir, _, sim, _ := newTestManager(t, 1)
	id := ids.ObjectId{4}
	if err := m.Crossed(id, spatial.Point3{X: 75, Y: 1, Z: 1}); err != nil {
		t.Fatal(err)
	}

	var replayed []model.Datagram
	m.SetReplayer(func(dg model.Datagram) { replayed = append(replayed, dg) })

	buffered := model.Datagram{SrcObj: ids.ObjectId{9}, DstObj: id, Bytes: []byte("late")}
	if !m.BufferIfTransit(buffered) {
		t.Fatal("expected the datagram to be buffered while migration is outstanding")
	}

	m.HandleMigrationAck(2, wire.EncodeMigrationAck(&wire.MigrationAck{From: 2, To: 1, Object: id}))

	if len(dir.acks) != 1 {
		t.Fatal("expected ReceiveMigrationAck to be invoked")
	}
	if len(sim.tornDown) != 1 {
		t.Fatal("expected local sim teardown after the ack")
	}
	if len(replayed) != 1 || replayed[0].SrcObj != buffered.SrcObj {
		t.Fatalf("expected the buffered datagram to replay, got %v", replayed)
	}
	if m.BufferIfTransit(model.Datagram{DstObj: id}) {
		t.Fatal("expected the migration record to be gone after the ack")
	}
}

func TestGraceTimeoutTombstonesUnclaimedInstall(t *testing.T) {
	m, dir, _, sim, _ := newTestManager(t, 2)
	id := ids.ObjectId{5}
	m.HandleMigratePayload(1, wire.EncodeMigratePayload(&wire.MigratePayload{SrcServer: 1, Object: id}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dir.mu.Lock()
		done := len(dir.tombstoned) > 0
		dir.mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	dir.mu.Lock()
	defer dir.mu.Unlock()
	if len(dir.tombstoned) != 1 || dir.tombstoned[0] != id {
		t.Fatalf("expected a grace-timeout tombstone for %s, got %v", id, dir.tombstoned)
	}
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if len(sim.tornDown) != 1 {
		t.Fatal("expected sim teardown alongside the tombstone")
	}
}
