package e2e

import (
	"context"
	"sync"
	"time"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
	"github.com/sirispace/spaceserver/core/spatial"
	"github.com/sirispace/spaceserver/cseg"
	"github.com/sirispace/spaceserver/directory"
	"github.com/sirispace/spaceserver/forwarder"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/migration"
	"github.com/sirispace/spaceserver/oseg"
	"github.com/sirispace/spaceserver/session"
	"github.com/sirispace/spaceserver/wire"
)

// noopConns satisfies forwarder.ConnManager: the harness never opens a
// real socket, pumping frames between in-process forwarders directly
// instead (see cluster.pump).
type noopConns struct{}

func (noopConns) EnsureConnected(ids.ServerId) {}

// fakeHostTransport records the ConnectResponse/InitMigration
// messages a server's session gatekeeper sent, standing in for the
// object-host substream the network package would carry for real.
type fakeHostTransport struct {
	mu        sync.Mutex
	responses map[ids.SessionId]session.ConnectResponse
	inits     map[ids.SessionId]ids.ServerId
}

func newFakeHostTransport() *fakeHostTransport {
	return &fakeHostTransport{
		responses: map[ids.SessionId]session.ConnectResponse{},
		inits:     map[ids.SessionId]ids.ServerId{},
	}
}

func (f *fakeHostTransport) SendConnectResponse(sess ids.SessionId, resp session.ConnectResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[sess] = resp
}

func (f *fakeHostTransport) SendInitMigration(sess ids.SessionId, newServer ids.ServerId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits[sess] = newServer
}

func (f *fakeHostTransport) response(sess ids.SessionId) (session.ConnectResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.responses[sess]
	return r, ok
}

// node bundles one server's full stack, built the way cmd/spaceserver
// wires it, minus the real network/admin/metrics listeners.
type node struct {
	self ids.ServerId
	cs   cseg.Segmentation
	og   *oseg.OSEG
	fwd  *forwarder.Forwarder
	gk   *session.Gatekeeper
	mig  *migration.Manager
	host *fakeHostTransport
}

// cluster runs N nodes sharing one in-memory directory store (standing
// in for the CRAQ cluster §6.3 describes) and a uniform CSEG partition
// over a single axis, and pumps frames between every node's forwarder
// without a real socket.
type cluster struct {
	nodes map[ids.ServerId]*node
	stop  chan struct{}
}

func newCluster(world spatial.Aabb, gridX int, assignment []ids.ServerId) *cluster {
	store, err := directory.Open(":memory:")
	if err != nil {
		panic(err)
	}
	cs, err := cseg.New(cseg.Config{
		Kind: cseg.KindUniform, World: world,
		GridX: gridX, GridY: 1, GridZ: 1, Assignment: assignment,
	})
	if err != nil {
		panic(err)
	}

	distinct := map[ids.ServerId]bool{}
	for _, a := range assignment {
		distinct[a] = true
	}

	c := &cluster{nodes: map[ids.ServerId]*node{}, stop: make(chan struct{})}
	for self := range distinct {
		sink := metrics.NewForTest()
		fwd := forwarder.New(forwarder.Config{
			Self: self, PeerQueueLen: 64, RateBytesPerSec: 0, RateBurstBytes: 0,
			MaxConnectTries: 3, MaxHops: 3,
		}, sink)
		og := oseg.New(oseg.Config{
			Self: self, Prefix: 'o', CacheCapacity: 200, CacheTTL: 8 * time.Second,
			NotFoundSitOut: 50 * time.Millisecond, NotFoundMaxTries: 1000,
			ReadWorkers: 2, WriteWorkers: 2, QueueLen: 64,
		}, store, sink, fwd, func(fn func()) { fn() })
		fwd.WireLookup(og.AsDirectoryLookup())
		fwd.WireConnManager(noopConns{})

		host := newFakeHostTransport()
		gk := session.New(session.Config{Self: self, DeliverQueueLen: 16}, cs, og, host, sink)
		fwd.WireSessionDirectory(gk)

		mig := migration.New(migration.Config{
			Self: self, Timeout: time.Hour, GraceTimeout: time.Hour, MaxHops: 3,
			SweepInterval: 50 * time.Millisecond,
		}, og, cs, fwd, gk, gk, sink)
		fwd.WireTransitRegistry(mig)
		mig.SetReplayer(func(dg model.Datagram) { fwd.Route(dg) })

		fwd.RegisterHandler(wire.TypeMigratePayload, mig.HandleMigratePayload)
		fwd.RegisterHandler(wire.TypeMigrationAck, mig.HandleMigrationAck)
		fwd.RegisterHandler(wire.TypeDirectoryUpdate, func(_ ids.ServerId, payload []byte) {
			u, err := wire.DecodeDirectoryUpdate(payload)
			if err == nil {
				og.ReceiveDirectoryUpdate(u)
			}
		})
		fwd.RegisterHandler(wire.TypeKillObjectConnection, func(_ ids.ServerId, payload []byte) {
			k, err := wire.DecodeKillObjectConnection(payload)
			if err == nil {
				gk.Disconnect(k.Object, "kill_object_connection")
			}
		})

		c.nodes[self] = &node{self: self, cs: cs, og: og, fwd: fwd, gk: gk, mig: mig, host: host}
	}

	for self, n := range c.nodes {
		go c.pump(self, n)
	}
	return c
}

// pump stands in for the network executor's per-peer reader/writer
// pair: it drains n's outbound queue for every other node and hands
// the frame straight to that node's Receive, in lieu of a real socket.
func (c *cluster) pump(self ids.ServerId, n *node) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.stop
		cancel()
	}()
	for peer := range c.nodes {
		if peer == self {
			continue
		}
		go func(peer ids.ServerId) {
			for {
				msgType, payload, ok := n.fwd.NextForPeer(ctx, peer)
				if !ok {
					return
				}
				c.nodes[peer].fwd.Receive(self, msgType, payload)
			}
		}(peer)
	}
}

func (c *cluster) close() { close(c.stop) }

// eventually polls cond until it returns true or the deadline passes,
// the same style oseg's own test suite uses to wait for async
// directory/goroutine completions without a fixed sleep.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
