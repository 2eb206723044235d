// Package session implements the object-host <-> space-server session
// gatekeeper (§6.2): Connect/ConnectResponse/Disconnect/InitMigration
// handling, Connect.auth validation, and the per-object connection
// state (§3 ObjectConnection) that the Forwarder delivers datagrams
// into and the migration state machine installs/tears down.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/sirispace/spaceserver/cmn/debug"
	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
	"github.com/sirispace/spaceserver/core/spatial"
	"github.com/sirispace/spaceserver/cseg"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/wire"
)

// ConnectKind distinguishes a brand-new object announcing itself from
// an object reconnecting mid-migration (§6.2, §4.4).
type ConnectKind int

const (
	ConnectFresh ConnectKind = iota
	ConnectMigration
)

// Connect is the decoded Connect session message (§6.2). Object is an
// externally-minted id the host already owns; the wire encoding of
// this substream is transport-specific and out of this module's scope
// (§1 Non-goals), so Connect/ConnectResponse here are the decoded Go
// values a transport adapter produces/consumes.
type Connect struct {
	Object      ids.ObjectId
	Kind        ConnectKind
	Loc         spatial.Point3
	Orientation wire.Orientation
	Bounds      wire.Bounds
	Mesh        string
	Auth        string
	OHName      string
}

// ConnectOutcome is ConnectResponse's tag (§6.2/§4.4).
type ConnectOutcome int

const (
	RespSuccess ConnectOutcome = iota
	RespRedirect
	RespError
)

type ConnectResponse struct {
	Outcome        ConnectOutcome
	RedirectServer ids.ServerId
	Loc            spatial.Point3
	Orientation    wire.Orientation
	Bounds         wire.Bounds
	Mesh           string
}

// DirectoryOps is the subset of oseg.OSEG the gatekeeper drives
// directly (migration's AddNew/AcceptMigration happen through the
// migration.Manager instead).
type DirectoryOps interface {
	AddNew(id ids.ObjectId, radius float32)
	RemoveOwned(id ids.ObjectId)
}

// HostTransport delivers session-control messages to the object host
// that owns a given SessionId. Implemented by the network package (the
// congestion-controlled substream layer is out of this module's scope,
// §1 Non-goals).
type HostTransport interface {
	SendConnectResponse(session ids.SessionId, resp ConnectResponse)
	SendInitMigration(session ids.SessionId, newServer ids.ServerId)
}

// record is the gatekeeper's bookkeeping for one live or pending
// object connection: the §3 ObjectConnection plus the simulation
// fields migration needs to fill a MigratePayload on departure.
type record struct {
	conn        model.ObjectConnection
	ohName      string
	lastConnect *ConnectResponse // answers a duplicate Connect retry (§4.4 idempotency)
	motion      wire.Motion
	orientation wire.Orientation
	bounds      wire.Bounds
	mesh        string
}

// Config collects the gatekeeper's tunables.
type Config struct {
	Self          ids.ServerId
	AuthSecret    []byte // session.auth_secret; empty disables auth entirely
	DeliverQueueLen int
}

// Gatekeeper is the session package's core type: one per server,
// owning every locally-connected object's session + simulation record.
type Gatekeeper struct {
	cfg  Config
	cseg cseg.Segmentation
	oseg DirectoryOps
	host HostTransport
	sink *metrics.Sink

	mu       sync.Mutex
	byObject map[ids.ObjectId]*record
	nextSess uint32
}

func New(cfg Config, cs cseg.Segmentation, oseg DirectoryOps, host HostTransport, sink *metrics.Sink) *Gatekeeper {
	return &Gatekeeper{
		cfg: cfg, cseg: cs, oseg: oseg, host: host, sink: sink,
		byObject: map[ids.ObjectId]*record{},
	}
}

func (g *Gatekeeper) newSessionID() ids.SessionId {
	return ids.SessionId(atomic.AddUint32(&g.nextSess, 1))
}

// Connect handles an inbound Connect (§6.2, §4.4). For a Fresh connect
// it answers synchronously. For a Migration connect the reply is
// asynchronous: ok=false means the caller should not reply yet - the
// migration state machine will call ReplyMigrationSuccess once
// handleMigration completes, and the gatekeeper relays that through
// HostTransport itself.
func (g *Gatekeeper) Connect(req Connect, migrationHost func(id ids.ObjectId, ohName string)) (ids.SessionId, *ConnectResponse, bool) {
	if err := validateAuth(g.cfg.AuthSecret, req.Auth); err != nil {
		g.sink.ConnectError.Inc()
		return 0, &ConnectResponse{Outcome: RespError}, true
	}

	loc := g.cseg.Lookup(req.Loc)
	if loc != g.cfg.Self {
		if loc.IsNull() {
			g.sink.ConnectError.Inc()
			return 0, &ConnectResponse{Outcome: RespError}, true
		}
		g.sink.ConnectRedirect.Inc()
		return 0, &ConnectResponse{Outcome: RespRedirect, RedirectServer: loc}, true
	}

	g.mu.Lock()
	rec, exists := g.byObject[req.Object]
	if exists {
		if rec.conn.Session != 0 && rec.ohName == req.OHName {
			// retry from the same logical host: answer the last known
			// response rather than re-running connect (§4.4 idempotency).
			resp := rec.lastConnect
			g.mu.Unlock()
			if resp != nil {
				return rec.conn.Session, resp, true
			}
			return rec.conn.Session, nil, false
		}
		if rec.ohName != "" && rec.ohName != req.OHName {
			g.mu.Unlock()
			g.sink.ConnectError.Inc()
			return 0, &ConnectResponse{Outcome: RespError}, true
		}
	}
	session := g.newSessionID()
	if !exists {
		rec = &record{}
		g.byObject[req.Object] = rec
	}
	rec.ohName = req.OHName
	rec.conn = model.ObjectConnection{
		Object: req.Object, Session: session,
		DeliverQueue: make(chan model.Datagram, g.cfg.DeliverQueueLen),
		Enabled:      req.Kind == ConnectFresh,
	}
	rec.orientation = req.Orientation
	rec.bounds = req.Bounds
	rec.mesh = req.Mesh
	g.mu.Unlock()

	switch req.Kind {
	case ConnectFresh:
		debug.Assert(rec.conn.Enabled, "session: fresh connect left Enabled=false for", req.Object)
		g.oseg.AddNew(req.Object, req.Bounds.Radius)
		resp := &ConnectResponse{Outcome: RespSuccess, Loc: req.Loc, Orientation: req.Orientation, Bounds: req.Bounds, Mesh: req.Mesh}
		g.mu.Lock()
		rec.lastConnect = resp
		g.mu.Unlock()
		g.sink.ConnectSuccess.Inc()
		return session, resp, true
	case ConnectMigration:
		migrationHost(req.Object, req.OHName)
		return session, nil, false
	default:
		g.sink.ConnectError.Inc()
		return 0, &ConnectResponse{Outcome: RespError}, true
	}
}

// ReplyMigrationSuccess implements migration.SessionHost: called once
// handleMigration completes on the destination, completing the
// Migration-kind Connect this gatekeeper deferred.
func (g *Gatekeeper) ReplyMigrationSuccess(id ids.ObjectId) {
	g.mu.Lock()
	rec, ok := g.byObject[id]
	if ok {
		rec.conn.Enabled = true
	}
	g.mu.Unlock()
	if !ok {
		nlog.Warningf("session: ReplyMigrationSuccess for unknown object %s", id)
		return
	}
	resp := ConnectResponse{Outcome: RespSuccess, Orientation: rec.orientation, Bounds: rec.bounds, Mesh: rec.mesh}
	g.sink.ConnectSuccess.Inc()
	g.host.SendConnectResponse(rec.conn.Session, resp)
}

// SendInitMigration implements migration.SessionHost (§4.4 "send
// InitMigration{id} to the object's session (best-effort, retry)").
// The gatekeeper issues the send once per call, and the network
// transport does not retry it either: a failed send is dropped.
func (g *Gatekeeper) SendInitMigration(id ids.ObjectId, newServer ids.ServerId) {
	g.mu.Lock()
	rec, ok := g.byObject[id]
	g.mu.Unlock()
	if !ok {
		return
	}
	g.host.SendInitMigration(rec.conn.Session, newServer)
}

// Disconnect handles an inbound Disconnect (§6.2): tears down the
// local record and tombstones the object's directory entry.
func (g *Gatekeeper) Disconnect(id ids.ObjectId, reason string) {
	g.mu.Lock()
	rec, ok := g.byObject[id]
	if ok {
		delete(g.byObject, id)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	close(rec.conn.DeliverQueue)
	nlog.Infof("session: %s disconnected (%s)", id, reason)
	g.oseg.RemoveOwned(id)
}

// Deliver implements forwarder.SessionDirectory: hands a datagram to a
// locally-enabled object's deliver queue, non-blocking per the
// forwarder's backpressure contract.
func (g *Gatekeeper) Deliver(dg model.Datagram) bool {
	g.mu.Lock()
	rec, ok := g.byObject[dg.DstObj]
	g.mu.Unlock()
	if !ok || !rec.conn.Enabled {
		return false
	}
	select {
	case rec.conn.DeliverQueue <- dg:
		return true
	default:
		return false // queue full: caller treats this like any other drop
	}
}

// Install implements migration.SimHost on the destination: records the
// arriving simulation fields for an object the migration state machine
// is installing.
func (g *Gatekeeper) Install(id ids.ObjectId, payload *wire.MigratePayload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byObject[id]
	if !ok {
		rec = &record{conn: model.ObjectConnection{Object: id}}
		g.byObject[id] = rec
	}
	debug.Assert(!rec.conn.Enabled, "session: install for", id, "found already-enabled record")
	rec.motion = payload.Motion
	rec.orientation = payload.Orientation
	rec.bounds = payload.Bounds
	rec.mesh = payload.Mesh
}

// TearDown implements migration.SimHost: removes the local simulation
// binding after a migration-out completes, or after a grace-timeout
// cleanup. The session record itself (if any) survives a migrate-out
// teardown - only the simulation binding is gone, per §4.4's "only the
// simulation binding on A is gone."
func (g *Gatekeeper) TearDown(id ids.ObjectId) {
	g.mu.Lock()
	rec, ok := g.byObject[id]
	if ok {
		rec.conn.Enabled = false
	}
	g.mu.Unlock()
	if !ok {
		return
	}
}

// Radius implements migration.SimHost.
func (g *Gatekeeper) Radius(id ids.ObjectId) float32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.byObject[id]; ok {
		return rec.bounds.Radius
	}
	return 0
}

// FillDeparture implements migration.SimHost, populating payload from
// the departing object's last known simulation state.
func (g *Gatekeeper) FillDeparture(id ids.ObjectId, payload *wire.MigratePayload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.byObject[id]
	if !ok {
		return
	}
	payload.Motion = rec.motion
	payload.Orientation = rec.orientation
	payload.Bounds = rec.bounds
	payload.Mesh = rec.mesh
}
