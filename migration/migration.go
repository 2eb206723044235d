// Package migration implements the A->B object migration protocol
// (§4.4): the Migration Monitor's crossed(id) trigger and the full
// state machine on both the source and destination side, including
// the two named in-flight-message races and the destination grace
// timeout.
package migration

import (
	"sync"
	"time"

	"github.com/sirispace/spaceserver/cmn/debug"
	"github.com/sirispace/spaceserver/cmn/mono"
	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
	"github.com/sirispace/spaceserver/core/spatial"
	"github.com/sirispace/spaceserver/cseg"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/wire"
)

// DirectoryOps is the subset of oseg.OSEG the migration state machine
// drives.
type DirectoryOps interface {
	ClearToMigrate(id ids.ObjectId) bool
	MigrateOut(id ids.ObjectId, newServer ids.ServerId) error
	AcceptMigration(id ids.ObjectId, radius float32, ackTo ids.ServerId, genAck bool)
	ReceiveMigrationAck(ack *wire.MigrationAck)
	Tombstone(id ids.ObjectId)
}

// Peering is the subset of forwarder.Forwarder used to address control
// messages directly to a peer.
type Peering interface {
	SendTo(peer ids.ServerId, msgType wire.MessageType, payload []byte)
}

// SimHost installs/tears down the local, non-directory simulation
// state that rides along with a migrating object (motion, mesh,
// client data). Actual physics/extrapolation is out of scope (§1
// Non-goals); SimHost just needs to remember enough to answer the
// object host's reconnection and to serve MigratePayload/redelivery.
type SimHost interface {
	Install(id ids.ObjectId, payload *wire.MigratePayload)
	TearDown(id ids.ObjectId)
	Radius(id ids.ObjectId) float32
	// FillDeparture populates payload's motion/orientation/bounds/mesh/
	// client-data fields from id's current local simulation state,
	// ahead of a migrate_out (§4.4 "MigratePayload{id, motion, bounds,
	// client_data[]}").
	FillDeparture(id ids.ObjectId, payload *wire.MigratePayload)
}

// SessionHost is the subset of the session gatekeeper migration needs
// to talk to an object's host connection.
type SessionHost interface {
	SendInitMigration(id ids.ObjectId, newServer ids.ServerId)
	ReplyMigrationSuccess(id ids.ObjectId)
}

// Config collects the migration tunables (§5, §6.4).
type Config struct {
	Self          ids.ServerId
	Timeout       time.Duration // migration.timeout: wall-clock ack budget (typical 30s)
	GraceTimeout  time.Duration // dest grace period awaiting the host's Connect{Migration}
	MaxHops       uint8         // migration.max_hops
	SweepInterval time.Duration
}

// destRecord is the destination-side bookkeeping for one migrating-in
// object: the payload (once received) and whether the object host has
// already connected, so handleMigration fires the moment both halves
// are present, in either arrival order.
type destRecord struct {
	payload    *wire.MigratePayload
	hostOHName string
	hostSeen   bool
	installed  bool
	since      int64
}

// Manager runs the full state machine. One Manager per server; A-side
// and B-side bookkeeping share the same instance since a server can be
// simultaneously a migration source for some objects and destination
// for others.
type Manager struct {
	cfg  Config
	oseg DirectoryOps
	cseg cseg.Segmentation
	fwd  Peering
	sim  SimHost
	sess SessionHost
	sink *metrics.Sink

	mu      sync.Mutex
	records map[ids.ObjectId]*model.MigrationRecord // source side: migrate_out -> ack pending
	dest    map[ids.ObjectId]*destRecord            // destination side: payload/connect rendezvous

	replayer func(model.Datagram)
	stop     chan struct{}
}

func New(cfg Config, oseg DirectoryOps, cs cseg.Segmentation, fwd Peering, sim SimHost, sess SessionHost, sink *metrics.Sink) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	m := &Manager{
		cfg:     cfg,
		oseg:    oseg,
		cseg:    cs,
		fwd:     fwd,
		sim:     sim,
		sess:    sess,
		sink:    sink,
		records: map[ids.ObjectId]*model.MigrationRecord{},
		dest:    map[ids.ObjectId]*destRecord{},
		stop:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) Close() { close(m.stop) }

func (m *Manager) sweepLoop() {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	var timedOut []ids.ObjectId
	for id, rec := range m.records {
		if m.cfg.Timeout > 0 && mono.Expired(rec.StartTime, m.cfg.Timeout) {
			timedOut = append(timedOut, id)
		}
	}
	var expiredDest []ids.ObjectId
	for id, d := range m.dest {
		if !d.installed {
			continue
		}
		if m.cfg.GraceTimeout > 0 && mono.Expired(d.since, m.cfg.GraceTimeout) && !d.hostSeen {
			expiredDest = append(expiredDest, id)
		}
	}
	m.mu.Unlock()

	for _, id := range timedOut {
		// §5: exceeding the wall-clock budget logs a warning but does
		// not undo the local state change; the object stays "in limbo"
		// until the ack arrives or a manual cleanup expires the record.
		nlog.Warningf("migration: %s exceeded its ack budget, still awaiting MigrationAck", id)
		m.sink.MigrationsTimedOut.Inc()
	}
	for _, id := range expiredDest {
		nlog.Warningf("migration: %s never received a host Connect within the grace period; tearing down", id)
		m.mu.Lock()
		delete(m.dest, id)
		m.mu.Unlock()
		m.sim.TearDown(id)
		m.oseg.Tombstone(id)
	}
}

// Crossed is the Migration Monitor's trigger (§4.4 "A: crossed(id)").
func (m *Manager) Crossed(id ids.ObjectId, pos spatial.Point3) error {
	b := m.cseg.Lookup(pos)
	if b == m.cfg.Self || b.IsNull() {
		return nil // still ours, or no authoritative owner yet
	}
	if !m.oseg.ClearToMigrate(id) {
		return nil // a migration is already outstanding for id
	}
	if err := m.oseg.MigrateOut(id, b); err != nil {
		return err
	}

	m.mu.Lock()
	m.records[id] = &model.MigrationRecord{
		Object: id, State: model.MigSourceSent, Peer: b, StartTime: mono.NanoTime(),
	}
	m.mu.Unlock()
	m.sink.MigrationsStarted.Inc()

	m.sess.SendInitMigration(id, b) // best-effort, sent once; not retried

	payload := &wire.MigratePayload{SrcServer: m.cfg.Self, Object: id}
	m.sim.FillDeparture(id, payload)
	m.fwd.SendTo(b, wire.TypeMigratePayload, wire.EncodeMigratePayload(payload))
	return nil
}

// BufferIfTransit implements forwarder.TransitRegistry: a datagram
// destined for an object with an outstanding migration record (on
// either side) is buffered for FIFO replay instead of dropped or
// mis-routed (§4.3 step 2, §4.4 "Race: message arrives at A").
func (m *Manager) BufferIfTransit(dg model.Datagram) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[dg.DstObj]
	if !ok {
		return false
	}
	rec.PendingForwardQueue = append(rec.PendingForwardQueue, dg)
	return true
}

// HandleMigratePayload is registered as the forwarder's
// TypeMigratePayload handler (destination side, B).
func (m *Manager) HandleMigratePayload(from ids.ServerId, raw []byte) {
	payload, err := wire.DecodeMigratePayload(raw)
	if err != nil {
		nlog.Warningf("migration: bad MigratePayload from %s: %v", from, err)
		return
	}
	m.sim.Install(payload.Object, payload)

	m.mu.Lock()
	d, ok := m.dest[payload.Object]
	if !ok {
		d = &destRecord{since: mono.NanoTime()}
		m.dest[payload.Object] = d
	}
	d.payload = payload
	d.installed = true
	ready := d.hostSeen
	m.mu.Unlock()

	if ready {
		m.handleMigration(payload.Object)
	}
}

// HostMigrationConnect is called by the session gatekeeper when the
// object host's Connect{Migration} arrives on the destination (§4.4).
// ohName identifies the reconnecting host session for the idempotency
// rule in §4.4 ("unless the object is mid-migration with a matching
// oh_name field").
func (m *Manager) HostMigrationConnect(id ids.ObjectId, ohName string) {
	m.mu.Lock()
	d, ok := m.dest[id]
	if !ok {
		d = &destRecord{since: mono.NanoTime()}
		m.dest[id] = d
	}
	d.hostSeen = true
	d.hostOHName = ohName
	ready := d.installed
	m.mu.Unlock()

	if ready {
		m.handleMigration(id)
	}
}

// handleMigration runs once both the MigratePayload and the host's
// Connect{Migration} are present, in whichever order they arrived
// (§4.4 "B: handleMigration(id) runs when both ... are present"). The
// ack always targets the server named in the MigratePayload itself,
// never whatever the host's Connect happened to report.
func (m *Manager) handleMigration(id ids.ObjectId) {
	m.mu.Lock()
	d, ok := m.dest[id]
	if !ok || d.payload == nil {
		m.mu.Unlock()
		return
	}
	debug.Assert(d.hostSeen, "migration: handleMigration for", id, "fired without hostSeen")
	ackTo := d.payload.SrcServer
	radius := m.sim.Radius(id)
	delete(m.dest, id)
	m.mu.Unlock()

	m.oseg.AcceptMigration(id, radius, ackTo, true)
	m.sess.ReplyMigrationSuccess(id)
}

// HandleMigrationAck is registered as the forwarder's TypeMigrationAck
// handler (source side, A).
func (m *Manager) HandleMigrationAck(from ids.ServerId, raw []byte) {
	ack, err := wire.DecodeMigrationAck(raw)
	if err != nil {
		nlog.Warningf("migration: bad MigrationAck from %s: %v", from, err)
		return
	}
	m.oseg.ReceiveMigrationAck(ack) // cache.insert happens before the transit record is cleared (ordering guarantee)

	m.mu.Lock()
	rec, ok := m.records[ack.Object]
	if ok {
		delete(m.records, ack.Object)
	}
	m.mu.Unlock()
	if !ok {
		nlog.Warningf("migration: stale ack for %s from %s (no outstanding record)", ack.Object, from)
		return
	}
	m.sink.MigrationsCompleted.Inc()
	m.killLocal(ack.Object)

	// replay anything buffered while the migration was outstanding,
	// routing anew now that the cache points at the new owner.
	for _, dg := range rec.PendingForwardQueue {
		m.replay(dg)
	}
}

// replay is overridden by the server wiring (cmd/spaceserver) with the
// forwarder's Route; kept as a field-like hook here would require
// importing forwarder's concrete Router, so instead Manager exposes
// SetReplayer for main.go to wire once at startup.
func (m *Manager) replay(dg model.Datagram) {
	if m.replayer != nil {
		m.replayer(dg)
	}
}

// SetReplayer installs the function used to re-route buffered
// datagrams once a migration's pending_forward_queue drains. Kept
// decoupled from forwarder.Route's exact signature so migration never
// needs forwarder.RouteOutcome.
func (m *Manager) SetReplayer(fn func(model.Datagram)) { m.replayer = fn }

// InFlightCount reports the number of migrations this server is
// currently a party to, source or destination. Exposed for the admin
// package's /stats snapshot.
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records) + len(m.dest)
}

func (m *Manager) killLocal(id ids.ObjectId) {
	m.sim.TearDown(id)
}
