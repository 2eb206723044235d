// Package model defines the record types shared by OSEG, the
// Forwarder, and the Migration state machine (spec §3): the motion
// record, directory/cache entries, the per-object connection record,
// and the migration record with its state enum.
package model

import (
	"time"

	"github.com/sirispace/spaceserver/cmn/mono"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/spatial"
)

// Motion is the (update_time, position, velocity) tuple extrapolation
// is performed on by an external collaborator; the core stores it
// verbatim and treats UpdateTime as a monotonic version, never
// reinterpreting it.
type Motion struct {
	UpdateTime int64 // mono.NanoTime() at last update
	Position   spatial.Point3
	Velocity   spatial.Point3
}

// DirectoryEntry is the OSEG value keyed by ObjectId (§3): current
// owner and the object's proximity radius.
type DirectoryEntry struct {
	Owner  ids.ServerId
	Radius float32
}

// CacheEntry is OSEG's bounded-LRU cache value: an owner guess and the
// monotonic instant it was inserted, for TTL eviction (§4.2, P5).
type CacheEntry struct {
	Owner      ids.ServerId
	InsertedAt int64
}

func (c CacheEntry) Expired(ttl time.Duration) bool {
	return mono.Expired(c.InsertedAt, ttl)
}

// Datagram is the payload the Forwarder and SMQ move around: an
// object->object, object->service, or server->server unit of data,
// tagged with enough to route and fairly schedule it (§4.3).
type Datagram struct {
	SrcServer ids.ServerId
	SrcObj    ids.ObjectId // NullObject for a space-service source
	DstObj    ids.ObjectId // NullObject => space-service message (§8 boundary case)
	SrcPort   uint16
	DstPort   uint16
	Hops      uint8 // incremented per inter-server forward, bounds cache/ownership ping-pong (§4.4)
	Bytes     []byte
}

// ObjectConnection is the local-to-a-server record for an object it
// hosts (§3): the owning session, its outbound datagram queue, and
// whether it is the live (enabled) binding - per I1, only one server
// may have Enabled=true for a given object at a time.
type ObjectConnection struct {
	Object       ids.ObjectId
	Session      ids.SessionId
	DeliverQueue chan Datagram
	Enabled      bool
}

// MigrationState enumerates the states of a Migration record (§3).
type MigrationState int

const (
	MigSourceSent MigrationState = iota
	MigDestWaitingPayload
	MigDestInstalled
	MigAckPending
	MigComplete
)

func (s MigrationState) String() string {
	switch s {
	case MigSourceSent:
		return "source-sent"
	case MigDestWaitingPayload:
		return "dest-waiting-payload"
	case MigDestInstalled:
		return "dest-installed"
	case MigAckPending:
		return "ack-pending"
	case MigComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// MigrationRecord is the per-in-flight-migration bookkeeping entry
// (§3). PendingForwardQueue buffers datagrams that arrived for Object
// while its ownership was ambiguous, replayed in FIFO order once the
// migration resolves (§4.4 "Race: message arrives at A").
type MigrationRecord struct {
	Object              ids.ObjectId
	State               MigrationState
	Peer                ids.ServerId
	StartTime           int64
	RetryCount          int
	PendingForwardQueue []Datagram
}
