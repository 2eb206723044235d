// Package wire implements the server-to-server wire format of spec
// §6.1: explicit, bounds-checked, little-endian codecs for each
// message type. No buffer is ever cast to a struct pointer - the
// DESIGN NOTES open question about endian/alignment assumptions in the
// original source is resolved here by making every field read and
// write an explicit, checked operation.
package wire

import "github.com/sirispace/spaceserver/core/ids"

// MessageType tags the frame payload (§6.1 table).
type MessageType uint8

const (
	TypeObjectDatagram       MessageType = 1
	TypeMigratePayload       MessageType = 2
	TypeMigrationAck         MessageType = 3
	TypeDirectoryUpdate      MessageType = 4
	TypeKillObjectConnection MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case TypeObjectDatagram:
		return "ObjectDatagram"
	case TypeMigratePayload:
		return "MigratePayload"
	case TypeMigrationAck:
		return "MigrationAck"
	case TypeDirectoryUpdate:
		return "DirectoryUpdate"
	case TypeKillObjectConnection:
		return "KillObjectConnection"
	default:
		return "Unknown"
	}
}

// ObjectDatagram (tag 1): an opaque object->object, object->service, or
// forwarded payload. DstObj == ids.NullObject addresses a space
// service, never a session (§8 boundary case).
type ObjectDatagram struct {
	SrcServer ids.ServerId
	SrcObj    ids.ObjectId
	DstObj    ids.ObjectId
	SrcPort   uint16
	DstPort   uint16
	Hops      uint8
	Bytes     []byte
}

// Motion is the 44-byte wire layout: update_time (int64) + position +
// velocity + acceleration, each a 3xfloat32 triple.
type Motion struct {
	UpdateTime            int64
	Position               [3]float32
	Velocity               [3]float32
	Acceleration           [3]float32
}

// Orientation is the 52-byte wire layout: a quaternion, an angular
// rotation axis, an angular speed, and reserved space for fields the
// source format carried but this rewrite does not interpret (kept so
// a peer speaking the same wire format round-trips them, R1).
type Orientation struct {
	Quaternion   [4]float32
	AngularAxis  [3]float32
	AngularSpeed float32
	Reserved     [20]byte
}

// Bounds is the 16-byte layout: a bounding sphere (center + radius),
// matching the Radius field already carried in the OSEG directory
// entry (§3).
type Bounds struct {
	Center [3]float32
	Radius float32
}

// ClientDataEntry is one opaque key/value pair in a MigratePayload's
// client_data list (§6.1).
type ClientDataEntry struct {
	Key  string
	Data []byte
}

// MigratePayload (tag 2) carries an object's full simulation state
// across the wire during migration (§4.4).
type MigratePayload struct {
	SrcServer   ids.ServerId
	Object      ids.ObjectId
	Motion      Motion
	Orientation Orientation
	Bounds      Bounds
	Mesh        string // asset URI; empty string is valid (no mesh)
	ClientData  []ClientDataEntry
}

// MigrationAck (tag 3): destination->source acknowledgement, the
// synchronization point retiring the source's transit record (§4.4).
type MigrationAck struct {
	From   ids.ServerId
	To     ids.ServerId
	Object ids.ObjectId
}

// DirectoryUpdate (tag 4): unsolicited ownership broadcast. Owner ==
// ids.NullServer is a tombstone (SPEC_FULL §4.4 added).
type DirectoryUpdate struct {
	Object ids.ObjectId
	Owner  ids.ServerId
}

// KillObjectConnection (tag 5): tells a server to finalize local
// teardown of an object binding (§4.4, step A "send
// KillObjectConnection{id} to self").
type KillObjectConnection struct {
	Object ids.ObjectId
}
