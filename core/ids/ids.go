// Package ids defines the identifier types shared across every core
// subsystem: ServerId, ObjectId, SessionId, and the WriteToken used by
// OSEG's tracked-writes map. Factoring these out (the way the teacher
// splits cluster/meta from cluster) lets cseg, oseg, forwarder, and
// migration share one vocabulary without an import cycle.
package ids

import (
	"encoding/hex"
	"fmt"

	"github.com/teris-io/shortid"
)

// ServerId is a dense integer >= 1. Zero is reserved as "null/none" -
// used as the owner of a tombstoned directory entry.
type ServerId uint32

const NullServer ServerId = 0

func (s ServerId) IsNull() bool { return s == NullServer }
func (s ServerId) String() string { return fmt.Sprintf("server-%d", uint32(s)) }

// ObjectId is a 128-bit opaque identifier: hashed and compared
// bitwise, no internal structure assumed.
type ObjectId [16]byte

var NullObject ObjectId

func (o ObjectId) IsNull() bool { return o == NullObject }

func (o ObjectId) String() string { return hex.EncodeToString(o[:]) }

// Hex is the directory-key encoding named in spec §4.2: prefix_byte ||
// hex(object_id).
func (o ObjectId) Hex() string { return hex.EncodeToString(o[:]) }

// ParseObjectId decodes a hex string produced by Hex/String.
func ParseObjectId(s string) (ObjectId, error) {
	var o ObjectId
	b, err := hex.DecodeString(s)
	if err != nil {
		return o, err
	}
	if len(b) != len(o) {
		return o, fmt.Errorf("ids: object id must decode to %d bytes, got %d", len(o), len(b))
	}
	copy(o[:], b)
	return o, nil
}

// SessionId is a short integer assigned on TCP accept, local to one
// space server.
type SessionId uint32

// WriteToken identifies one outstanding directory write in OSEG's
// tracked_writes map (§4.2). Minted from shortid, matching the
// teacher's xact UUID convention.
type WriteToken string

func NewWriteToken() WriteToken {
	id, err := shortid.Generate()
	if err != nil {
		// shortid only fails on generator misconfiguration, which
		// cannot happen with the default generator used here.
		panic(fmt.Sprintf("ids: shortid generate: %v", err))
	}
	return WriteToken(id)
}

// MigrationId identifies one in-flight migration record (§3 "Migration
// record"). Distinct type from WriteToken even though both are
// shortid-backed, so the two id spaces are never confused at a call
// site.
type MigrationId string

func NewMigrationId() MigrationId {
	id, err := shortid.Generate()
	if err != nil {
		panic(fmt.Sprintf("ids: shortid generate: %v", err))
	}
	return MigrationId(id)
}
