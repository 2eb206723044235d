package oseg

import "github.com/sirispace/spaceserver/core/ids"

// transitKind distinguishes the two shapes TransitInfo can take (§3):
// a pending directory read, or an in-flight migration this server
// initiated.
type transitKind int

const (
	transitLookup transitKind = iota
	transitMigrating
)

// transitInfo is the in_transit_or_lookup map's value type (§4.2).
type transitInfo struct {
	kind  transitKind
	to    ids.ServerId // valid when kind == transitMigrating
	since int64        // mono.NanoTime() of creation
}
