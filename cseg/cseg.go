// Package cseg implements Coordinate Segmentation (spec §4.1): the
// spatial partitioning that answers point->server and server->region
// for the whole cluster. Two implementations share one interface,
// selected by a small factory from configuration - a tagged variant,
// not an inheritance hierarchy, per the DESIGN NOTES guidance - the
// way the teacher selects a concrete xreg.Renewable from a kind
// string rather than subclassing a base xaction type.
package cseg

import (
	"fmt"

	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/spatial"
)

// Mapping is the full server->region assignment delivered atomically
// to change listeners (§4.1 "on_change").
type Mapping map[ids.ServerId]spatial.Region

// ChangeListener receives a new Mapping whenever the segmentation
// changes. Listeners observe events in the same order the
// authoritative service emitted them (§4.1 "Ordering guarantee").
type ChangeListener func(Mapping)

// Segmentation is the CSEG contract (§4.1). lookup is total: points
// outside the world are clamped to the world AABB first.
type Segmentation interface {
	Lookup(p spatial.Point3) ids.ServerId
	RegionOf(server ids.ServerId) spatial.Region
	WorldRegion() spatial.Aabb
	NumServers() uint32
	OnChange(listener ChangeListener)
	Close() error
}

// Kind selects the concrete implementation (§6.4 cseg.kind).
type Kind string

const (
	KindUniform Kind = "uniform"
	KindClient  Kind = "client"
)

// Config is the factory input, covering both implementations'
// settings; only the fields for the selected Kind are consulted.
type Config struct {
	Kind Kind

	// Uniform grid settings.
	World       spatial.Aabb
	GridX       int
	GridY       int
	GridZ       int
	Assignment  []ids.ServerId // len must equal GridX*GridY*GridZ

	// Distributed BSP client settings.
	ServiceHost   string
	ServicePort   int
	DialTimeoutMs int
	RPCTimeoutMs  int
}

// New builds the concrete Segmentation named by cfg.Kind. This is the
// only place a concrete CSEG type is constructed; everything else in
// the module talks to the Segmentation interface.
func New(cfg Config) (Segmentation, error) {
	switch cfg.Kind {
	case KindUniform:
		return newUniform(cfg)
	case KindClient:
		return newClient(cfg)
	default:
		return nil, fmt.Errorf("cseg: unknown kind %q", cfg.Kind)
	}
}
