package oseg

import (
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/forwarder"
)

// directoryLookupAdapter satisfies forwarder.DirectoryLookup, translating
// OSEG's own result type into the forwarder package's narrower one so
// neither package needs to import the other's full surface.
type directoryLookupAdapter struct{ o *OSEG }

func (a directoryLookupAdapter) Lookup(id ids.ObjectId) forwarder.LookupResult {
	res := a.o.Lookup(id)
	var outcome forwarder.LookupOutcome
	switch res.Outcome {
	case OutcomeLocal:
		outcome = forwarder.LookupLocal
	case OutcomeRemote:
		outcome = forwarder.LookupRemote
	default:
		outcome = forwarder.LookupPending
	}
	return forwarder.LookupResult{Outcome: outcome, Server: res.Server}
}

func (a directoryLookupAdapter) OnLookupComplete(fn func(ids.ObjectId, ids.ServerId)) {
	a.o.OnLookupComplete(fn)
}

// AsDirectoryLookup adapts o to forwarder.DirectoryLookup, for wiring
// into forwarder.New(...).WireLookup at startup.
func (o *OSEG) AsDirectoryLookup() forwarder.DirectoryLookup { return directoryLookupAdapter{o} }
