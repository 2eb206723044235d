// Command spaceserver runs one node of the space-server cluster: CSEG,
// OSEG, the Forwarder/SMQ, the migration state machine, the session
// gatekeeper, and their network/admin/metrics surfaces, wired together
// the way §5's four cooperative executors and §6.4's config surface
// describe.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sirispace/spaceserver/admin"
	"github.com/sirispace/spaceserver/cmn/config"
	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/model"
	"github.com/sirispace/spaceserver/core/spatial"
	"github.com/sirispace/spaceserver/cseg"
	"github.com/sirispace/spaceserver/directory"
	"github.com/sirispace/spaceserver/executor"
	"github.com/sirispace/spaceserver/forwarder"
	"github.com/sirispace/spaceserver/metrics"
	"github.com/sirispace/spaceserver/migration"
	"github.com/sirispace/spaceserver/network"
	"github.com/sirispace/spaceserver/oseg"
	"github.com/sirispace/spaceserver/session"
	"github.com/sirispace/spaceserver/wire"
)

// exit codes (§6.4).
const (
	exitOK          = 0
	exitConfigError = 1
	exitStartupErr  = 2
)

func main() {
	configPath := flag.String("config", "", "path to the server's JSON configuration file")
	flag.Parse()
	if *configPath == "" {
		nlog.Errorf("spaceserver: -config is required")
		os.Exit(exitConfigError)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		nlog.Errorf("spaceserver: %v", err)
		os.Exit(exitConfigError)
	}
	config.GCO.Put(cfg)

	serverIDMap, err := config.ParseServerIDMap(cfg.ServerIDMap)
	if err != nil {
		nlog.Errorf("spaceserver: %v", err)
		os.Exit(exitConfigError)
	}

	if err := run(cfg, serverIDMap); err != nil {
		nlog.Errorf("spaceserver: %v", err)
		os.Exit(exitStartupErr)
	}
	os.Exit(exitOK)
}

func run(cfg *config.Config, serverIDMap map[ids.ServerId]string) error {
	self := cfg.Self()
	sink := metrics.New(prometheus.DefaultRegisterer)

	store, err := directory.Open(cfg.Directory.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	assignment := make([]ids.ServerId, len(cfg.Cseg.Assignment))
	for i, id := range cfg.Cseg.Assignment {
		assignment[i] = ids.ServerId(id)
	}
	cs, err := cseg.New(cseg.Config{
		Kind: cseg.Kind(cfg.Cseg.Kind),
		World: spatial.Aabb{
			Min: spatial.Point3{X: cfg.Cseg.WorldMin[0], Y: cfg.Cseg.WorldMin[1], Z: cfg.Cseg.WorldMin[2]},
			Max: spatial.Point3{X: cfg.Cseg.WorldMax[0], Y: cfg.Cseg.WorldMax[1], Z: cfg.Cseg.WorldMax[2]},
		},
		GridX: cfg.Cseg.GridX, GridY: cfg.Cseg.GridY, GridZ: cfg.Cseg.GridZ,
		Assignment:    assignment,
		ServiceHost:   cfg.Cseg.ServiceHost,
		ServicePort:   cfg.Cseg.ServicePort,
		DialTimeoutMs: cfg.Cseg.DialTimeoutMs,
		RPCTimeoutMs:  cfg.Cseg.RPCTimeoutMs,
	})
	if err != nil {
		return err
	}
	defer cs.Close()

	mainExec := executor.New("main", 1024)
	defer mainExec.Stop()

	fwd := forwarder.New(forwarder.Config{
		Self:            self,
		PeerQueueLen:    cfg.SMQ.PeerQueueLen,
		RateBytesPerSec: cfg.SMQ.RateBytesPerSec,
		RateBurstBytes:  cfg.SMQ.RateBurstBytes,
		MaxConnectTries: cfg.SMQ.MaxConnectTries,
		MaxHops:         uint8(cfg.Migration.MaxHops),
	}, sink)

	og := oseg.New(oseg.Config{
		Self:             self,
		Prefix:           cfg.Oseg.Prefix,
		CacheCapacity:    cfg.Oseg.CacheSize,
		CacheTTL:         cfg.Oseg.CacheTTL(),
		NotFoundSitOut:   cfg.Oseg.NotFoundRetry(),
		NotFoundMaxTries: cfg.Oseg.NotFoundMaxTries,
		ReadWorkers:      cfg.Oseg.ReadWorkers,
		WriteWorkers:     cfg.Oseg.WriteWorkers,
		QueueLen:         cfg.Oseg.LookupQueue,
	}, store, sink, fwd, mainExec.Post)
	fwd.WireLookup(og.AsDirectoryLookup())

	peerHub := network.NewPeerHub(network.Config{
		Self:        self,
		Listen:      cfg.Listen,
		ServerIDMap: serverIDMap,
	}, fwd)
	fwd.WireConnManager(peerHub)

	hostSrv := network.NewHostLinkServer(cfg.HostListen, nil, nil)

	gk := session.New(session.Config{
		Self:            self,
		AuthSecret:      []byte(cfg.Session.AuthSecret),
		DeliverQueueLen: cfg.Session.DeliverQueueLen,
	}, cs, og, hostSrv, sink)
	hostSrv.WireGatekeeper(gk)
	fwd.WireSessionDirectory(gk)

	migrationMgr := migration.New(migration.Config{
		Self:          self,
		Timeout:       cfg.Migration.Timeout(),
		GraceTimeout:  cfg.Migration.GraceTimeout(),
		MaxHops:       uint8(cfg.Migration.MaxHops),
		SweepInterval: cfg.Migration.SweepInterval(),
	}, og, cs, fwd, gk, gk, sink)
	defer migrationMgr.Close()

	hostSrv.WireMigrationHost(migrationMgr.HostMigrationConnect)
	fwd.WireTransitRegistry(migrationMgr)
	migrationMgr.SetReplayer(func(dg model.Datagram) { fwd.Route(dg) })

	fwd.RegisterHandler(wire.TypeMigratePayload, migrationMgr.HandleMigratePayload)
	fwd.RegisterHandler(wire.TypeMigrationAck, migrationMgr.HandleMigrationAck)
	fwd.RegisterHandler(wire.TypeDirectoryUpdate, func(from ids.ServerId, payload []byte) {
		u, err := wire.DecodeDirectoryUpdate(payload)
		if err != nil {
			nlog.Warningf("spaceserver: bad DirectoryUpdate from %s: %v", from, err)
			return
		}
		og.ReceiveDirectoryUpdate(u)
	})
	fwd.RegisterHandler(wire.TypeKillObjectConnection, func(from ids.ServerId, payload []byte) {
		k, err := wire.DecodeKillObjectConnection(payload)
		if err != nil {
			nlog.Warningf("spaceserver: bad KillObjectConnection from %s: %v", from, err)
			return
		}
		gk.Disconnect(k.Object, "kill_object_connection")
	})

	adminSrv := admin.New(cfg.Redacted(), &statsSource{og: og, fwd: fwd, mig: migrationMgr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopPeer := make(chan struct{})
	stopHost := make(chan struct{})
	metricsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.Handler()}

	var g errgroup.Group
	g.Go(func() error { return peerHub.Serve(stopPeer) })
	g.Go(func() error { return hostSrv.Serve(stopHost) })
	g.Go(func() error { return adminSrv.Serve(cfg.AdminListen) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	nlog.Infof("spaceserver: shutting down")

	// shutdown: stop accepting new work first, then close the admin and
	// metrics servers and the peer and host transports. Migrations and
	// directory writes still in flight are not waited for or flushed.
	close(stopPeer)
	close(stopHost)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminSrv.Close()
	_ = metricsSrv.Shutdown(shutdownCtx)
	peerHub.Close()
	hostSrv.Close()

	return g.Wait()
}

type statsSource struct {
	og  *oseg.OSEG
	fwd *forwarder.Forwarder
	mig *migration.Manager
}

func (s *statsSource) Snapshot() admin.StatsSnapshot {
	return admin.StatsSnapshot{
		ObjectsOwned:       s.og.OwnedCount(),
		PeersConnected:     s.fwd.PeerCount(),
		MigrationsInFlight: s.mig.InFlightCount(),
		ForwarderQueues:    s.fwd.QueueDepths(),
	}
}
