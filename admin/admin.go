// Package admin implements the lightweight operator-facing diagnostics
// surface named in SPEC_FULL §2 DOMAIN STACK: /healthz, /stats, and
// /config, served over valyala/fasthttp rather than net/http, since
// this is a side-channel surface with its own listener and nothing
// here sits on the routing hot path.
package admin

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/sirispace/spaceserver/cmn/nlog"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// StatsSnapshot is the /stats response body: a point-in-time read of
// the values an operator cares about that the prometheus registry
// does not summarize on its own (§5 "any other thread that needs a
// read must post a request and receive a reply").
type StatsSnapshot struct {
	UptimeSeconds     float64          `json:"uptime_seconds"`
	ObjectsOwned      int              `json:"objects_owned"`
	PeersConnected    int              `json:"peers_connected"`
	MigrationsInFlight int             `json:"migrations_in_flight"`
	ForwarderQueues   map[string]int   `json:"forwarder_queue_depth"`
}

// StatsSource supplies the live values backing /stats. Implemented by
// main.go's server wiring, which is the only place that can safely
// post a read request to every executor (oseg, forwarder, migration).
type StatsSource interface {
	Snapshot() StatsSnapshot
}

// Server is the admin HTTP surface. One per process.
type Server struct {
	cfg    map[string]any
	stats  StatsSource
	start  time.Time
	fasthttp *fasthttp.Server
}

// New builds the admin server. cfg is the already-loaded, redaction-
// safe configuration to echo back on /config (secrets such as
// session.auth_secret must be scrubbed by the caller before passing it
// in - this package does not know which fields are sensitive).
func New(cfg map[string]any, stats StatsSource) *Server {
	s := &Server{cfg: cfg, stats: stats, start: time.Now()}
	s.fasthttp = &fasthttp.Server{
		Handler: s.handle,
		Name:    "spaceserver-admin",
	}
	return s
}

// Serve blocks, accepting on listen until Close is called.
func (s *Server) Serve(listen string) error {
	nlog.Infof("admin: listening on %s", listen)
	return s.fasthttp.ListenAndServe(listen)
}

func (s *Server) Close() error {
	return s.fasthttp.Shutdown()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/healthz":
		s.handleHealthz(ctx)
	case "/stats":
		s.handleStats(ctx)
	case "/config":
		s.handleConfig(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	body, _ := jsonc.Marshal(map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.start).Seconds(),
	})
	ctx.SetBody(body)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	snap := s.stats.Snapshot()
	snap.UptimeSeconds = time.Since(s.start).Seconds()
	body, err := jsonc.Marshal(snap)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) handleConfig(ctx *fasthttp.RequestCtx) {
	body, err := jsonc.Marshal(s.cfg)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
