package network

import (
	"io"
	"net"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/spatial"
	"github.com/sirispace/spaceserver/session"
	"github.com/sirispace/spaceserver/wire"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// Object-host substream message kinds. §6.1 only names the wire
// protocol between space servers; the Connect/ConnectResponse/
// Disconnect/InitMigration substream to an object host is explicitly
// out of that module's scope (session.HostTransport's doc comment),
// so it gets its own tag space reusing wire's length-prefixed framing
// rather than the five server-to-server message types.
const (
	hostMsgConnect         wire.MessageType = 6
	hostMsgConnectResponse wire.MessageType = 7
	hostMsgDisconnect      wire.MessageType = 8
	hostMsgInitMigration   wire.MessageType = 9
)

type connectWire struct {
	Object      ids.ObjectId
	Kind        session.ConnectKind
	Loc         [3]float32
	Orientation wire.Orientation
	Bounds      wire.Bounds
	Mesh        string
	Auth        string
	OHName      string
}

type connectResponseWire struct {
	Outcome        session.ConnectOutcome
	RedirectServer ids.ServerId
	Loc            [3]float32
	Orientation    wire.Orientation
	Bounds         wire.Bounds
	Mesh           string
}

type disconnectWire struct {
	Object ids.ObjectId
	Reason string
}

type initMigrationWire struct {
	NewServer ids.ServerId
}

// Gatekeeper is the subset of session.Gatekeeper the host link server
// drives.
type Gatekeeper interface {
	Connect(req session.Connect, migrationHost func(id ids.ObjectId, ohName string)) (ids.SessionId, *session.ConnectResponse, bool)
	Disconnect(id ids.ObjectId, reason string)
}

// MigrationHost is called when a Migration-kind Connect arrives, to
// hand it to the migration state machine's HostMigrationConnect.
type MigrationHost func(id ids.ObjectId, ohName string)

// HostLinkServer accepts TCP connections from object hosts and speaks
// the Connect/ConnectResponse/Disconnect/InitMigration substream,
// implementing session.HostTransport for the reply-path messages the
// gatekeeper and migration state machine send asynchronously.
type HostLinkServer struct {
	listen string
	gk     Gatekeeper
	onMig  MigrationHost

	mu    sync.Mutex
	conns map[ids.SessionId]net.Conn
	ln    net.Listener
}

// NewHostLinkServer constructs a host-link server. gk/onMig may be nil
// at construction time and wired later with WireGatekeeper/
// WireMigrationHost - main.go's session.Gatekeeper and
// migration.Manager both need a reference to this server (as
// HostTransport) before they themselves exist, so the cycle is broken
// the same way forwarder.New's Wire* setters break its own.
func NewHostLinkServer(listen string, gk Gatekeeper, onMig MigrationHost) *HostLinkServer {
	return &HostLinkServer{
		listen: listen,
		gk:     gk,
		onMig:  onMig,
		conns:  map[ids.SessionId]net.Conn{},
	}
}

func (s *HostLinkServer) WireGatekeeper(gk Gatekeeper)       { s.gk = gk }
func (s *HostLinkServer) WireMigrationHost(onMig MigrationHost) { s.onMig = onMig }

// Serve binds listen and accepts object-host connections until stop is
// closed.
func (s *HostLinkServer) Serve(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				nlog.Warningf("network: host-link accept failed: %v", err)
				continue
			}
		}
		tuneSocket(conn)
		go s.serveConn(conn)
	}
}

// serveConn owns the set of objects this particular connection has
// installed via Connect. A bare TCP close (crash, dropped link) never
// sends Disconnect, but spec.md §3 still requires it to tear down
// every object attached to the session - so the defer below disconnects
// everything still outstanding on this connection, not just the ones
// that got an explicit Disconnect message first.
func (s *HostLinkServer) serveConn(conn net.Conn) {
	live := map[ids.SessionId]ids.ObjectId{}

	defer func() {
		s.mu.Lock()
		for sess := range live {
			delete(s.conns, sess)
		}
		s.mu.Unlock()
		for _, obj := range live {
			s.gk.Disconnect(obj, "connection_closed")
		}
		conn.Close()
	}()

	for {
		msgType, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				nlog.Warningf("network: host-link read failed: %v", err)
			}
			return
		}
		switch msgType {
		case hostMsgConnect:
			var w connectWire
			if err := jsonc.Unmarshal(payload, &w); err != nil {
				nlog.Warningf("network: bad Connect payload: %v", err)
				continue
			}
			req := decodeConnect(w)
			sess, resp, ready := s.gk.Connect(req, s.onMig)
			live[sess] = req.Object
			s.mu.Lock()
			s.conns[sess] = conn
			s.mu.Unlock()
			if ready && resp != nil {
				s.send(conn, hostMsgConnectResponse, encodeConnectResponse(*resp))
			}
		case hostMsgDisconnect:
			var w disconnectWire
			if err := jsonc.Unmarshal(payload, &w); err != nil {
				nlog.Warningf("network: bad Disconnect payload: %v", err)
				continue
			}
			s.gk.Disconnect(w.Object, w.Reason)
			for sess, obj := range live {
				if obj == w.Object {
					delete(live, sess)
					s.mu.Lock()
					delete(s.conns, sess)
					s.mu.Unlock()
				}
			}
			return
		default:
			nlog.Warningf("network: unexpected host-link message type %d", msgType)
		}
	}
}

func (s *HostLinkServer) send(conn net.Conn, msgType wire.MessageType, payload []byte) {
	if err := wire.EncodeFrame(conn, msgType, payload); err != nil {
		nlog.Warningf("network: host-link write failed: %v", err)
	}
}

// SendConnectResponse implements session.HostTransport.
func (s *HostLinkServer) SendConnectResponse(sess ids.SessionId, resp session.ConnectResponse) {
	s.mu.Lock()
	conn, ok := s.conns[sess]
	s.mu.Unlock()
	if !ok {
		nlog.Warningf("network: no host link for session %d, dropping ConnectResponse", sess)
		return
	}
	s.send(conn, hostMsgConnectResponse, encodeConnectResponse(resp))
}

// SendInitMigration implements session.HostTransport.
func (s *HostLinkServer) SendInitMigration(sess ids.SessionId, newServer ids.ServerId) {
	s.mu.Lock()
	conn, ok := s.conns[sess]
	s.mu.Unlock()
	if !ok {
		nlog.Warningf("network: no host link for session %d, dropping InitMigration", sess)
		return
	}
	buf, _ := jsonc.Marshal(initMigrationWire{NewServer: newServer})
	s.send(conn, hostMsgInitMigration, buf)
}

func (s *HostLinkServer) Close() {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[ids.SessionId]net.Conn{}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func point3(a [3]float32) spatial.Point3 { return spatial.Point3{X: a[0], Y: a[1], Z: a[2]} }

func decodeConnect(w connectWire) session.Connect {
	return session.Connect{
		Object:      w.Object,
		Kind:        w.Kind,
		Loc:         point3(w.Loc),
		Orientation: w.Orientation,
		Bounds:      w.Bounds,
		Mesh:        w.Mesh,
		Auth:        w.Auth,
		OHName:      w.OHName,
	}
}

func encodeConnectResponse(r session.ConnectResponse) []byte {
	w := connectResponseWire{
		Outcome:        r.Outcome,
		RedirectServer: r.RedirectServer,
		Loc:            [3]float32{r.Loc.X, r.Loc.Y, r.Loc.Z},
		Orientation:    r.Orientation,
		Bounds:         r.Bounds,
		Mesh:           r.Mesh,
	}
	buf, _ := jsonc.Marshal(w)
	return buf
}
