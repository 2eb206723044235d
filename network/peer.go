// Package network implements the transport layer that carries the
// server-to-server wire protocol (§6.1) between peers and the
// object-host facing substream (§6.2) between a server and its
// connected object hosts. It is the network executor's home: one
// goroutine per connection pumping frames in and out, everything else
// (routing, fair queuing, directory state) lives upstream of Receive.
package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/forwarder"
	"github.com/sirispace/spaceserver/wire"
	"golang.org/x/sys/unix"
)

// PeerRouter is the subset of forwarder.Forwarder the peer transport
// drives: pulling outbound frames and handing inbound ones back.
type PeerRouter interface {
	NextForPeer(ctx context.Context, peer ids.ServerId) (wire.MessageType, []byte, bool)
	Receive(from ids.ServerId, msgType wire.MessageType, payload []byte)
	ClosePeer(peer ids.ServerId)
}

// Config collects the peer transport's tunables (§4.3, §6.4).
type Config struct {
	Self            ids.ServerId
	Listen          string                     // host:port this server accepts peer connections on
	ServerIDMap     map[ids.ServerId]string    // server_id_map: peer id -> host:port
	DialTimeout     time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	DrainGrace      time.Duration // §4.3 "symmetric-connection tie-break with 5s grace drain"
}

// PeerHub implements forwarder.ConnManager: it owns the listener
// accepting inbound peer connections and the lazy dial-with-retry
// logic for outbound ones, and tunes every peer socket with
// TCP_NODELAY/SO_REUSEADDR (SPEC_FULL §4.3 added).
type PeerHub struct {
	cfg    Config
	router PeerRouter

	mu      sync.Mutex
	dialing map[ids.ServerId]bool
	conns   map[ids.ServerId]net.Conn
	ln      net.Listener
}

func NewPeerHub(cfg Config, router PeerRouter) *PeerHub {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 5 * time.Second
	}
	return &PeerHub{
		cfg:     cfg,
		router:  router,
		dialing: map[ids.ServerId]bool{},
		conns:   map[ids.ServerId]net.Conn{},
	}
}

// Serve binds cfg.Listen and accepts peer connections until stop is
// closed. Call it from the network executor's goroutine.
func (h *PeerHub) Serve(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", h.cfg.Listen)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

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
				nlog.Warningf("network: accept failed: %v", err)
				continue
			}
		}
		go h.handleAccepted(conn)
	}
}

// EnsureConnected implements forwarder.ConnManager: establishes an
// outbound connection to peer if none exists yet, retrying with
// jittered backoff in the background (§4.3 "established lazily on
// first send").
func (h *PeerHub) EnsureConnected(peer ids.ServerId) {
	h.mu.Lock()
	if _, ok := h.conns[peer]; ok {
		h.mu.Unlock()
		return
	}
	if h.dialing[peer] {
		h.mu.Unlock()
		return
	}
	h.dialing[peer] = true
	h.mu.Unlock()

	go h.dialWithRetry(peer)
}

func (h *PeerHub) dialWithRetry(peer ids.ServerId) {
	defer func() {
		h.mu.Lock()
		delete(h.dialing, peer)
		h.mu.Unlock()
	}()

	addr, ok := h.cfg.ServerIDMap[peer]
	if !ok {
		nlog.Errorf("network: no address for peer %s in server_id_map", peer)
		return
	}
	delay := h.cfg.RetryBaseDelay
	for {
		h.mu.Lock()
		_, already := h.conns[peer]
		h.mu.Unlock()
		if already {
			return
		}
		conn, err := net.DialTimeout("tcp", addr, h.cfg.DialTimeout)
		if err == nil {
			if err := h.helloAndAdopt(conn, peer); err == nil {
				return
			}
		} else {
			nlog.Warningf("network: dial %s (%s) failed: %v", peer, addr, err)
		}
		time.Sleep(jitter(delay))
		delay *= 2
		if delay > h.cfg.RetryMaxDelay {
			delay = h.cfg.RetryMaxDelay
		}
	}
}

// helloAndAdopt performs the outbound side of the identification
// handshake (send our ServerId, read theirs) and, honoring the
// symmetric-connection tie-break, either adopts conn as the peer link
// or closes it in favor of the peer's own outbound stream.
func (h *PeerHub) helloAndAdopt(conn net.Conn, want ids.ServerId) error {
	if err := sendHello(conn, h.cfg.Self); err != nil {
		conn.Close()
		return err
	}
	got, err := readHello(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if got != want {
		nlog.Warningf("network: dialed %s but it identified as %s; dropping", want, got)
		conn.Close()
		return io.ErrUnexpectedEOF
	}
	tuneSocket(conn)
	h.adopt(got, conn)
	return nil
}

func (h *PeerHub) handleAccepted(conn net.Conn) {
	peer, err := readHello(conn)
	if err != nil {
		nlog.Warningf("network: inbound peer handshake failed: %v", err)
		conn.Close()
		return
	}
	if err := sendHello(conn, h.cfg.Self); err != nil {
		conn.Close()
		return
	}
	tuneSocket(conn)

	// symmetric-connection tie-break (§4.3): the side that keeps its own
	// outbound stream (the smaller ServerId) drains this accepted one
	// briefly and closes it when it already has an outbound link; the
	// other side adopts the accepted stream, which closes its outbound.
	if forwarder.KeepOutbound(h.cfg.Self, peer) {
		h.mu.Lock()
		_, haveOutbound := h.conns[peer]
		h.mu.Unlock()
		if haveOutbound {
			h.drainAndClose(conn, peer)
			return
		}
	}
	h.adopt(peer, conn)
}

func (h *PeerHub) drainAndClose(conn net.Conn, peer ids.ServerId) {
	conn.SetReadDeadline(time.Now().Add(h.cfg.DrainGrace))
	for {
		msgType, payload, err := wire.ReadFrame(conn)
		if err != nil {
			break
		}
		h.router.Receive(peer, msgType, payload)
	}
	conn.Close()
}

func (h *PeerHub) adopt(peer ids.ServerId, conn net.Conn) {
	h.mu.Lock()
	if old, ok := h.conns[peer]; ok {
		old.Close()
	}
	h.conns[peer] = conn
	h.mu.Unlock()

	go h.readLoop(peer, conn)
	go h.writeLoop(peer, conn)
}

func (h *PeerHub) readLoop(peer ids.ServerId, conn net.Conn) {
	for {
		msgType, payload, err := wire.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				nlog.Warningf("network: read from %s failed: %v", peer, err)
			}
			h.closeConn(peer, conn)
			return
		}
		h.router.Receive(peer, msgType, payload)
	}
}

func (h *PeerHub) writeLoop(peer ids.ServerId, conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// NextForPeer blocks on pl.stop via fairQueue.Wait; closing
		// ctx here only needs to unblock the token bucket's wait, so
		// tie it to the connection's own lifetime.
		<-ctx.Done()
	}()
	defer cancel()
	for {
		msgType, payload, ok := h.router.NextForPeer(ctx, peer)
		if !ok {
			h.closeConn(peer, conn)
			return
		}
		if err := wire.EncodeFrame(conn, msgType, payload); err != nil {
			nlog.Warningf("network: write to %s failed: %v", peer, err)
			h.closeConn(peer, conn)
			return
		}
	}
}

func (h *PeerHub) closeConn(peer ids.ServerId, conn net.Conn) {
	h.mu.Lock()
	if cur, ok := h.conns[peer]; ok && cur == conn {
		delete(h.conns, peer)
	}
	h.mu.Unlock()
	conn.Close()
	h.router.ClosePeer(peer)
}

// Close shuts down the listener and every peer connection.
func (h *PeerHub) Close() {
	h.mu.Lock()
	if h.ln != nil {
		h.ln.Close()
	}
	conns := make([]net.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[ids.ServerId]net.Conn{}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// tuneSocket applies the peer-link socket options named in SPEC_FULL
// §4.3: TCP_NODELAY (datagrams are latency-sensitive, not throughput-
// bound) and SO_REUSEADDR (fast restart after a crash without waiting
// out TIME_WAIT).
func tuneSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
}

// sendHello/readHello exchange a bare 4-byte ServerId ahead of any
// framed traffic, so each side of an accepted connection knows which
// peer it just accepted (net.Listener.Accept alone does not tell you).
func sendHello(conn net.Conn, self ids.ServerId) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(self))
	_, err := conn.Write(buf[:])
	return err
}

func readHello(conn net.Conn) (ids.ServerId, error) {
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, err
	}
	return ids.ServerId(binary.BigEndian.Uint32(buf[:])), nil
}

// jitter spreads reconnect attempts across a fleet restart so peers
// don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d
	}
	return d/2 + time.Duration(n.Int64())/2
}
