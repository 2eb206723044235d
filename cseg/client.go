package cseg

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirispace/spaceserver/cmn/nlog"
	"github.com/sirispace/spaceserver/core/ids"
	"github.com/sirispace/spaceserver/core/spatial"
)

// frame kinds of the CSEG distributed-client wire protocol. This is a
// protocol between a space server and the central segmentation
// service, distinct from the server-to-server message table of §6.1,
// so it gets its own tiny framing rather than reusing the wire
// package's message types.
const (
	frameWorldPush    byte = 1
	frameRegionsPush  byte = 2
	frameLookupReq    byte = 3
	frameLookupResp   byte = 4
)

type worldPush struct {
	World      spatial.Aabb
	NumServers uint32
}

type regionsPush struct {
	Regions map[uint32][]spatial.Aabb
}

type lookupReq struct {
	ReqID uint64
	Point spatial.Point3
}

type lookupResp struct {
	ReqID  uint64
	Server uint32
	Found  bool
}

// clientSegmentation subscribes to a central segmentation service over
// a single long-lived TCP connection (§4.1 "Distributed BSP client").
type clientSegmentation struct {
	conn net.Conn

	mu      sync.RWMutex
	world   spatial.Aabb
	mapping Mapping
	servers uint32

	lookupMu    sync.RWMutex
	lookupCache map[spatial.Point3]ids.ServerId

	listenerMu sync.Mutex
	listeners  []ChangeListener

	pendingMu sync.Mutex
	pending   map[uint64]chan lookupResp
	nextReqID uint64

	writeMu    sync.Mutex
	rpcTimeout time.Duration
	closed     chan struct{}
	closeOnce  sync.Once
}

func newClient(cfg Config) (Segmentation, error) {
	addr := net.JoinHostPort(cfg.ServiceHost, strconv.Itoa(cfg.ServicePort))
	dialTimeout := msOrDefault(cfg.DialTimeoutMs, 5000)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	c := &clientSegmentation{
		conn:        conn,
		mapping:     Mapping{},
		lookupCache: map[spatial.Point3]ids.ServerId{},
		pending:     map[uint64]chan lookupResp{},
		rpcTimeout:  msOrDefault(cfg.RPCTimeoutMs, 2000),
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func msOrDefault(ms int, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}

// readLoop is the only goroutine that reads frames off the connection.
// It reassembles each frame fully (length-prefixed) before dispatch,
// so a partial read never surfaces to a listener or RPC waiter
// (§4.1 "Ordering guarantee"). Push frames are dispatched to listeners
// in the order the service emitted them, since this single goroutine
// processes them strictly in arrival order.
func (c *clientSegmentation) readLoop() {
	for {
		kind, payload, err := readClientFrame(c.conn)
		if err != nil {
			nlog.Warningf("cseg client: connection lost: %v", err)
			close(c.closed)
			return
		}
		switch kind {
		case frameWorldPush:
			var p worldPush
			if err := jsoniter.Unmarshal(payload, &p); err != nil {
				nlog.Warningf("cseg client: malformed world push: %v", err)
				continue
			}
			c.mu.Lock()
			c.world = p.World
			c.servers = p.NumServers
			c.mu.Unlock()
		case frameRegionsPush:
			var p regionsPush
			if err := jsoniter.Unmarshal(payload, &p); err != nil {
				nlog.Warningf("cseg client: malformed regions push: %v", err)
				continue
			}
			mapping := make(Mapping, len(p.Regions))
			for sid, regions := range p.Regions {
				mapping[ids.ServerId(sid)] = append(spatial.Region(nil), regions...)
			}
			c.mu.Lock()
			c.mapping = mapping
			c.mu.Unlock()
			c.lookupMu.Lock()
			c.lookupCache = map[spatial.Point3]ids.ServerId{} // invalidate on any update
			c.lookupMu.Unlock()
			c.dispatch(mapping)
		case frameLookupResp:
			var resp lookupResp
			if err := jsoniter.Unmarshal(payload, &resp); err != nil {
				nlog.Warningf("cseg client: malformed lookup response: %v", err)
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.ReqID]
			delete(c.pending, resp.ReqID)
			c.pendingMu.Unlock()
			if ok {
				ch <- resp
			}
		default:
			nlog.Warningf("cseg client: unknown frame kind %d", kind)
		}
	}
}

func (c *clientSegmentation) dispatch(m Mapping) {
	c.listenerMu.Lock()
	listeners := append([]ChangeListener(nil), c.listeners...)
	c.listenerMu.Unlock()
	for _, l := range listeners {
		l(m)
	}
}

func (c *clientSegmentation) OnChange(listener ChangeListener) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, listener)
	c.listenerMu.Unlock()
}

func (c *clientSegmentation) WorldRegion() spatial.Aabb {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.world
}

func (c *clientSegmentation) NumServers() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.servers
}

func (c *clientSegmentation) RegionOf(server ids.ServerId) spatial.Region {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mapping[server]
}

// Lookup resolves point -> server. A point already covered by a cached
// region answers instantly; otherwise it falls back to a synchronous
// RPC with a per-call timeout. On RPC failure it returns the last
// known answer for this exact point, or NullServer if there is none -
// it never returns an error (§4.1 "failures ... do not throw").
func (c *clientSegmentation) Lookup(p spatial.Point3) ids.ServerId {
	c.mu.RLock()
	world := c.world
	mapping := c.mapping
	c.mu.RUnlock()
	clamped := world.Clamp(p)

	for server, region := range mapping {
		if region.Contains(clamped) {
			return server
		}
	}

	c.lookupMu.RLock()
	cached, ok := c.lookupCache[clamped]
	c.lookupMu.RUnlock()

	server, err := c.rpcLookup(clamped)
	if err != nil {
		nlog.Warningf("cseg client: lookup RPC failed, falling back to last known: %v", err)
		if ok {
			return cached
		}
		return ids.NullServer
	}
	c.lookupMu.Lock()
	c.lookupCache[clamped] = server
	c.lookupMu.Unlock()
	return server
}

func (c *clientSegmentation) rpcLookup(p spatial.Point3) (ids.ServerId, error) {
	c.pendingMu.Lock()
	c.nextReqID++
	reqID := c.nextReqID
	ch := make(chan lookupResp, 1)
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	payload, err := jsoniter.Marshal(lookupReq{ReqID: reqID, Point: p})
	if err != nil {
		return 0, err
	}
	if err := writeClientFrame(c.conn, &c.writeMu, frameLookupReq, payload); err != nil {
		return 0, err
	}

	select {
	case resp := <-ch:
		if !resp.Found {
			return ids.NullServer, nil
		}
		return ids.ServerId(resp.Server), nil
	case <-time.After(c.rpcTimeout):
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return 0, errTimeout
	case <-c.closed:
		return 0, errClosed
	}
}

func (c *clientSegmentation) Close() error {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
	return nil
}

var (
	errTimeout = netErr("cseg: rpc lookup timed out")
	errClosed  = netErr("cseg: connection closed")
)

type netErr string

func (e netErr) Error() string { return string(e) }

func readClientFrame(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	kind := hdr[4]
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return kind, payload, nil
}

func writeClientFrame(w io.Writer, mu *sync.Mutex, kind byte, payload []byte) error {
	mu.Lock()
	defer mu.Unlock()
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = kind
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
