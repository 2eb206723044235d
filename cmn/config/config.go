// Package config loads and holds the process-wide configuration (§6.4)
// as one immutable snapshot, following the teacher's cmn.GCO pattern:
// a single global owner holding an atomically-swappable pointer, so
// every executor reads a consistent view without taking a lock on the
// hot path.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sirispace/spaceserver/core/ids"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

// CsegConfig covers both §4.1 segmentation variants; only the fields
// for Kind are consulted by the cseg factory.
type CsegConfig struct {
	Kind          string `json:"kind"` // "uniform" | "client"
	ServiceHost   string `json:"service_host"`
	ServicePort   int    `json:"service_port"`
	DialTimeoutMs int    `json:"dial_timeout_ms"`
	RPCTimeoutMs  int    `json:"rpc_timeout_ms"`

	WorldMin   [3]float32 `json:"world_min"`
	WorldMax   [3]float32 `json:"world_max"`
	GridX      int        `json:"grid_x"`
	GridY      int        `json:"grid_y"`
	GridZ      int        `json:"grid_z"`
	Assignment []uint32   `json:"assignment"`
}

type OsegConfig struct {
	Kind             string        `json:"kind"` // "loc" | "craq"
	Prefix           byte          `json:"prefix"`
	CacheSize        int           `json:"cache_size"`
	CacheTTLMs       int           `json:"cache_ttl_ms"`
	NotFoundRetryMs  int           `json:"not_found_retry_ms"`
	NotFoundMaxTries int           `json:"not_found_max_tries"`
	LookupQueue      int           `json:"lookup_queue"`
	ReadWorkers      int           `json:"read_workers"`
	WriteWorkers     int           `json:"write_workers"`
}

func (c OsegConfig) CacheTTL() time.Duration      { return time.Duration(c.CacheTTLMs) * time.Millisecond }
func (c OsegConfig) NotFoundRetry() time.Duration { return time.Duration(c.NotFoundRetryMs) * time.Millisecond }

type SMQConfig struct {
	PeerQueueLen    int     `json:"peer_queue_len"`
	RateBytesPerSec float64 `json:"rate_bytes_per_sec"`
	RateBurstBytes  int     `json:"rate_burst_bytes"`
	MaxConnectTries int     `json:"max_connect_tries"`
}

type MigrationConfig struct {
	TimeoutMs       int `json:"timeout_ms"`
	GraceTimeoutMs  int `json:"grace_timeout_ms"`
	MaxHops         int `json:"max_hops"`
	SweepIntervalMs int `json:"sweep_interval_ms"`
}

func (c MigrationConfig) Timeout() time.Duration      { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c MigrationConfig) GraceTimeout() time.Duration { return time.Duration(c.GraceTimeoutMs) * time.Millisecond }
func (c MigrationConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

type SessionConfig struct {
	AuthSecret      string `json:"auth_secret"` // empty disables auth entirely
	DeliverQueueLen int    `json:"deliver_queue_len"`
}

type DirectoryConfig struct {
	Path string `json:"path"` // buntdb file path, or ":memory:"
}

// Config is the full configuration surface (§6.4 + SPEC_FULL added
// fields).
type Config struct {
	ServerID      uint32          `json:"server_id"`
	Listen        string          `json:"listen"`          // peer-facing address
	HostListen    string          `json:"host_listen"`     // object-host-facing address
	ServerIDMap   string          `json:"server_id_map"`   // path to the id<tab>addr file
	AdminListen   string          `json:"admin_listen"`
	MetricsListen string          `json:"metrics_listen"`
	Cseg          CsegConfig      `json:"cseg"`
	Oseg          OsegConfig      `json:"oseg"`
	SMQ           SMQConfig       `json:"smq"`
	Migration     MigrationConfig `json:"migration"`
	Session       SessionConfig   `json:"session"`
	Directory     DirectoryConfig `json:"directory"`
}

func (c Config) Self() ids.ServerId { return ids.ServerId(c.ServerID) }

// Load reads and decodes a JSON configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := jsonc.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &c, nil
}

// Redacted returns cfg as a map suitable for the admin package's
// /config endpoint, with session.auth_secret scrubbed.
func (c Config) Redacted() map[string]any {
	var m map[string]any
	b, _ := jsonc.Marshal(c)
	_ = jsonc.Unmarshal(b, &m)
	if sess, ok := m["session"].(map[string]any); ok {
		if _, has := sess["auth_secret"]; has {
			sess["auth_secret"] = "<redacted>"
		}
	}
	return m
}

// ParseServerIDMap reads the server_id_map file (§6.4): one
// "id<tab>host:port" pair per line, blank lines and lines starting
// with '#' ignored.
func ParseServerIDMap(path string) (map[ids.ServerId]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open server_id_map %s: %w", path, err)
	}
	defer f.Close()

	out := map[ids.ServerId]string{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("config: server_id_map %s line %d: expected \"id<tab>addr\"", path, line)
		}
		n, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: server_id_map %s line %d: bad id %q: %w", path, line, fields[0], err)
		}
		out[ids.ServerId(n)] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// owner mirrors the teacher's cmn.GCO: a process-wide, atomically
// swappable pointer to the current Config.
type owner struct {
	v atomic.Value
}

// GCO ("global config owner") is the process-wide accessor, matching
// the teacher's cmn.GCO.Get()/Put() idiom.
var GCO = &owner{}

func (o *owner) Get() *Config {
	v := o.v.Load()
	if v == nil {
		panic("config: GCO.Get() called before GCO.Put()")
	}
	return v.(*Config)
}

func (o *owner) Put(c *Config) { o.v.Store(c) }
