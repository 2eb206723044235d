// Package mono wraps the monotonic clock so every duration comparison
// in this module - cache TTL, migration wall-clock budget, token-bucket
// refill, connection-retry backoff - goes through one place and is
// immune to wall-clock adjustment. Mirrors the teacher's cmn/mono.
package mono

import "time"

// NanoTime returns a monotonic timestamp in nanoseconds. Only ever
// compared to another value from this function; never serialized or
// interpreted as wall-clock time.
func NanoTime() int64 { return int64(time.Since(start)) }

// start anchors NanoTime; time.Since uses the monotonic reading that
// time.Now carries, so wall-clock steps do not move the result.
var start = time.Now()

// Since returns the elapsed duration from a prior NanoTime() reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }

// Expired reports whether d has elapsed since t.
func Expired(t int64, d time.Duration) bool { return Since(t) >= d }
