// Package nlog is the process-wide leveled logger. It is deliberately
// small: a handful of level-gated writers over the standard library's
// log.Logger, so that every package in this module logs the same way
// without pulling in a third-party logging framework for what is, in
// the end, a few dozen call sites per package.
package nlog

import (
	"log"
	"os"
	"sync/atomic"
)

// Level gates expensive call sites (formatting, snapshotting) before
// they run, not just before the write - see FastV.
type Level int32

const (
	LevelError Level = iota
	LevelWarning
	LevelInfo
	LevelDebug
)

var (
	std   = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	level int32 = int32(LevelInfo)
)

// SetLevel changes the global verbosity. Safe to call concurrently with
// logging calls.
func SetLevel(l Level) { atomic.StoreInt32(&level, int32(l)) }

func enabled(l Level) bool { return l <= Level(atomic.LoadInt32(&level)) }

// FastV reports whether the given verbosity would currently be logged,
// letting a hot-path caller skip building an expensive log line (a
// snapshot, a %+v dump) when nothing will read it. Mirrors the
// teacher's cmn.Rom.FastV(verbosity, module) gate, minus the
// per-module override table (this codebase has one process-wide
// level, not per-subsystem verbosity).
func FastV(v int) bool { return enabled(Level(v)) }

func Infoln(v ...any) {
	if enabled(LevelInfo) {
		std.Println(append([]any{"I|"}, v...)...)
	}
}

func Infof(format string, v ...any) {
	if enabled(LevelInfo) {
		std.Printf("I| "+format, v...)
	}
}

func Warningln(v ...any) {
	if enabled(LevelWarning) {
		std.Println(append([]any{"W|"}, v...)...)
	}
}

func Warningf(format string, v ...any) {
	if enabled(LevelWarning) {
		std.Printf("W| "+format, v...)
	}
}

func Errorln(v ...any) {
	if enabled(LevelError) {
		std.Println(append([]any{"E|"}, v...)...)
	}
}

func Errorf(format string, v ...any) {
	if enabled(LevelError) {
		std.Printf("E| "+format, v...)
	}
}

// Fatalln logs and exits the process. Reserved for the Fatal error
// class of §7 - bind failures, corrupt configuration - never called
// from steady-state routing or migration code.
func Fatalln(v ...any) {
	std.Println(append([]any{"F|"}, v...)...)
	os.Exit(1)
}
