// Package nlog is a small leveled logger: Info/Warning/Error lines,
// timestamped, written to an io.Writer (stderr by default). It is the
// logging sink every other package in this module calls into rather than
// rolling its own log.Printf.
//
// The teacher's own cmn/nlog additionally buffers, rotates, and flushes
// to per-severity files on disk; that machinery lived in files the
// retrieval pack did not carry over (fixed-buffer pool, mono clock), so
// this port keeps the call surface (Infof/Warningf/Errorf/Flush) and
// severity routing but backs it with a plain synchronized io.Writer
// instead of reimplementing file rotation from scratch.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) String() string {
	switch s {
	case sevWarn:
		return "W"
	case sevErr:
		return "E"
	default:
		return "I"
	}
}

var (
	mu        sync.Mutex
	out       io.Writer = os.Stderr
	threshold           = sevInfo
)

// SetOutput redirects all subsequent log lines; nil resets to os.Stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

// SetQuiet raises the threshold to Warning, silencing Infof.
func SetQuiet(quiet bool) {
	mu.Lock()
	defer mu.Unlock()
	if quiet {
		threshold = sevWarn
	} else {
		threshold = sevInfo
	}
}

func log(sev severity, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if sev < threshold {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	fmt.Fprintf(out, "%s %s %s\n", ts, sev, msg)
}

func Infof(format string, args ...any)    { log(sevInfo, format, args...) }
func Infoln(args ...any)                  { log(sevInfo, fmt.Sprint(args...)) }
func Warningf(format string, args ...any) { log(sevWarn, format, args...) }
func Warningln(args ...any)               { log(sevWarn, fmt.Sprint(args...)) }
func Errorf(format string, args ...any)   { log(sevErr, format, args...) }
func Errorln(args ...any)                 { log(sevErr, fmt.Sprint(args...)) }

// Flush is a no-op placeholder kept for parity with the teacher's
// buffered logger's shutdown sequence; this backend writes synchronously.
func Flush() {}
