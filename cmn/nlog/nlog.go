// Package nlog is the service logger: buffered, severity-leveled, rotated
// by size. Adapted from the teacher's cmn/nlog — the teacher keeps a pool
// of fixed-size zero-alloc buffers per severity because it logs on the
// object I/O hot path; our hot path (prefetch submit/process loops) logs
// far less often, so this version trades that pool for a plain
// mutex-guarded bufio.Writer and keeps the rest of the shape: severity
// levels, periodic flush, size-based rotation.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lavenderdata/lavender/cmn/mono"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var MaxSize int64 = 4 * 1024 * 1024

type logger struct {
	mu      sync.Mutex
	w       *bufio.Writer
	file    *os.File
	dir     string
	sev     severity
	written int64
	last    int64
}

var (
	loggers      [3]*logger
	toStderr     bool
	alsoToStderr bool
	logDir       string
	title        = "lavender"
	once         sync.Once
)

func Init(dir string, stderr, also bool) {
	logDir, toStderr, alsoToStderr = dir, stderr, also
	once.Do(openAll)
}

func SetTitle(s string) { title = s }

func openAll() {
	for sev := sevInfo; sev <= sevErr; sev++ {
		loggers[sev] = &logger{sev: sev, dir: logDir}
	}
}

func ensure(sev severity) *logger {
	once.Do(openAll)
	l := loggers[sev]
	l.mu.Lock()
	if l.w == nil && l.dir != "" {
		_ = os.MkdirAll(l.dir, 0o755)
		name := filepath.Join(l.dir, fmt.Sprintf("%s.%s.log", title, sevName(sev)))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			l.file = f
			l.w = bufio.NewWriterSize(f, 64*1024)
		}
	}
	l.mu.Unlock()
	return l
}

func sevName(sev severity) string {
	switch sev {
	case sevWarn:
		return "WARNING"
	case sevErr:
		return "ERROR"
	default:
		return "INFO"
	}
}

func write(sev severity, format string, args ...any) {
	ts := time.Now().Format("0102 15:04:05.000000")
	var line string
	if format == "" {
		line = fmt.Sprintln(args...)
	} else {
		line = fmt.Sprintf(format, args...) + "\n"
	}
	full := fmt.Sprintf("%c%s %s", "IWE"[sev], ts, line)

	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(full)
	}
	if toStderr {
		return
	}

	l := ensure(sev)
	l.mu.Lock()
	if l.w != nil {
		l.w.WriteString(full)
		l.written += int64(len(full))
		l.last = mono.NanoTime()
		if l.written > MaxSize {
			l.w.Flush()
			name := l.file.Name()
			l.file.Close()
			// move the full file aside so ensure() starts a fresh one
			_ = os.Rename(name, name+"."+time.Now().Format("20060102-150405.000000"))
			l.file = nil
			l.w = nil
			l.written = 0
		}
	}
	l.mu.Unlock()
}

func Infoln(args ...any)                  { write(sevInfo, "", args...) }
func Infof(format string, args ...any)    { write(sevInfo, format, args...) }
func Warningln(args ...any)               { write(sevWarn, "", args...) }
func Warningf(format string, args ...any) { write(sevWarn, format, args...) }
func Errorln(args ...any)                 { write(sevErr, "", args...) }
func Errorf(format string, args ...any)   { write(sevErr, format, args...) }

// Flush forces pending bytes for every severity out to disk; call on exit.
func Flush() {
	for _, l := range loggers {
		if l == nil {
			continue
		}
		l.mu.Lock()
		if l.w != nil {
			l.w.Flush()
		}
		l.mu.Unlock()
	}
}
