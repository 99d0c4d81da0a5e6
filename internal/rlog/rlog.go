// Copyright 2024 The dynmap Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rlog is a small leveled logger in the style of a glog emitter,
// used for the cache's rare diagnostic output (segment additions, the
// teardown IPI-broadcast fallback, AutoSet leak warnings). It intentionally
// does not attempt to be a general-purpose logging facility.
package rlog

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// Level is a log severity.
type Level int32

// Severities, most to least severe.
const (
	Warning Level = iota
	Info
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "W"
	case Info:
		return "I"
	case Debug:
		return "D"
	default:
		return "?"
	}
}

// Emitter is the sink for formatted log lines.
type Emitter interface {
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// stderrEmitter writes "Lhh:mm:ss.uuuuuu file:line] msg" to stderr,
// skipping the custom byte-buffer formatting a higher-volume logger would
// want (not worth it at this module's log volume).
type stderrEmitter struct{}

func (stderrEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		msg = fmt.Sprintf("%s:%d] %s", file, line, msg)
	}
	fmt.Fprintf(os.Stderr, "%s%s %s\n", level, timestamp.Format("15:04:05.000000"), msg)
}

var (
	emitter   Emitter = stderrEmitter{}
	threshold atomic.Int32
)

func init() {
	threshold.Store(int32(Info))
}

// SetLevel controls the maximum severity (by depth from Warning) emitted.
func SetLevel(l Level) {
	threshold.Store(int32(l))
}

// SetEmitter replaces the destination for log lines, e.g. in tests that
// want to assert on diagnostic output.
func SetEmitter(e Emitter) {
	emitter = e
}

func emit(level Level, format string, v ...any) {
	if int32(level) > threshold.Load() {
		return
	}
	emitter.Emit(2, level, time.Now(), format, v...)
}

// Warningf logs at Warning severity.
func Warningf(format string, v ...any) { emit(Warning, format, v...) }

// Infof logs at Info severity.
func Infof(format string, v ...any) { emit(Info, format, v...) }

// Debugf logs at Debug severity.
func Debugf(format string, v ...any) { emit(Debug, format, v...) }
