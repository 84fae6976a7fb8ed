// Package relaylog is the relay's structured logger: leveled messages
// written to both stdout and a dedicated relay.log file.
package relaylog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var state struct {
	mu       sync.Mutex
	file     *os.File
	fileLog  *log.Logger
	initOnce sync.Once
	level    int32 // atomic Level; LevelDebug (the zero value) until Init sets LevelInfo
}

// Init opens the dedicated relay.log file under logDir. Safe to call
// multiple times; only the first call takes effect. Debug logging is off
// by default; call SetDebug(true) or let config's hot-reload do it.
func Init(logDir string) {
	state.initOnce.Do(func() {
		atomic.StoreInt32(&state.level, int32(LevelInfo))
		log.SetOutput(os.Stdout)

		logPath := filepath.Join(logDir, "relay.log")
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[relaylog] WARNING: could not open %s: %v (logging to stdout only)", logPath, err)
			return
		}

		state.mu.Lock()
		state.file = f
		state.fileLog = log.New(f, "", 0)
		state.mu.Unlock()
		log.Printf("[relaylog] relay log file initialized: %s", logPath)
	})
}

// SetDebug toggles debug-level logging at runtime. This is the hook
// config's fsnotify watcher calls when the "debug" setting changes in
// the config file; it has no effect on the wire protocol.
func SetDebug(enabled bool) {
	if enabled {
		atomic.StoreInt32(&state.level, int32(LevelDebug))
	} else {
		atomic.StoreInt32(&state.level, int32(LevelInfo))
	}
}

func minLevel() Level {
	return Level(atomic.LoadInt32(&state.level))
}

func write(level Level, format string, args ...interface{}) {
	if level < minLevel() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s", level, msg)

	log.Print(line)

	state.mu.Lock()
	if state.fileLog != nil {
		state.fileLog.Printf("%s %s", time.Now().Format("2006/01/02 15:04:05"), line)
	}
	state.mu.Unlock()
}

func Debugf(format string, args ...interface{}) { write(LevelDebug, format, args...) }
func Infof(format string, args ...interface{})  { write(LevelInfo, format, args...) }
func Warnf(format string, args ...interface{})  { write(LevelWarn, format, args...) }
func Errorf(format string, args ...interface{}) { write(LevelError, format, args...) }

// Close closes the relay log file, if one was opened.
func Close() {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.file != nil {
		state.file.Close()
		state.file = nil
		state.fileLog = nil
	}
}
