// Package xlog provides a small leveled logger with per-component overrides.
package xlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// Config holds logging configuration from YAML.
type Config struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
	File       string            `yaml:"file,omitempty"`
}

// Hook is a callback invoked for every log message that passes level filtering.
type Hook func(level Level, component, message string)

// Logger provides per-component log level filtering.
type Logger struct {
	globalLevel Level
	components  map[string]Level // lowercase component name → level (immutable after init)
	levelCache  sync.Map         // component → Level (lock-free cache)
	hook        atomic.Pointer[Hook]
	logFile     *os.File
}

// ParseLevel converts a string level name to Level.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// New creates a Logger from config. If cfg.File is set, log output is
// duplicated to that file in addition to stderr.
func New(cfg Config) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]Level, len(cfg.Components)),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}

	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			l.logFile = f
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}

	return l
}

// Close flushes and closes the log file (if any).
func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Sync()
		l.logFile.Close()
		l.logFile = nil
	}
}

// SetHook installs a callback that receives every log message passing level
// filtering. Pass nil to remove the hook.
func (l *Logger) SetHook(h Hook) {
	if h == nil {
		l.hook.Store(nil)
	} else {
		l.hook.Store(&h)
	}
}

func (l *Logger) emit(level Level, component, msg string) {
	if hp := l.hook.Load(); hp != nil {
		(*hp)(level, component, msg)
	}
}

// levelFor returns the effective log level for a component tag, cached
// lock-free after the first lookup.
func (l *Logger) levelFor(component string) Level {
	if v, ok := l.levelCache.Load(component); ok {
		return v.(Level)
	}
	lvl := l.globalLevel
	if cl, ok := l.components[strings.ToLower(component)]; ok {
		lvl = cl
	}
	l.levelCache.Store(component, lvl)
	return lvl
}

func (l *Logger) Debugf(component, format string, args ...any) {
	if l.levelFor(component) <= LevelDebug {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", component, msg)
		l.emit(LevelDebug, component, msg)
	}
}

func (l *Logger) Infof(component, format string, args ...any) {
	if l.levelFor(component) <= LevelInfo {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", component, msg)
		l.emit(LevelInfo, component, msg)
	}
}

func (l *Logger) Warnf(component, format string, args ...any) {
	if l.levelFor(component) <= LevelWarn {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", component, msg)
		l.emit(LevelWarn, component, msg)
	}
}

func (l *Logger) Errorf(component, format string, args ...any) {
	if l.levelFor(component) <= LevelError {
		msg := fmt.Sprintf(format, args...)
		log.Printf("[%s] %s", component, msg)
		l.emit(LevelError, component, msg)
	}
}

// Fatalf always logs and calls os.Exit(1).
func (l *Logger) Fatalf(component, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", component, msg)
	l.emit(LevelError, component, msg)
	os.Exit(1)
}

// Log is the global logger instance, initialized at info level until
// replaced by a config-driven instance in main.
var Log = New(Config{})
