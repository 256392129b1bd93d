// Package mlog extends Go's logging functionality to allow for multiple
// loggers, each with its own level and optional filters. Call AddLogger to
// register a sink, then use the package-level functions to send messages to
// every registered logger that is willing to log at that level.
//
// This is the transport's own logger, adapted from the host project's
// minilog package: same multi-sink, per-sink-level design, because the
// transport runs in softirq, timer, pacer and application-call contexts
// simultaneously and a single global level would make it impossible to
// turn up verbosity for, say, just the pacer.
package mlog

import (
	"bufio"
	"fmt"
	golog "log"
	"io"
	"os"
	"strings"
	"sync"
)

var (
	loggers = make(map[string]*logger)
	logLock sync.RWMutex
)

type logger struct {
	l       *golog.Logger
	level   int
	filters []string
}

// AddLogger registers a named logger that writes to output, emitting only
// records at level or more severe.
func AddLogger(name string, output io.Writer, level int) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &logger{l: golog.New(output, "", golog.LstdFlags|golog.Lmicroseconds), level: level}
}

// DelLogger removes a previously registered logger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

// SetLevel changes the level for a named logger.
func SetLevel(name string, level int) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return fmt.Errorf("no such logger: %v", name)
	}
	loggers[name].level = level
	return nil
}

// WillLog reports whether any registered logger would emit a record at the
// given level. Useful when the message itself is expensive to build.
func WillLog(level int) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.level <= level {
			return true
		}
	}
	return false
}

// AddFilter suppresses records whose component name matches filter on the
// named logger.
func AddFilter(name, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger: %v", name)
	}
	for _, f := range l.filters {
		if f == filter {
			return nil
		}
	}
	l.filters = append(l.filters, filter)
	return nil
}

func (l *logger) filtered(component string) bool {
	for _, f := range l.filters {
		if f == component {
			return true
		}
	}
	return false
}

func dispatch(level int, component, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.level > level || l.filtered(component) {
			continue
		}
		msg := fmt.Sprintf(format, arg...)
		if component != "" {
			l.l.Printf("%s [%s] %s", levelName(level), component, msg)
		} else {
			l.l.Printf("%s %s", levelName(level), msg)
		}
	}
}

// LogAll reads lines from r until EOF and logs each one at level under
// component, starting a goroutine and returning immediately.
func LogAll(r io.Reader, level int, component string) {
	go func() {
		s := bufio.NewScanner(r)
		for s.Scan() {
			if line := strings.TrimSpace(s.Text()); line != "" {
				dispatch(level, component, "%s", line)
			}
		}
	}()
}

func Debug(format string, arg ...interface{}) { dispatch(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { dispatch(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { dispatch(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { dispatch(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	dispatch(FATAL, "", format, arg...)
	os.Exit(1)
}

// Component returns a logger that prefixes every record with name, the way
// the transport tags records by subsystem (peer, socket, pacer, resend).
func Component(name string) Logger {
	return Logger{name: name}
}

// Logger is a thin, component-tagged view onto the package-level loggers.
type Logger struct {
	name string
}

func (c Logger) Debug(format string, arg ...interface{}) { dispatch(DEBUG, c.name, format, arg...) }
func (c Logger) Info(format string, arg ...interface{})  { dispatch(INFO, c.name, format, arg...) }
func (c Logger) Warn(format string, arg ...interface{})  { dispatch(WARN, c.name, format, arg...) }
func (c Logger) Error(format string, arg ...interface{}) { dispatch(ERROR, c.name, format, arg...) }
