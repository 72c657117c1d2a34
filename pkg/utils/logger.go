// pkg/utils/logger.go

package utils

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.Mutex
	loggers = make(map[string]*logHandle)
	level   = logrus.InfoLevel
)

type logHandle struct {
	logrus.Logger

	name string
}

// Format renders an entry as `timestamp name[pid] <LEVEL>: message {fields}`.
func (l *logHandle) Format(e *logrus.Entry) ([]byte, error) {
	const timeFormat = "2006/01/02 15:04:05.000000"
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s[%d] <%s>: %s",
		e.Time.Format(timeFormat),
		l.name,
		os.Getpid(),
		strings.ToUpper(e.Level.String()),
		e.Message)
	if len(e.Data) != 0 {
		fmt.Fprintf(&b, " %v", e.Data)
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func newLogger(name string) *logHandle {
	l := &logHandle{name: name}
	l.Out = os.Stderr
	l.Formatter = l
	l.Level = level
	l.Hooks = make(logrus.LevelHooks)
	return l
}

// GetLogger returns the logger registered under name, creating it on first use.
func GetLogger(name string) *logHandle {
	mu.Lock()
	defer mu.Unlock()

	if logger, ok := loggers[name]; ok {
		return logger
	}
	logger := newLogger(name)
	loggers[name] = logger
	return logger
}

// SetLogLevel sets the level of every logger, including ones created later.
func SetLogLevel(lvl logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = lvl
	for _, logger := range loggers {
		logger.SetLevel(lvl)
	}
}

// SetOutFile redirects all loggers to the named file (append mode).
func SetOutFile(name string) error {
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	for _, logger := range loggers {
		logger.SetOutput(file)
	}
	return nil
}
