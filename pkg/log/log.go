package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Level controls which messages a logger emits.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the minimal logging surface the runtime components depend on.
// Components treat a nil Logger as "log nothing".
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

type Config struct {
	// Level below which messages are dropped. Defaults to LevelInfo.
	Level Level
	// Writer receives formatted lines. Defaults to os.Stderr.
	Writer io.Writer
}

var (
	debugTag = color.New(color.FgCyan).Sprint("DEBUG")
	infoTag  = color.New(color.FgGreen).Sprint("INFO ")
	warnTag  = color.New(color.FgYellow).Sprint("WARN ")
	errorTag = color.New(color.FgRed).Sprint("ERROR")
)

// StdLogger writes timestamped, level-tagged lines to a single writer. Safe
// for concurrent use.
type StdLogger struct {
	conf Config
	mu   sync.Mutex
}

func New(conf Config) *StdLogger {
	if conf.Writer == nil {
		conf.Writer = os.Stderr
	}
	return &StdLogger{
		conf: conf,
	}
}

func (l *StdLogger) Debug(msg string) {
	l.log(LevelDebug, debugTag, msg)
}

func (l *StdLogger) Info(msg string) {
	l.log(LevelInfo, infoTag, msg)
}

func (l *StdLogger) Warn(msg string) {
	l.log(LevelWarn, warnTag, msg)
}

func (l *StdLogger) Error(msg string) {
	l.log(LevelError, errorTag, msg)
}

func (l *StdLogger) log(level Level, tag string, msg string) {
	if level < l.conf.Level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.conf.Writer, "%s %s %s\n", time.Now().Format("15:04:05.000"), tag, msg)
}
