// Package log provides the leveled, structured logger used throughout the
// executive, scheduler, mailbox, and SVC dispatch packages. Every subsystem
// logs through here rather than fmt or the standard library log package, so
// that operator-facing output stays consistent between the CLI and an
// embedded host.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a logging severity, ordered from most to least verbose.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelCrit
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "CRIT"}

func (l Level) String() string {
	if int(l) < 0 || int(l) >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[l]
}

var levelColor = [...]*color.Color{
	color.New(color.FgHiBlack),
	color.New(color.FgCyan),
	color.New(color.FgGreen),
	color.New(color.FgYellow),
	color.New(color.FgRed),
	color.New(color.FgHiRed, color.Bold),
}

// Ctx is a flat list of alternating key/value pairs attached to a log
// line: Info(msg, k1, v1, k2, v2, ...).
type Ctx []interface{}

// Logger writes leveled, structured lines to an underlying writer. The zero
// value is not usable; construct one with New.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	color  bool
	name   string
	fields Ctx
}

// Root is the default logger, writing to stderr at LevelInfo. Packages that
// don't carry their own *Logger reference call through Root.
var Root = New(os.Stderr, LevelInfo)

// New constructs a Logger writing to w. If w is *os.File and refers to a
// terminal, ANSI color is enabled via go-colorable/go-isatty.
func New(w io.Writer, level Level) *Logger {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if useColor {
			w = colorable.NewColorable(f)
		}
	}
	return &Logger{out: w, level: level, color: useColor}
}

// New returns a child logger that prepends the given key/value context to
// every line it emits, without mutating the parent.
func (l *Logger) New(ctx ...interface{}) *Logger {
	child := &Logger{out: l.out, level: l.level, color: l.color, name: l.name}
	child.fields = append(append(Ctx{}, l.fields...), ctx...)
	return child
}

// SetLevel adjusts the minimum level this logger emits.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) write(level Level, msg string, ctx ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	line := fmt.Sprintf("%s [%-5s] %s", ts, level, msg)
	all := append(append(Ctx{}, l.fields...), ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	if l.color {
		line = levelColor[level].Sprint(line)
	}
	fmt.Fprintln(l.out, line)
	if level == LevelCrit {
		os.Exit(1)
	}
}

func (l *Logger) Trace(msg string, ctx ...interface{}) { l.write(LevelTrace, msg, ctx...) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.write(LevelDebug, msg, ctx...) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.write(LevelInfo, msg, ctx...) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.write(LevelWarn, msg, ctx...) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.write(LevelError, msg, ctx...) }
func (l *Logger) Crit(msg string, ctx ...interface{})  { l.write(LevelCrit, msg, ctx...) }

// Package-level convenience functions delegate to Root.
func Trace(msg string, ctx ...interface{}) { Root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { Root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { Root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { Root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { Root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { Root.Crit(msg, ctx...) }
