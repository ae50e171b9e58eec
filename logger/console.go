package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

func colorEnabled(w io.Writer) bool {
	if isWindows || os.Getenv("TERM") == "dumb" || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

const (
	Reset       = "\033[0m"
	Red         = "\033[31m"
	Green       = "\033[32m"
	Magenta     = "\033[35m"
	BlueBold    = "\033[34;1m"
	MagentaBold = "\033[35;1m"
	RedBold     = "\033[31;1m"
	YellowBold  = "\033[33;1m"
	WhiteBold   = "\033[37;1m"
	CyanBold    = "\033[36;1m"
	Gray        = "\033[1;90m"
	Purple      = "\u001b[38;5;200m"
)

type levelStyle struct {
	name         string
	levelColor   string
	messageColor string
}

var levelStyles = map[LogLevel]levelStyle{
	LevelTrace: {"TRACE", CyanBold, Gray},
	LevelDebug: {"DEBUG", BlueBold, Green},
	LevelInfo:  {"INFO", YellowBold, WhiteBold},
	LevelWarn:  {"WARN", MagentaBold, Magenta},
	LevelError: {"ERROR", RedBold, Red},
}

// consoleLogger writes one line per entry. Clones share the writer and its
// lock so lines from concurrent goroutines never interleave.
type consoleLogger struct {
	out       *syncWriter
	prefixes  []string
	metadata  map[string]interface{}
	logLevel  LogLevel
	colorize  bool
	timestamp bool
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.w, line)
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		out:       c.out,
		prefixes:  slices.Clone(c.prefixes),
		metadata:  metadata,
		logLevel:  c.logLevel,
		colorize:  c.colorize,
		timestamp: c.timestamp,
	}
}

func (c *consoleLogger) color(val string) string {
	if !c.colorize {
		return ""
	}
	return val
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if !slices.Contains(l.prefixes, prefix) {
		l.prefixes = append(l.prefixes, prefix)
	}
	return l
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel && level < LevelNone
}

func (c *consoleLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	style := levelStyles[level]
	var sb strings.Builder
	if c.timestamp {
		sb.WriteString(time.Now().Format(time.RFC3339Nano))
		sb.WriteByte(' ')
	}
	sb.WriteString(c.color(style.levelColor))
	fmt.Fprintf(&sb, "[%-5s]", style.name)
	sb.WriteString(c.color(Reset))
	sb.WriteByte(' ')
	if len(c.prefixes) > 0 {
		sb.WriteString(c.color(Purple) + strings.Join(c.prefixes, " ") + c.color(Reset) + " ")
	}
	sb.WriteString(c.color(style.messageColor))
	if len(args) > 0 {
		fmt.Fprintf(&sb, msg, args...)
	} else {
		sb.WriteString(msg)
	}
	sb.WriteString(c.color(Reset))
	if len(c.metadata) > 0 {
		buf, err := json.Marshal(c.metadata)
		if err == nil {
			sb.WriteString(" " + c.color(Gray) + string(buf) + c.color(Reset))
		}
	}
	sb.WriteByte('\n')
	line := sb.String()
	if !c.colorize {
		line = ansiColorStripper.ReplaceAllString(line, "")
	}
	c.out.writeLine(line)
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }

func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }

func (c *consoleLogger) Info(msg string, args ...interface{}) { c.log(LevelInfo, msg, args...) }

func (c *consoleLogger) Warn(msg string, args ...interface{}) { c.log(LevelWarn, msg, args...) }

func (c *consoleLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

// NewConsoleLogger returns a new Logger instance which will log to stderr.
// The level defaults to the value of QUERYCACHE_LOG_LEVEL.
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return NewWriterLogger(os.Stderr, level)
}

// NewWriterLogger returns a console style Logger writing to w. Colour is only
// used when w is a terminal; timestamps are added otherwise.
func NewWriterLogger(w io.Writer, level LogLevel) Logger {
	colorize := colorEnabled(w)
	return &consoleLogger{
		out:       &syncWriter{w: w},
		metadata:  map[string]interface{}{},
		logLevel:  level,
		colorize:  colorize,
		timestamp: !colorize,
	}
}
