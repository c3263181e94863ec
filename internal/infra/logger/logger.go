package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
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
		return "FATAL"
	}
}

// sink is shared by a logger and all of its Named children.
type sink struct {
	mu     sync.Mutex
	file   io.Writer
	stdout io.Writer
	closer io.Closer
}

type Logger struct {
	sink      *sink
	level     Level
	component string
}

func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	s := &sink{file: f, closer: f}
	if includeStdout {
		s.stdout = os.Stdout
	}

	return &Logger{sink: s, level: level}, nil
}

// NewWriter logs to w only. Used by the CLI one-shot commands and tests.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{sink: &sink{file: w}, level: level}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelFatal)
}

// Named returns a child logger tagging every line with component.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{sink: l.sink, level: l.level, component: name}
}

func (l *Logger) Close() error {
	if l.sink.closer == nil {
		return nil
	}
	return l.sink.closer.Close()
}

func (l *Logger) log(lvl Level, format string, v ...any) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%s [%s] %s: %s\n", timestamp, lvl, l.component, msg)
	} else {
		line = fmt.Sprintf("%s [%s] %s\n", timestamp, lvl, msg)
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	_, _ = io.WriteString(l.sink.file, line)

	// Debug stays in the file so it doesn't flood an interactive terminal
	if l.sink.stdout != nil && lvl >= LevelInfo {
		_, _ = io.WriteString(l.sink.stdout, line)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, f, v...); os.Exit(1) }

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
