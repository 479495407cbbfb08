package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Logger()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// ParseLevel maps a configured level name to a LogLevel.
func ParseLevel(name string) (LogLevel, bool) {
	switch name {
	case "debug":
		return DebugLevel, true
	case "info":
		return InfoLevel, true
	case "warning", "warn":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	default:
		return InfoLevel, false
	}
}

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given configuration
func Init(level LogLevel, isService bool) {
	InitWithWriter(os.Stdout, level, isService)
}

// InitWithWriter is Init with an explicit output, used by tests.
func InitWithWriter(out io.Writer, level LogLevel, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if isService {
		// journald stamps every line itself
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
		output.NoColor = true
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(level)
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// ErrorWithCode logs an error message with its error code, if it has one
func ErrorWithCode(err error) *LogEvent {
	return withCode(log.Error(), err)
}

// FatalWithCode logs a fatal message with its error code and exits the program
func FatalWithCode(err error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(event *zerolog.Event, err error) *LogEvent {
	if code := errors.CodeOf(err); code != "" {
		event = event.Str("error_code", string(code))
	}

	return &LogEvent{event.Err(err)}
}

// componentLogger is the injectable Logger; it tags every event with the
// owning component.
type componentLogger struct {
	component string
}

// New returns a Logger bound to the package-level output.
func New(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) tag(event *zerolog.Event) *LogEvent {
	return &LogEvent{event.Str("component", l.component)}
}

func (l *componentLogger) Debug() *LogEvent { return l.tag(log.Debug()) }
func (l *componentLogger) Info() *LogEvent  { return l.tag(log.Info()) }
func (l *componentLogger) Warn() *LogEvent  { return l.tag(log.Warn()) }
func (l *componentLogger) Error() *LogEvent { return l.tag(log.Error()) }

func (l *componentLogger) ErrorWithCode(err error) *LogEvent {
	ev := withCode(log.Error(), err)
	ev.Event = ev.Str("component", l.component)

	return ev
}

func (l *componentLogger) With(component string) Logger {
	return &componentLogger{component: l.component + "." + component}
}
