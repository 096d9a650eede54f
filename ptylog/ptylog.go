// Package ptylog centralizes ptyctl's leveled, redacting logger: a
// single process-wide logger with off/error/info/debug levels, since
// ptyctld is a long-lived daemon rather than a one-shot CLI.
package ptylog

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
)

// Level is the verbosity threshold.
type Level int32

const (
	Off Level = iota
	LevelError
	LevelInfo
	LevelDebug
)

// ParseLevel maps PTYCTL_LOG_LEVEL values to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return Off
	case "error":
		return LevelError
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

var (
	level  atomic.Int32
	target = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel adjusts the process-wide log level.
func SetLevel(l Level) { level.Store(int32(l)) }

// SetOutput swaps the underlying *log.Logger, for redirecting to a
// dump file or test buffer.
func SetOutput(l *log.Logger) { target = l }

// secretFields identifies request/response fields whose values must
// never reach a log line verbatim: password, passphrase, and
// private_key_pem. Payloads of writes with sensitive=true are not matched
// here; the session keeps them out of its log lines itself.
var secretFields = regexp.MustCompile(`(?i)(password|passphrase|private_key_pem)\s*[:=]\s*("[^"]*"|\S+)`)

// Redact scrubs known secret-bearing substrings from a string before it is
// logged or placed in an error payload.
func Redact(s string) string {
	return secretFields.ReplaceAllString(s, "$1=[REDACTED]")
}

func logf(l Level, prefix, format string, a ...interface{}) {
	if Level(level.Load()) < l {
		return
	}
	msg := Redact(fmt.Sprintf(format, a...))
	target.Printf("%s %s", prefix, msg)
}

// Debugf logs at debug level.
func Debugf(format string, a ...interface{}) { logf(LevelDebug, "DEBUG", format, a...) }

// Infof logs at info level.
func Infof(format string, a ...interface{}) { logf(LevelInfo, "INFO", format, a...) }

// Errorf logs at error level.
func Errorf(format string, a ...interface{}) { logf(LevelError, "ERROR", format, a...) }

// V is a package-level verbose hook shaped like `func(string,
// ...interface{})`, for callers that want a bare function value rather
// than importing the level constants.
func V(format string, a ...interface{}) { Debugf(format, a...) }
